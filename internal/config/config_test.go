package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felipepmaragno/provider-gateway/internal/secrets"
)

var envVars = []string{
	"ADDR", "LOG_LEVEL", "REDIS_URL", "DATABASE_URL", "OTLP_ENDPOINT",
	"AWS_REGION", "ENCRYPTION_KEY", "SECRETS_ID", "PROVIDERS_FILE",
	"SNS_TOPIC_ARN", "USAGE_QUEUE_URL", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW",
	"DEFAULT_DAILY_QUOTA", "MAX_RETRIES", "RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
	"DISPATCH_TIMEOUT", "STRATEGY_WEIGHTS", "HEARTBEAT_TIMEOUT",
	"HEARTBEAT_SWEEP_INTERVAL", "USE_DISTRIBUTED_CB", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	strings := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RedisURL", cfg.RedisURL, ""},
		{"DatabaseURL", cfg.DatabaseURL, ""},
		{"AWSRegion", cfg.AWSRegion, "us-east-1"},
		{"StrategyWeights", cfg.StrategyWeights, "latency=1,reliability=1"},
	}
	for _, tt := range strings {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	durations := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"RateLimitWindow", cfg.RateLimitWindow, time.Minute},
		{"RetryBaseDelay", cfg.RetryBaseDelay, time.Second},
		{"RetryMaxDelay", cfg.RetryMaxDelay, 30 * time.Second},
		{"DispatchTimeout", cfg.DispatchTimeout, 60 * time.Second},
		{"HeartbeatTimeout", cfg.HeartbeatTimeout, 0},
		{"HeartbeatSweepInterval", cfg.HeartbeatSweepInterval, 30 * time.Second},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
	}
	for _, tt := range durations {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.RateLimitMax != 100 {
		t.Errorf("RateLimitMax = %d, want 100", cfg.RateLimitMax)
	}
	if cfg.DefaultDailyQuota != 1000 {
		t.Errorf("DefaultDailyQuota = %d, want 1000", cfg.DefaultDailyQuota)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.UseDistributedCircuitBreaker {
		t.Error("UseDistributedCircuitBreaker should default to false")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDR", ":9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "10s")
	t.Setenv("DEFAULT_DAILY_QUOTA", "50")
	t.Setenv("MAX_RETRIES", "4")
	t.Setenv("DISPATCH_TIMEOUT", "15")
	t.Setenv("HEARTBEAT_TIMEOUT", "2m")
	t.Setenv("USE_DISTRIBUTED_CB", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("unexpected addr/redis: %q %q", cfg.Addr, cfg.RedisURL)
	}
	if cfg.RateLimitMax != 5 || cfg.RateLimitWindow != 10*time.Second {
		t.Errorf("rate limit = %d/%v", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.DefaultDailyQuota != 50 || cfg.MaxRetries != 4 {
		t.Errorf("quota/retries = %d/%d", cfg.DefaultDailyQuota, cfg.MaxRetries)
	}
	if cfg.DispatchTimeout != 15*time.Second {
		t.Errorf("DispatchTimeout = %v, want 15s", cfg.DispatchTimeout)
	}
	if cfg.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("HeartbeatTimeout = %v, want 2m", cfg.HeartbeatTimeout)
	}
	if !cfg.UseDistributedCircuitBreaker {
		t.Error("UseDistributedCircuitBreaker should be true")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"RATE_LIMIT_MAX", "0"},
		{"MAX_RETRIES", "0"},
		{"DEFAULT_DAILY_QUOTA", "-1"},
		{"RATE_LIMIT_WINDOW", "-5s"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s should fail", tt.key, tt.value)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 7 * time.Second},
		{"30", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{"garbage", 7 * time.Second},
	}

	for _, tt := range tests {
		t.Run("value="+tt.value, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getDurationEnv("TEST_DURATION", 7*time.Second); got != tt.expected {
				t.Errorf("getDurationEnv() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestResolveSecrets(t *testing.T) {
	store := secrets.NewInMemorySecretStore()
	store.SetSecret("gw", `{"database_url":"postgres://secret/db","encryption_key":"from-secret"}`)

	cfg := &Config{SecretsID: "gw", RedisURL: "redis://env:6379", DatabaseURL: "postgres://env/db"}
	if err := cfg.ResolveSecrets(context.Background(), store); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}

	if cfg.DatabaseURL != "postgres://secret/db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "redis://env:6379" {
		t.Errorf("RedisURL should keep env value, got %q", cfg.RedisURL)
	}
	if cfg.EncryptionKey != "from-secret" {
		t.Errorf("EncryptionKey = %q", cfg.EncryptionKey)
	}

	noID := &Config{}
	if err := noID.ResolveSecrets(context.Background(), store); err != nil {
		t.Errorf("ResolveSecrets() without SecretsID error = %v", err)
	}

	missing := &Config{SecretsID: "missing"}
	if err := missing.ResolveSecrets(context.Background(), store); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestLoadProviderSeeds(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-seed")
	path := filepath.Join(t.TempDir(), "providers.yaml")
	data := `providers:
  - name: primary
    endpoint: https://api.example.com/v1
    api_key: ${TEST_UPSTREAM_KEY}
    models: [gpt-4o, gpt-4o-mini]
    price_per_token: 0.000002
  - name: bedrock-east
    endpoint: bedrock://us-east-1
    models:
      - claude-3-haiku
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write seeds: %v", err)
	}

	seeds, err := LoadProviderSeeds(path)
	if err != nil {
		t.Fatalf("LoadProviderSeeds() error = %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("len(seeds) = %d, want 2", len(seeds))
	}
	if seeds[0].APIKey != "sk-seed" {
		t.Errorf("APIKey = %q, want expanded env value", seeds[0].APIKey)
	}
	if len(seeds[0].Models) != 2 || seeds[0].PricePerToken == nil || *seeds[0].PricePerToken != 0.000002 {
		t.Errorf("unexpected first seed %+v", seeds[0])
	}
	if seeds[1].Endpoint != "bedrock://us-east-1" || seeds[1].PricePerToken != nil {
		t.Errorf("unexpected second seed %+v", seeds[1])
	}

	if _, err := LoadProviderSeeds(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TEST_DOTENV_VALUE", "")
	os.Unsetenv("TEST_DOTENV_VALUE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("TEST_DOTENV_VALUE"); got != "from-file" {
		t.Errorf("TEST_DOTENV_VALUE = %q", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}
