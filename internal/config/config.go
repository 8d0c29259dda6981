package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/secrets"
)

type Config struct {
	Addr          string
	LogLevel      string
	RedisURL      string
	DatabaseURL   string
	OTLPEndpoint  string
	AWSRegion     string
	EncryptionKey string
	SecretsID     string
	ProvidersFile string
	SNSTopicARN   string
	UsageQueueURL string

	RateLimitMax      int
	RateLimitWindow   time.Duration
	DefaultDailyQuota int64

	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DispatchTimeout time.Duration
	StrategyWeights string

	// HeartbeatTimeout of zero disables the staleness monitor.
	HeartbeatTimeout       time.Duration
	HeartbeatSweepInterval time.Duration

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", "us-east-1"),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		SecretsID:                    getEnv("SECRETS_ID", ""),
		ProvidersFile:                getEnv("PROVIDERS_FILE", ""),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		UsageQueueURL:                getEnv("USAGE_QUEUE_URL", ""),
		RateLimitMax:                 getIntEnv("RATE_LIMIT_MAX", 100),
		RateLimitWindow:              getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		DefaultDailyQuota:            int64(getIntEnv("DEFAULT_DAILY_QUOTA", 1000)),
		MaxRetries:                   getIntEnv("MAX_RETRIES", 3),
		RetryBaseDelay:               getDurationEnv("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:                getDurationEnv("RETRY_MAX_DELAY", 30*time.Second),
		DispatchTimeout:              getDurationEnv("DISPATCH_TIMEOUT", 60*time.Second),
		StrategyWeights:              getEnv("STRATEGY_WEIGHTS", "latency=1,reliability=1"),
		HeartbeatTimeout:             getDurationEnv("HEARTBEAT_TIMEOUT", 0),
		HeartbeatSweepInterval:       getDurationEnv("HEARTBEAT_SWEEP_INTERVAL", 30*time.Second),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.RateLimitMax < 1:
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	case c.RateLimitWindow <= 0:
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	case c.DefaultDailyQuota < 0:
		return fmt.Errorf("DEFAULT_DAILY_QUOTA must not be negative, got %d", c.DefaultDailyQuota)
	case c.MaxRetries < 1:
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	case c.HeartbeatTimeout > 0 && c.HeartbeatSweepInterval <= 0:
		return fmt.Errorf("HEARTBEAT_SWEEP_INTERVAL must be positive, got %s", c.HeartbeatSweepInterval)
	}
	return nil
}

// ResolveSecrets overlays connection strings and the encryption key from
// the secret named by SecretsID. It does nothing when SecretsID is empty.
func (c *Config) ResolveSecrets(ctx context.Context, store secrets.SecretStore) error {
	if c.SecretsID == "" {
		return nil
	}

	s, err := secrets.LoadGatewaySecrets(ctx, store, c.SecretsID)
	if err != nil {
		return err
	}
	if s.DatabaseURL != "" {
		c.DatabaseURL = s.DatabaseURL
	}
	if s.RedisURL != "" {
		c.RedisURL = s.RedisURL
	}
	if s.EncryptionKey != "" {
		c.EncryptionKey = s.EncryptionKey
	}
	return nil
}

type providerSeeds struct {
	Providers []domain.ProviderDescriptor `yaml:"providers"`
}

// LoadProviderSeeds reads provider descriptors registered at startup.
func LoadProviderSeeds(path string) ([]domain.ProviderDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var seeds providerSeeds
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	for i := range seeds.Providers {
		seeds.Providers[i].APIKey = os.ExpandEnv(seeds.Providers[i].APIKey)
	}
	return seeds.Providers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "1m") or bare seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
