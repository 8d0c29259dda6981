package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/provider-gateway/internal/api"
	"github.com/felipepmaragno/provider-gateway/internal/cache"
	"github.com/felipepmaragno/provider-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/provider-gateway/internal/config"
	"github.com/felipepmaragno/provider-gateway/internal/cost"
	"github.com/felipepmaragno/provider-gateway/internal/crypto"
	"github.com/felipepmaragno/provider-gateway/internal/domain"
	"github.com/felipepmaragno/provider-gateway/internal/gateway"
	"github.com/felipepmaragno/provider-gateway/internal/httputil"
	"github.com/felipepmaragno/provider-gateway/internal/notifications"
	"github.com/felipepmaragno/provider-gateway/internal/provider"
	"github.com/felipepmaragno/provider-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/provider-gateway/internal/provider/openai"
	"github.com/felipepmaragno/provider-gateway/internal/queue"
	"github.com/felipepmaragno/provider-gateway/internal/quota"
	"github.com/felipepmaragno/provider-gateway/internal/ratelimit"
	"github.com/felipepmaragno/provider-gateway/internal/registry"
	"github.com/felipepmaragno/provider-gateway/internal/repository"
	"github.com/felipepmaragno/provider-gateway/internal/scheduler"
	"github.com/felipepmaragno/provider-gateway/internal/secrets"
	"github.com/felipepmaragno/provider-gateway/internal/strategy"
	"github.com/felipepmaragno/provider-gateway/internal/telemetry"
)

const (
	serviceName    = "provider-gateway"
	serviceVersion = "0.1.0"

	// writeSlack covers the work around scheduling: admission, usage
	// accounting and writing the body.
	writeSlack = 5 * time.Second
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting provider gateway", "addr", cfg.Addr, "version", serviceVersion)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return err
	}

	if cfg.SecretsID != "" {
		store := secrets.NewAWSSecretsManagerWithConfig(awsCfg)
		if err := cfg.ResolveSecrets(ctx, store); err != nil {
			return err
		}
		slog.Info("loaded secrets", "secret_id", cfg.SecretsID)
	}

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	var checkers []api.HealthChecker

	var (
		providerStore repository.ProviderStore
		userRepo      repository.UserRepository
		usageStore    repository.UsageStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}

		var sealer repository.Sealer
		if cfg.EncryptionKey != "" {
			enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
			if err != nil {
				return err
			}
			sealer = enc
		} else {
			slog.Warn("ENCRYPTION_KEY not set, provider API keys stored unencrypted")
		}

		providerStore = repository.NewPostgresProviderStore(db, sealer)
		userRepo = repository.NewPostgresUserRepository(db)
		usageStore = repository.NewPostgresUsageStore(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres stores")
	} else {
		providerStore = repository.NewInMemoryProviderStore()
		userRepo = repository.NewInMemoryUserRepository()
		usageStore = repository.NewInMemoryUsageStore()
		slog.Info("using in-memory stores")
	}

	var (
		rateLimiter   ratelimit.RateLimiter
		memoryLimiter *ratelimit.InMemoryRateLimiter
		modelsCache   cache.Cache
		dedup         quota.AlertDeduplicator
		breakerOpts   []circuitbreaker.SetOption
	)
	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}

		rateLimiter = ratelimit.NewRedisRateLimiterFromClient(rdb)
		modelsCache = cache.NewRedisCache(rdb)
		dedup = quota.NewRedisDeduplicator(rdb, 25*time.Hour)
		if cfg.UseDistributedCircuitBreaker {
			breakerOpts = append(breakerOpts, circuitbreaker.WithFactory(circuitbreaker.RedisFactory(rdb, breakerCfg)))
			slog.Info("using distributed circuit breakers")
		}
		checkers = append(checkers, api.NewRedisHealthChecker(rdb))
		slog.Info("using redis rate limiter and cache")
	} else {
		memoryLimiter = ratelimit.NewInMemoryRateLimiter()
		rateLimiter = memoryLimiter
		modelsCache = cache.NewInMemoryCache()
		slog.Info("using in-memory rate limiter and cache")
	}
	breakers := circuitbreaker.NewSet(breakerCfg, breakerOpts...)

	monitor := quota.NewMonitor(quota.DefaultThresholds(), dedup)
	monitor.OnAlert(quota.LogAlertHandler)
	registryOpts, ledgerOpts := eventSinks(cfg, awsCfg, monitor)
	ledgerOpts = append(ledgerOpts, quota.WithDefaultQuota(cfg.DefaultDailyQuota), quota.WithMonitor(monitor))

	reg := registry.New(providerStore, registryOpts...)
	if cfg.ProvidersFile != "" {
		if err := seedProviders(ctx, reg, cfg.ProvidersFile); err != nil {
			return err
		}
	}

	weights, err := strategy.ParseWeights(cfg.StrategyWeights)
	if err != nil {
		return err
	}

	mux := provider.NewMux()
	upstream := openai.New(httputil.NewClient(httputil.ForDispatch(cfg.DispatchTimeout)))
	mux.Handle("http", upstream)
	mux.Handle("https", upstream)
	mux.Handle("bedrock", bedrock.New(awsCfg))

	policy := scheduler.Policy{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       cfg.RetryBaseDelay,
		MaxDelay:        cfg.RetryMaxDelay,
		DispatchTimeout: cfg.DispatchTimeout,
	}
	sched := scheduler.New(reg, mux, weights, policy, scheduler.WithCircuitBreakers(breakers))

	ledger := quota.NewLedger(userRepo, usageStore, cost.NewCalculator(), ledgerOpts...)

	gw := gateway.New(rateLimiter, ledger, sched, gateway.RateLimit{
		Max:    cfg.RateLimitMax,
		Window: cfg.RateLimitWindow,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:         gw,
		Registry:        reg,
		Ledger:          ledger,
		Cache:           modelsCache,
		CircuitBreakers: breakers,
		HealthCheckers:  checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: policy.Deadline() + writeSlack,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.HeartbeatTimeout > 0 {
		hb := registry.NewHeartbeatMonitor(reg, cfg.HeartbeatTimeout, cfg.HeartbeatSweepInterval,
			registry.OnDegrade(func(ctx context.Context, p domain.Provider) { handler.InvalidateModels(ctx) }),
		)
		g.Go(func() error { return hb.Run(gctx) })
		slog.Info("heartbeat monitor enabled", "timeout", cfg.HeartbeatTimeout)
	}

	if memoryLimiter != nil {
		g.Go(func() error { return memoryLimiter.RunSweeper(gctx, cfg.RateLimitWindow) })
	}

	return g.Wait()
}

// eventSinks wires the SNS topic and SQS queue when configured. Without
// them nothing is buffered: alerts and transitions only reach the log and
// usage events are not published.
func eventSinks(cfg *config.Config, awsCfg aws.Config, monitor *quota.Monitor) ([]registry.Option, []quota.Option) {
	var (
		registryOpts []registry.Option
		ledgerOpts   []quota.Option
	)
	if cfg.SNSTopicARN != "" {
		notifier := notifications.NewSNSNotifierWithConfig(awsCfg, cfg.SNSTopicARN)
		registryOpts = append(registryOpts, registry.WithNotifier(notifier))
		monitor.OnAlert(quota.NotifyHandler(notifier))
		slog.Info("using sns notifications", "topic", cfg.SNSTopicARN)
	}
	if cfg.UsageQueueURL != "" {
		ledgerOpts = append(ledgerOpts, quota.WithPublisher(queue.NewSQSPublisherWithConfig(awsCfg, cfg.UsageQueueURL)))
		slog.Info("publishing usage events", "queue", cfg.UsageQueueURL)
	}
	return registryOpts, ledgerOpts
}

// seedProviders registers providers from path whose name is not already
// known, so restarts against a durable store do not duplicate them.
func seedProviders(ctx context.Context, reg *registry.Registry, path string) error {
	seeds, err := config.LoadProviderSeeds(path)
	if err != nil {
		return err
	}

	existing, err := reg.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.Name] = true
	}

	for _, desc := range seeds {
		if desc.Name != "" && known[desc.Name] {
			continue
		}
		if _, err := reg.Register(ctx, desc); err != nil {
			return err
		}
	}
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler).With("service", serviceName))
}
