package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/felipepmaragno/channel-gateway/internal/api"
	"github.com/felipepmaragno/channel-gateway/internal/auth"
	"github.com/felipepmaragno/channel-gateway/internal/channelmetrics"
	"github.com/felipepmaragno/channel-gateway/internal/config"
	"github.com/felipepmaragno/channel-gateway/internal/credentials"
	"github.com/felipepmaragno/channel-gateway/internal/crypto"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/gateway"
	"github.com/felipepmaragno/channel-gateway/internal/healthcheck"
	"github.com/felipepmaragno/channel-gateway/internal/httputil"
	"github.com/felipepmaragno/channel-gateway/internal/notifications"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/felipepmaragno/channel-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/channel-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/channel-gateway/internal/provider/deepseek"
	"github.com/felipepmaragno/channel-gateway/internal/provider/ollama"
	"github.com/felipepmaragno/channel-gateway/internal/provider/openai"
	"github.com/felipepmaragno/channel-gateway/internal/queue"
	"github.com/felipepmaragno/channel-gateway/internal/quota"
	"github.com/felipepmaragno/channel-gateway/internal/quotaalert"
	"github.com/felipepmaragno/channel-gateway/internal/ratelimit"
	"github.com/felipepmaragno/channel-gateway/internal/registry"
	"github.com/felipepmaragno/channel-gateway/internal/secrets"
	"github.com/felipepmaragno/channel-gateway/internal/telemetry"
	"github.com/felipepmaragno/channel-gateway/internal/upstream"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("channel gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("starting channel gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "channel-gateway", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var checkers []api.HealthChecker

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
		logger.Info("using redis", "addr", opts.Addr)
	}

	var pg *sql.DB
	if cfg.DatabaseURL != "" {
		pg, err = openDB(ctx, "postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		checkers = append(checkers, api.NewSQLHealthChecker("postgres", pg))
	}

	var awsCfg *aws.Config
	if cfg.AWSRegion != "" {
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &c
	}

	// Channel registry.
	var reg registry.Registry
	var fileSource *registry.FileSource
	switch {
	case pg != nil:
		pgReg := registry.NewPostgresRegistry(pg)
		if err := pgReg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate channels: %w", err)
		}
		reg = registry.NewCachedRegistry(pgReg, 1024, 5*time.Second)
		logger.Info("using postgres channel registry")
	default:
		mem := registry.NewInMemoryRegistry()
		if cfg.ChannelsFile != "" {
			fileSource, err = registry.NewFileSource(cfg.ChannelsFile, mem, logger)
			if err != nil {
				return fmt.Errorf("load channels file: %w", err)
			}
			defer fileSource.Close()
			logger.Info("using channels file", "path", cfg.ChannelsFile)
		} else {
			logger.Warn("no DATABASE_URL or CHANNELS_FILE, channels live in memory only")
		}
		reg = mem
	}
	checkers = append(checkers, api.CheckerFunc{
		CheckName: "registry",
		Fn: func(ctx context.Context) error {
			_, err := reg.ListActive(ctx)
			return err
		},
	})

	// Channel metrics.
	var store channelmetrics.Store
	if redisClient != nil {
		store = channelmetrics.NewRedisStore(redisClient, channelmetrics.DefaultHealthPolicy())
	} else {
		store = channelmetrics.NewInMemoryStore(channelmetrics.DefaultHealthPolicy())
	}

	// Quota ledger.
	limits := quota.Limits{
		domain.QuotaDailyRequests:   cfg.DefaultDailyRequests,
		domain.QuotaDailyTokens:     cfg.DefaultDailyTokens,
		domain.QuotaMonthlyRequests: cfg.DefaultMonthlyRequests,
		domain.QuotaMonthlyTokens:   cfg.DefaultMonthlyTokens,
	}
	ledger, closeLedger, err := openLedger(ctx, cfg, redisClient, pg, limits, &checkers)
	if err != nil {
		return err
	}
	defer closeLedger()

	// Per-channel rate limiter.
	var limiter ratelimit.ChannelLimiter
	var adminLimiter interface{ Forget(string) }
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient)
	} else {
		mem := ratelimit.NewInMemoryLimiter()
		limiter, adminLimiter = mem, mem
	}

	// Credentials.
	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("init encryptor: %w", err)
		}
	} else {
		logger.Warn("ENCRYPTION_KEY not set, admin API stores credentials as given")
	}

	credOpts := credentials.Options{
		Encryptor:      encryptor,
		AllowPlaintext: cfg.AllowPlaintextCredentials,
	}
	if awsCfg != nil {
		credOpts.AWS = secrets.NewAWSSecretsManagerWithConfig(*awsCfg)
	}
	if cfg.VaultAddr != "" {
		vault, err := secrets.NewVaultStore(cfg.VaultAddr, cfg.VaultToken)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		credOpts.Vault = vault
	}
	resolver := credentials.NewResolver(credOpts)
	if fileSource != nil {
		fileSource.OnChange(resolver.Invalidate)
	}

	providers := provider.NewRegistry(
		openai.New(),
		deepseek.New(),
		anthropic.New(),
		ollama.New(),
		bedrock.New(cfg.AWSRegion),
	)

	// Notifications and alerts.
	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" && awsCfg != nil {
		notifier = notifications.NewSNSNotifierWithConfig(*awsCfg, cfg.SNSTopicARN)
		logger.Info("using sns notifications", "topic", cfg.SNSTopicARN)
	}
	reporter := healthcheck.NewReporter(notifier, logger)

	var dedup quotaalert.AlertDeduplicator
	if redisClient != nil {
		dedup = quotaalert.NewRedisDeduplicator(redisClient, 24*time.Hour)
	} else {
		dedup = quotaalert.NewInMemoryDeduplicator()
	}
	alerts := quotaalert.NewMonitor(ledger, dedup, quotaalert.DefaultThresholds())
	alerts.OnAlert(quotaalert.LogAlertHandler)
	alerts.OnAlert(quotaalert.NotifierHandler(notifier))

	// Usage events.
	var usage queue.UsagePublisher
	if cfg.UsageQueueURL != "" && awsCfg != nil {
		async := queue.NewAsyncPublisher(queue.NewSQSPublisherWithConfig(*awsCfg, cfg.UsageQueueURL), 1024, logger)
		defer async.Close()
		usage = async
		logger.Info("publishing usage events", "queue_url", cfg.UsageQueueURL)
	}

	svc := gateway.New(gateway.Config{
		Registry: reg,
		Upstream: upstream.NewClient(
			httputil.NewClient(httputil.UpstreamConfig()),
			providers,
			resolver,
		),
		Ledger:         ledger,
		Metrics:        store,
		Limiter:        limiter,
		Reporter:       reporter,
		Alerts:         alerts,
		Usage:          usage,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		MaxFailovers:   cfg.MaxFailovers,
	})

	if fileSource != nil {
		if err := fileSource.Watch(ctx); err != nil {
			logger.Error("channels file hot reload disabled", "error", err)
		}
	}

	if cfg.ProbeEnabled {
		prober := healthcheck.New(
			healthcheck.Config{
				Enabled:  true,
				Interval: cfg.ProbeInterval,
				Timeout:  cfg.ProbeTimeout,
			},
			reg,
			upstream.NewClient(httputil.NewClient(httputil.ProbeConfig(cfg.ProbeTimeout)), providers, resolver),
			store,
			reporter,
			logger,
		)
		if err := prober.Start(ctx); err != nil {
			return fmt.Errorf("start prober: %w", err)
		}
	}

	tenants := tenantResolver(cfg, logger)

	var admin http.Handler
	if cfg.AdminPasswordHash != "" {
		users := auth.NewInMemoryAdminUserRepository(&auth.AdminUser{
			ID:           cfg.AdminUsername,
			Username:     cfg.AdminUsername,
			PasswordHash: cfg.AdminPasswordHash,
			Role:         auth.RoleAdmin,
			Enabled:      true,
		})
		adminCfg := api.AdminConfig{
			Registry:    reg,
			Ledger:      ledger,
			Metrics:     store,
			Providers:   providers,
			RBAC:        auth.NewRBACMiddleware(auth.NewAuthenticator(users)),
			Encryptor:   encryptor,
			Credentials: resolver,
			Logger:      logger,
		}
		if adminLimiter != nil {
			adminCfg.Limiter = adminLimiter
		}
		admin = api.NewAdminHandler(adminCfg)
	} else {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin API disabled")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:  api.FromGateway(svc),
		Tenants:  tenants,
		Admin:    admin,
		Checkers: checkers,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down server...", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()

	logger.Info("server stopped")
	return nil
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// openLedger prefers Redis, then Postgres, then a SQLite file, then memory.
func openLedger(ctx context.Context, cfg *config.Config, rdb *redis.Client, pg *sql.DB, limits quota.Limits, checkers *[]api.HealthChecker) (quota.Ledger, func(), error) {
	noop := func() {}

	switch {
	case rdb != nil:
		slog.Info("using redis quota ledger")
		return quota.NewRedisLedger(rdb, limits), noop, nil

	case pg != nil:
		l := quota.NewSQLLedger(pg, quota.DialectPostgres, limits)
		if err := l.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		slog.Info("using postgres quota ledger")
		return l, noop, nil

	case cfg.SQLitePath != "":
		db, err := openDB(ctx, "sqlite", cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, nil, err
		}
		l := quota.NewSQLLedger(db, quota.DialectSQLite, limits)
		if err := l.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		*checkers = append(*checkers, api.NewSQLHealthChecker("sqlite", db))
		slog.Info("using sqlite quota ledger", "path", cfg.SQLitePath)
		return l, func() { db.Close() }, nil

	default:
		slog.Warn("using in-memory quota ledger, counters reset on restart")
		return quota.NewInMemoryLedger(limits), noop, nil
	}
}

func tenantResolver(cfg *config.Config, logger *slog.Logger) auth.TenantResolver {
	var chain auth.Chain
	if len(cfg.TenantAPIKeys) > 0 {
		chain = append(chain, auth.NewAPIKeyResolver(cfg.TenantAPIKeys))
		logger.Info("tenant api keys loaded", "count", len(cfg.TenantAPIKeys))
	}
	if cfg.TrustTenantHeader {
		chain = append(chain, auth.NewHeaderResolver())
		logger.Info("trusting tenant header", "header", auth.TenantHeader)
	}
	if len(chain) == 0 {
		logger.Warn("no tenant resolution configured, every request will be rejected")
	}
	return chain
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
	slog.SetDefault(slog.New(handler))
}
