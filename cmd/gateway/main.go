package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transitive-bullshit/agentic-gateway/internal/admin"
	"github.com/transitive-bullshit/agentic-gateway/internal/background"
	"github.com/transitive-bullshit/agentic-gateway/internal/billing"
	"github.com/transitive-bullshit/agentic-gateway/internal/config"
	"github.com/transitive-bullshit/agentic-gateway/internal/edgecache"
	"github.com/transitive-bullshit/agentic-gateway/internal/gateway"
	"github.com/transitive-bullshit/agentic-gateway/internal/notifications"
	"github.com/transitive-bullshit/agentic-gateway/internal/origin"
	"github.com/transitive-bullshit/agentic-gateway/internal/queue"
	"github.com/transitive-bullshit/agentic-gateway/internal/ratelimit"
	"github.com/transitive-bullshit/agentic-gateway/internal/secrets"
	"github.com/transitive-bullshit/agentic-gateway/internal/telemetry"
	"github.com/transitive-bullshit/agentic-gateway/internal/usage"
)

const (
	version = "1.0.0"

	billingDedupTTL = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting agentic gateway", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SecretsName != "" {
		if err := loadSecrets(ctx, cfg); err != nil {
			slog.Error("failed to load secrets", "error", err)
			os.Exit(1)
		}
	}
	if cfg.AdminServiceKey == "" {
		slog.Error("admin service key is required")
		os.Exit(1)
	}

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.OTLPEndpoint != "" {
		shutdownTelemetry, err = telemetry.Init(ctx, "agentic-gateway", version, cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	}

	tasks := background.New(1024, 8)

	var counter ratelimit.Counter
	var cache edgecache.Cache
	var dedup billing.Deduplicator
	if cfg.RedisURL != "" {
		counter, err = ratelimit.NewRedisCounter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		cache, err = edgecache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		dedup, err = billing.NewRedisDeduplicator(cfg.RedisURL, billingDedupTTL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis backends", "url", cfg.RedisURL)
	} else {
		counter = ratelimit.NewMemoryCounter()
		cache = edgecache.NewMemoryCache()
		dedup = billing.NewInMemoryDeduplicator(billingDedupTTL)
		slog.Info("using in-memory backends")
	}

	var usageRepo usage.Repository
	if cfg.DatabaseURL != "" {
		usageRepo, err = usage.NewPostgresRepositoryFromDSN(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		slog.Info("using postgres usage repository")
	} else {
		usageRepo = usage.NewInMemoryRepository()
		slog.Info("using in-memory usage repository")
	}

	var exporter usage.Exporter
	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		exporter, err = queue.NewSQSExporter(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Error("failed to set up sqs exporter", "error", err)
			os.Exit(1)
		}
		slog.Info("usage export enabled", "queue", cfg.UsageQueueURL)
	}

	var notifier notifications.Notifier
	if cfg.NotificationsTopic != "" && cfg.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotificationsTopic)
		if err != nil {
			slog.Error("failed to set up sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("notifications enabled", "topic", cfg.NotificationsTopic)
	}

	adminClient := admin.NewCachedClient(admin.NewHTTPClient(cfg.AdminAPIURL, cfg.AdminServiceKey))

	var reporter *billing.Reporter
	if cfg.StripeSecretKey != "" {
		reporter = billing.NewReporter(billing.NewStripeClient(cfg.StripeSecretKey), dedup)
		slog.Info("metered billing enabled")
	} else {
		slog.Warn("stripe secret key missing, metered billing disabled")
	}

	recorder := usage.NewRecorder(usageRepo, tasks, adminClient, reporter, exporter)
	dialer := origin.NewMcpDialer()

	gw := gateway.New(gateway.Options{
		Admin:         adminClient,
		Limiter:       ratelimit.New(counter, ratelimit.NewMapCache()),
		Fetcher:       edgecache.NewFetcher(cache, tasks),
		Dialer:        dialer,
		Recorder:      recorder,
		Tasks:         tasks,
		Notifier:      notifier,
		OriginTimeout: cfg.OriginTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer drainCancel()

	if err := tasks.Shutdown(drainCtx); err != nil {
		slog.Error("background tasks did not drain", "error", err)
	}

	dialer.Close()

	if err := shutdownTelemetry(drainCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// loadSecrets overlays env config with the secret bundle from AWS Secrets
// Manager, or from the environment when no region is configured.
func loadSecrets(ctx context.Context, cfg *config.Config) error {
	var store secrets.SecretStore
	if cfg.AWSRegion != "" {
		manager, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		store = manager
	} else {
		store = secrets.NewEnvSecretStore()
	}

	loaded, err := secrets.Load(ctx, store, cfg.SecretsName)
	if err != nil {
		return err
	}
	cfg.AdminServiceKey = loaded.AdminServiceKey
	if loaded.StripeSecretKey != "" {
		cfg.StripeSecretKey = loaded.StripeSecretKey
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
	slog.SetDefault(slog.New(handler))
}
