package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/platformsync/internal/application/integration"
	domain "github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/infrastructure/auth"
	"github.com/erp/platformsync/internal/infrastructure/billing"
	"github.com/erp/platformsync/internal/infrastructure/cache"
	"github.com/erp/platformsync/internal/infrastructure/config"
	"github.com/erp/platformsync/internal/infrastructure/logger"
	"github.com/erp/platformsync/internal/infrastructure/persistence"
	"github.com/erp/platformsync/internal/infrastructure/platform"
	"github.com/erp/platformsync/internal/infrastructure/scheduler"
	"github.com/erp/platformsync/internal/infrastructure/telemetry"
	"github.com/erp/platformsync/internal/infrastructure/vault"
	"github.com/erp/platformsync/internal/interfaces/http/handler"
	"github.com/erp/platformsync/internal/interfaces/http/middleware"
	"github.com/erp/platformsync/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	ctx := context.Background()
	serviceName := cfg.Telemetry.ServiceName

	// OpenTelemetry: traces, metrics and the zap log bridge
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       serviceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       serviceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       serviceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	log = telemetry.BridgeLogger(log, loggerProvider, serviceName)

	log.Info("Starting platform sync service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
		zap.Strings("platforms", cfg.EnabledPlatforms()),
		zap.Bool("tracing", tracerProvider.IsEnabled()),
		zap.Bool("metrics", meterProvider.IsEnabled()),
		zap.Bool("log_export", loggerProvider.IsEnabled()),
	)

	// Database with zap-backed GORM logger and otelgorm tracing
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithFullSQL(cfg.Telemetry.DBLogFullSQL),
	)
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	dbTracing := telemetry.DefaultDBTracingConfig()
	dbTracing.Enabled = cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled
	dbTracing.IncludeQueryVariables = cfg.Telemetry.DBLogFullSQL
	if cfg.Telemetry.DBSlowQueryThresh > 0 {
		dbTracing.SlowQueryThreshold = cfg.Telemetry.DBSlowQueryThresh
	}
	if err := telemetry.RegisterDBTracing(db.DB, dbTracing, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	log.Info("Database connected successfully")

	// Repositories
	connectionRepo := persistence.NewGormConnectionRepository(db.DB)
	recordRepo := persistence.NewGormSyncedRecordRepository(db.DB)
	attemptRepo := persistence.NewGormSyncAttemptRepository(db.DB)
	txScope := persistence.NewGormSyncTransactionScope(db.DB)

	// Credential vault
	credentialVault, err := vault.New(vault.Config{
		MasterKey:    cfg.Vault.MasterKey,
		KeyID:        cfg.Vault.KeyID,
		PreviousKeys: cfg.Vault.PreviousKeys,
	})
	if err != nil {
		log.Fatal("Failed to initialize credential vault", zap.Error(err))
	}
	log.Info("Credential vault ready", zap.String("key_id", credentialVault.KeyID()))

	// Platform adapters and OAuth clients
	platformConfigs, err := platformConfigsFrom(cfg)
	if err != nil {
		log.Fatal("Invalid platform configuration", zap.Error(err))
	}
	registry, err := platform.NewRegistry(platformConfigs, log)
	if err != nil {
		log.Fatal("Failed to initialize platform registry", zap.Error(err))
	}
	log.Info("Platforms enabled", zap.Stringers("platforms", registry.Platforms()))

	// OAuth handshake state
	stateStore, err := cache.NewOAuthStateStoreFactory(cfg.Redis, cfg.OAuth.StateStore,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	).CreateStore()
	if err != nil {
		log.Fatal("Failed to initialize OAuth state store", zap.Error(err))
	}
	defer func() {
		if err := stateStore.Close(); err != nil {
			log.Error("Error closing OAuth state store", zap.Error(err))
		}
	}()
	stateSigner, err := auth.NewStateSigner(cfg.OAuth.StateSecret, cfg.OAuth.StateTTL)
	if err != nil {
		log.Fatal("Failed to initialize OAuth state signer", zap.Error(err))
	}

	// Plan quota
	quotas, err := newPlanQuotaProvider(cfg.Billing, log)
	if err != nil {
		log.Fatal("Failed to initialize plan quota provider", zap.Error(err))
	}
	limiter := integration.NewConnectionLimiter(connectionRepo, quotas,
		integration.WithUpgradeURL(cfg.Billing.UpgradeURL),
		integration.WithLimiterLogger(log),
	)

	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider.Meter("platformsync"))
	if err != nil {
		log.Fatal("Failed to initialize sync metrics", zap.Error(err))
	}

	// Application services
	connectionService := integration.NewConnectionService(integration.ConnectionServiceDeps{
		Connections: connectionRepo,
		Records:     recordRepo,
		Attempts:    attemptRepo,
		TxScope:     txScope,
		Limiter:     limiter,
		Providers:   registry,
		States:      stateStore,
		Issuer:      stateSigner,
		Vault:       credentialVault,
		Metrics:     syncMetrics,
		Logger:      log,
		StateTTL:    cfg.OAuth.StateTTL,
	})
	syncEngine := integration.NewSyncEngine(integration.SyncEngineDeps{
		Connections: connectionRepo,
		Attempts:    attemptRepo,
		TxScope:     txScope,
		Adapters:    registry,
		Refreshers:  registry,
		Vault:       credentialVault,
		Metrics:     syncMetrics,
		Logger:      log,
		Config: integration.SyncEngineConfig{
			PageSize:       cfg.Sync.PageSize,
			MaxPages:       cfg.Sync.MaxPages,
			ManualCooldown: cfg.Sync.ManualCooldown,
		},
	})

	// Background scheduled syncs
	var (
		syncScheduler *scheduler.SyncScheduler
		cronTrigger   *scheduler.SyncCronTrigger
	)
	if cfg.Scheduler.Enabled {
		schedulerConfig := scheduler.DefaultSyncSchedulerConfig()
		schedulerConfig.WorkerCount = cfg.Scheduler.WorkerCount
		schedulerConfig.QueueSize = cfg.Scheduler.QueueSize
		schedulerConfig.JobTimeout = cfg.Scheduler.JobTimeout
		schedulerConfig.RetryAttempts = cfg.Scheduler.RetryAttempts
		schedulerConfig.RetryDelay = cfg.Scheduler.RetryDelay
		schedulerConfig.MaxRetryDelay = cfg.Scheduler.MaxRetryDelay
		schedulerConfig.HistorySize = cfg.Scheduler.HistorySize
		syncScheduler, err = scheduler.NewSyncScheduler(schedulerConfig, syncEngine, log)
		if err != nil {
			log.Fatal("Failed to create sync scheduler", zap.Error(err))
		}
		cronTrigger, err = scheduler.NewSyncCronTrigger(scheduler.SyncCronTriggerConfig{
			TickInterval: cfg.Scheduler.TickInterval,
			SyncInterval: cfg.Scheduler.SyncInterval,
			BatchSize:    cfg.Scheduler.BatchSize,
		}, syncScheduler, connectionRepo, attemptRepo, log)
		if err != nil {
			log.Fatal("Failed to create sync cron trigger", zap.Error(err))
		}
		if err := syncScheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start sync scheduler", zap.Error(err))
		}
		if err := cronTrigger.Start(ctx); err != nil {
			log.Fatal("Failed to start sync cron trigger", zap.Error(err))
		}
	} else {
		log.Info("Sync scheduler disabled")
	}

	// HTTP
	var rateLimiter *middleware.RateLimiter
	stopCleanup := make(chan struct{})
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter = middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		go rateLimiter.RunCleanup(stopCleanup)
	}

	checks := map[string]handler.HealthCheck{
		"database": func(context.Context) error { return db.Ping() },
	}
	if pinger, ok := stateStore.(interface{ Ping(context.Context) error }); ok {
		checks["redis"] = pinger.Ping
	}
	handlerOpts := []handler.ConnectionHandlerOption{}
	if syncScheduler != nil {
		checks["scheduler"] = func(context.Context) error {
			if !syncScheduler.IsRunning() {
				return scheduler.ErrSchedulerNotRunning
			}
			return nil
		}
		handlerOpts = append(handlerOpts, handler.WithScheduledSyncs(syncScheduler))
	}

	engine, err := router.NewEngine(router.EngineConfig{
		App:         cfg.App,
		HTTP:        cfg.HTTP,
		ServiceName: serviceName,
		Tracing:     cfg.Telemetry.Enabled,
		Meter:       meterProvider.Meter("platformsync/http"),
		JWT:         auth.NewJWTService(cfg.JWT),
		RateLimiter: rateLimiter,
		Logger:      log,
		Health:      handler.NewHealthHandler(version, checks).Health,
		Registrars: []router.RouteRegistrar{
			handler.NewConnectionHandler(connectionService, syncEngine, handlerOpts...),
		},
	})
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	close(stopCleanup)

	// Stop feeding jobs before draining the workers
	if cronTrigger != nil {
		if err := cronTrigger.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping sync cron trigger", zap.Error(err))
		}
	}
	if syncScheduler != nil {
		if err := syncScheduler.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping sync scheduler", zap.Error(err))
		}
	}

	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down meter provider", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracer provider", zap.Error(err))
	}
	if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down logger provider", zap.Error(err))
	}

	log.Info("Server exited")
}

// platformConfigsFrom maps the enabled platform blocks onto adapter configs.
// Endpoints and scopes left empty fall back to the platform defaults.
func platformConfigsFrom(cfg *config.Config) ([]platform.Config, error) {
	names := cfg.EnabledPlatforms()
	out := make([]platform.Config, 0, len(names))
	for _, name := range names {
		p, err := domain.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("platforms.%s: %w", name, err)
		}
		pc := cfg.Platforms[name]
		out = append(out, platform.Config{
			Platform:          p,
			ClientID:          pc.ClientID,
			ClientSecret:      pc.ClientSecret,
			RedirectURL:       pc.RedirectURL,
			AuthURL:           pc.AuthURL,
			TokenURL:          pc.TokenURL,
			APIBaseURL:        pc.APIBaseURL,
			Scopes:            pc.Scopes,
			Timeout:           pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
		})
	}
	return out, nil
}

func newPlanQuotaProvider(cfg config.BillingConfig, log *zap.Logger) (domain.PlanQuotaProvider, error) {
	switch cfg.Provider {
	case "remote":
		return billing.NewRemotePlanQuotaProvider(billing.RemoteConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
		}, log)
	case "", "static":
		return billing.NewStaticPlanQuotaProvider(cfg.DefaultPlan, cfg.Plans, cfg.UserPlans)
	default:
		return nil, fmt.Errorf("unknown billing provider %q", cfg.Provider)
	}
}
