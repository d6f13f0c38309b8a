package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/finance-tracker/internal/config"
	"github.com/boddenberg/finance-tracker/internal/handler"
	"github.com/boddenberg/finance-tracker/internal/infra/cache"
	"github.com/boddenberg/finance-tracker/internal/infra/client"
	"github.com/boddenberg/finance-tracker/internal/infra/memory"
	"github.com/boddenberg/finance-tracker/internal/infra/observability"
	"github.com/boddenberg/finance-tracker/internal/infra/postgres"
	"github.com/boddenberg/finance-tracker/internal/infra/resilience"
	"github.com/boddenberg/finance-tracker/internal/port"
	"github.com/boddenberg/finance-tracker/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("groups_directory", cfg.GroupsAPIURL != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("group_cache_ttl", cfg.GroupCacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Duration("template_timeout", cfg.TemplateTimeout),
		zap.Duration("run_timeout", cfg.RunTimeout),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "finance-tracker")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Store ---
	var store port.RecurringStore
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		store = memory.New()
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			logger.Fatal("DATABASE_URL is required for the postgres backend")
		}
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := postgres.Connect(startCtx, cfg.DatabaseURL, int32(cfg.DBMaxConns), resilienceCfg, logger)
		if err != nil {
			cancel()
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if cfg.RunMigrations {
			if err := db.Migrate(startCtx); err != nil {
				cancel()
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		cancel()
		store = postgres.NewStore(db)
		logger.Info("using postgres store")
	default:
		logger.Fatal("unknown store backend", zap.String("store_backend", cfg.StoreBackend))
	}

	// --- Owner groups ---
	var resolver port.OwnerResolver
	groupCache := cache.New[[]string](cfg.GroupCacheTTL)
	defer groupCache.Close()
	if cfg.GroupsAPIURL != "" {
		httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
		resolver = client.NewGroupClient(httpClient, cfg.GroupsAPIURL, resilience.NewCircuitBreaker("groups"), resilienceCfg)
	} else {
		logger.Info("no group directory configured, every user is its own group")
	}
	groups := service.NewOwnerGroups(resolver, groupCache, metrics, logger)

	// --- Services ---
	processor := service.NewRecurringProcessor(store, groups, metrics, logger,
		service.WithTemplateTimeout(cfg.TemplateTimeout),
		service.WithRunTimeout(cfg.RunTimeout),
		service.WithBulkhead(resilience.NewBulkhead(cfg.MaxConcurrency)),
	)
	recurringSvc := service.NewRecurringService(store, groups, processor, logger)
	verifier := service.NewTokenVerifier(cfg.JWTSecret)

	// --- Router ---
	router := handler.NewRouter(recurringSvc, store, verifier, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
