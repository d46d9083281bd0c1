// Package main is the entry point for the steward approval service.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/approval"
	"github.com/pitabwire/steward/internal/audit"
	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/postgres"
	"github.com/pitabwire/steward/internal/roles"
	"github.com/pitabwire/steward/internal/transport"
	"github.com/pitabwire/steward/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "steward", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	// PostgreSQL is opened once and shared by every component configured
	// with the postgres driver.
	var pool *pgxpool.Pool
	if usesPostgres(cfg) {
		pool, err = openDatabase(ctx, cfg.Store)
		if err != nil {
			logger.Error("database initialization failed", zap.Error(err))
			return 1
		}
		defer pool.Close()
	}

	templates, templateCount, err := buildCatalog(ctx, cfg.Catalog, pool, logger)
	if err != nil {
		logger.Error("template catalog initialization failed", zap.Error(err))
		return 1
	}
	metrics.SetTemplatesLoaded(templateCount)

	members, err := buildMembership(cfg.Roles.Membership, pool)
	if err != nil {
		logger.Error("role membership initialization failed", zap.Error(err))
		return 1
	}
	if ttl := cfg.Roles.Membership.CacheTTL; ttl > 0 {
		members = roles.NewCachedMembership(members, ttl, metrics)
	}
	resolver := roles.NewResolver(roles.NewTable(cfg.Roles.NodeTypes), members, logger)

	var (
		store approval.Store
		sink  audit.Sink
	)
	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return templateCount > 0 },
	}
	switch cfg.Store.Driver {
	case "postgres":
		store, sink = approval.NewPgStore(pool), audit.NewPgSink(pool)
		readiness.Store = postgres.NewHealthChecker(pool)
	default:
		logger.Info("using in-memory approval store")
		memStore := approval.NewMemoryStore()
		store, sink = memStore, audit.NewMemorySink()
		readiness.Store = memStore
	}

	opts := []approval.Option{
		approval.WithLogger(logger),
		approval.WithMetrics(metrics),
	}
	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemStore != nil {
		opts = append(opts, approval.WithIdempotency(idemStore, cfg.Idempotency.TTL))
		if hc, ok := idemStore.(observability.HealthChecker); ok {
			readiness.IdempotencyStore = hc
		}
	}

	engine := approval.NewEngine(templates, resolver, store, audit.NewLoggingSink(sink, logger), opts...)

	keys, err := transport.NewKeySource(cfg.Identity, logger)
	if err != nil {
		logger.Error("token verification key initialization failed", zap.Error(err))
		return 1
	}

	var lister catalog.Lister
	if l, ok := templates.(catalog.Lister); ok {
		lister = l
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Engine:       engine,
		Templates:    lister,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", templateCount),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func usesPostgres(cfg *config.Config) bool {
	return cfg.Store.Driver == "postgres" ||
		cfg.Catalog.Driver == "postgres" ||
		cfg.Roles.Membership.Driver == "postgres"
}

// openDatabase connects to the database named by the DSN environment
// variable and applies the schema when auto_migrate is set.
func openDatabase(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
	}

	pool, err := postgres.Open(ctx, dsn, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// buildCatalog loads and validates the template files, then serves them
// either from memory or, after publishing new ones, from PostgreSQL.
func buildCatalog(ctx context.Context, cfg config.CatalogConfig, pool *pgxpool.Pool, logger *zap.Logger) (catalog.Catalog, int, error) {
	var templates []model.FlowTemplate
	checksum := ""
	if len(cfg.Files) > 0 {
		var err error
		templates, checksum, err = catalog.NewLoader().LoadFiles(cfg.Files)
		if err != nil {
			return nil, 0, err
		}
		if verrs := catalog.NewValidator().Validate(templates); len(verrs) > 0 {
			for _, ve := range verrs {
				logger.Error("template validation error", zap.String("error", ve.Error()))
			}
			return nil, 0, fmt.Errorf("%d template validation errors", len(verrs))
		}
	}

	switch cfg.Driver {
	case "postgres":
		pg := catalog.NewPgCatalog(pool)
		inserted, err := pg.Sync(ctx, templates)
		if err != nil {
			return nil, 0, err
		}
		all, err := pg.List(ctx)
		if err != nil {
			return nil, 0, err
		}
		logger.Info("template catalog synchronized",
			zap.Int("inserted", inserted),
			zap.Int("templates", len(all)),
		)
		return pg, len(all), nil
	default:
		registry := catalog.NewRegistry(templates, checksum)
		logger.Info("template catalog loaded",
			zap.Int("templates", registry.Len()),
			zap.String("checksum", registry.Checksum()),
		)
		return registry, registry.Len(), nil
	}
}

func buildMembership(cfg config.MembershipConfig, pool *pgxpool.Pool) (roles.MembershipProvider, error) {
	switch cfg.Driver {
	case "postgres":
		return roles.NewPgMembership(pool), nil
	default:
		m, err := roles.NewStaticMembership(cfg.AssignmentsFile)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// It returns a nil store when submit de-duplication is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (approval.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("%s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return approval.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return approval.NewMemoryIdempotencyStore(), nil, nil
	}
}
