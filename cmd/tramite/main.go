// Package main is the entry point for the tramite server. It wires all
// dependencies together and starts the HTTP server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	_ "modernc.org/sqlite"

	"github.com/gestia/tramite/internal/config"
	"github.com/gestia/tramite/internal/directory"
	"github.com/gestia/tramite/internal/idempotency"
	"github.com/gestia/tramite/internal/observability"
	"github.com/gestia/tramite/internal/procedure"
	"github.com/gestia/tramite/internal/transport"
	"github.com/gestia/tramite/internal/work"
	"github.com/gestia/tramite/model"
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
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	directoryPath := flag.String("directory", "", "path to the actor directory seed file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tramite", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the actor directory.
	dir, err := loadDirectory(*directoryPath, logger)
	if err != nil {
		logger.Error("directory loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Open the stores.
	procStore, workStore, storeChecks, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the domain services.
	templates := procedure.NewService(procStore, workStore)
	engine := work.NewEngine(workStore, templates)

	// Step 7: Initialize the idempotency store (optional).
	idemStore, idemCheck, idemCloser := buildIdempotencyStore(ctx, cfg.Idempotency, logger)

	// Step 8: Build the HTTP router.
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Disabled {
		logger.Warn("identity verification disabled, trusting request headers")
		authenticate = transport.HeaderAuthenticator()
	} else {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	}

	readiness := observability.ReadinessChecks{
		TemplateStore:    storeChecks.TemplateStore,
		WorkStore:        storeChecks.WorkStore,
		IdempotencyStore: idemCheck,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:           cfg,
		Authenticate:     authenticate,
		Directory:        dir,
		Templates:        templates,
		Engine:           engine,
		IdempotencyStore: idemStore,
		Metrics:          metrics,
		Readiness:        readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Alerts.ScanEnabled {
		go runAlertScanner(bgCtx, engine, metrics, cfg.Alerts.ScanInterval, logger)
	}

	// Step 10: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	// Close stores.
	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// directorySeed is the YAML shape of the -directory seed file.
type directorySeed struct {
	Units []model.Unit `yaml:"units"`
	Actors []struct {
		ID     string   `yaml:"id"`
		Name   string   `yaml:"name"`
		Email  string   `yaml:"email"`
		UnitID *int64   `yaml:"unit_id"`
		Roles  []string `yaml:"roles"`
	} `yaml:"actors"`
}

// loadDirectory builds the in-memory actor directory from a YAML seed file.
// Without a seed file the directory starts empty, which means no request can
// resolve a unit assignment.
func loadDirectory(path string, logger *zap.Logger) (*directory.MemoryDirectory, error) {
	dir := directory.NewMemoryDirectory()
	if path == "" {
		logger.Warn("no directory seed file configured, directory starts empty")
		return dir, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory seed: reading %s: %w", path, err)
	}

	var seed directorySeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("directory seed: parsing %s: %w", path, err)
	}

	for _, u := range seed.Units {
		dir.PutUnit(u)
	}
	for _, a := range seed.Actors {
		dir.PutActor(model.Actor{
			ID:     a.ID,
			Name:   a.Name,
			Email:  a.Email,
			UnitID: a.UnitID,
			Roles:  a.Roles,
		})
	}

	logger.Info("directory loaded",
		zap.Int("units", len(seed.Units)),
		zap.Int("actors", len(seed.Actors)),
	)
	return dir, nil
}

// storeBundle holds the per-store readiness checks built alongside the
// stores.
type storeBundle struct {
	TemplateStore observability.HealthChecker
	WorkStore     observability.HealthChecker
}

// buildStores opens the template and work stores for the configured driver.
// Both stores share one connection handle for the database drivers.
func buildStores(
	ctx context.Context,
	cfg config.StoreConfig,
	logger *zap.Logger,
) (procedure.Store, work.Store, storeBundle, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return procedure.NewMemoryStore(), work.NewMemoryStore(), storeBundle{}, nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, storeBundle{}, nil,
				fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, storeBundle{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, storeBundle{}, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, storeBundle{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		ping := observability.CheckerFunc(pool.Ping)
		checks := storeBundle{TemplateStore: ping, WorkStore: ping}
		logger.Info("using postgres stores")
		return procedure.NewPgStore(pool), work.NewPgStore(pool), checks, pool.Close, nil

	case "sqlite":
		db, err := sql.Open("sqlite",
			cfg.SQLitePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, nil, storeBundle{}, nil, fmt.Errorf("store: open sqlite: %w", err)
		}

		procStore, err := procedure.NewSQLiteStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, nil, storeBundle{}, nil, err
		}
		workStore, err := work.NewSQLiteStoreFromDB(db)
		if err != nil {
			db.Close()
			return nil, nil, storeBundle{}, nil, err
		}

		ping := observability.CheckerFunc(db.PingContext)
		checks := storeBundle{TemplateStore: ping, WorkStore: ping}
		closer := func() { db.Close() }
		logger.Info("using sqlite stores", zap.String("path", cfg.SQLitePath))
		return procStore, workStore, checks, closer, nil

	default:
		return nil, nil, storeBundle{}, nil,
			fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns nils when deduplication is disabled.
func buildIdempotencyStore(
	ctx context.Context,
	cfg config.IdempotencyConfig,
	logger *zap.Logger,
) (idempotency.Store, observability.HealthChecker, func()) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory idempotency store")
			return idempotency.NewMemoryStore(), nil, nil
		}

		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, using in-memory idempotency store", zap.Error(err))
			client.Close()
			return idempotency.NewMemoryStore(), nil, nil
		}

		check := observability.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		closer := func() { client.Close() }
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), check, closer

	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	}
}

// runAlertScanner periodically runs the deadline scan so the open and
// overdue gauges stay current even when nobody polls the alerts endpoint.
func runAlertScanner(
	ctx context.Context,
	engine *work.Engine,
	metrics *observability.Metrics,
	interval time.Duration,
	logger *zap.Logger,
) {
	if interval == 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The scanner sees every unit.
	rctx := &model.RequestContext{
		ActorID: "system:alert-scanner",
		Roles:   []string{model.RoleAdmin},
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			alerts, err := engine.Alerts(ctx, rctx)
			if err != nil {
				logger.Error("alert scan failed", zap.Error(err))
				continue
			}

			overdue := 0
			for _, a := range alerts {
				if a.Overdue {
					overdue++
				}
			}
			metrics.RecordAlertScan(time.Since(start), len(alerts), overdue)
			logger.Info("alert scan complete",
				zap.Int("open", len(alerts)),
				zap.Int("overdue", overdue),
				zap.Duration("duration", time.Since(start)),
			)
		}
	}
}
