/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the nursery batch ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (env, optional .env / config.env) and apply flags
  2. Build the logger
  3. Open the store (memory, SQLite or Postgres)
  4. Connect Redis when configured: distributed batch lock + event channel
  5. Build ledger, lineage navigator, auditor and metrics
  6. Start the scheduled auditor and the HTTP server
  7. Shut down gracefully on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -db      SQLite database path (overrides SQLITE_PATH, implies STORE_DRIVER=sqlite)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor, waiting for an in-flight run
  4. Close Redis and the store
  5. Exit

EXAMPLES:
  # Single instance, file database
  ./server -db="./data/nursery.db"

  # Several instances sharing Postgres and Redis
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDRESS=redis:6379 ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/nursery-ledger/api"
	"github.com/warp/nursery-ledger/audit"
	"github.com/warp/nursery-ledger/config"
	"github.com/warp/nursery-ledger/ledger"
	"github.com/warp/nursery-ledger/ledger/store"
	"github.com/warp/nursery-ledger/lineage"
	"github.com/warp/nursery-ledger/lock"
	"github.com/warp/nursery-ledger/logger"
	"github.com/warp/nursery-ledger/metrics"
	"github.com/warp/nursery-ledger/notify"
	"github.com/warp/nursery-ledger/store/postgres"
	"github.com/warp/nursery-ledger/store/sqlite"
)

// Role allowed to open archived restricted batches in lineage views.
const headGrowerRole = "head-grower"

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.SQLitePath = *dbPath
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel}).
		With().Str("app", cfg.App.Name).Logger()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	// Store
	st, runs, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store ready")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	opts := []ledger.Option{
		ledger.WithObserver(rec),
		ledger.WithLogger(log),
		ledger.WithPageSize(cfg.StreamPageSize),
		ledger.WithSink(notify.NewLogSink(log)),
	}

	// Redis: distributed lock and event channel
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Address, err)
		}

		opts = append(opts,
			ledger.WithLocker(lock.NewRedis(rdb, "nursery:lock:", cfg.Redis.LockTTL, log)),
			ledger.WithSink(notify.NewRedisPublisher(rdb, cfg.Redis.EventsChannel)),
		)
		log.Info().Str("address", cfg.Redis.Address).Msg("redis lock and publisher enabled")
	} else {
		opts = append(opts, ledger.WithLocker(lock.NewLocal()))
	}

	l := ledger.New(st, opts...)

	builder := lineage.NewBuilder(l, lineage.WithObserver(rec), lineage.WithLogger(log))
	nav := lineage.NewNavigator(builder, api.RolePermission(headGrowerRole))

	orgs := make([]ledger.OrgID, len(cfg.Audit.Orgs))
	for i, o := range cfg.Audit.Orgs {
		orgs[i] = ledger.OrgID(o)
	}
	auditor := audit.New(l,
		audit.WithRunStore(runs),
		audit.WithInterval(cfg.Audit.Interval),
		audit.WithOrgs(orgs...),
		audit.WithObserver(rec),
		audit.WithLogger(log),
	)
	auditor.Start()
	defer auditor.Stop()

	handler := api.NewHandler(l, nav, auditor, log)
	handler.Metrics = rec.Handler()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// openStore returns the ledger store, where audit runs are kept, and a
// closer.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, audit.RunStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), audit.NewMemoryRuns(), func() {}, nil

	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg, pg, pg.Close, nil

	default:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return db, db, func() { _ = db.Close() }, nil
	}
}
