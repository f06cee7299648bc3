package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flipledger/ledger-engine/internal/account"
	"github.com/flipledger/ledger-engine/internal/audit"
	"github.com/flipledger/ledger-engine/internal/auth"
	"github.com/flipledger/ledger-engine/internal/config"
	"github.com/flipledger/ledger-engine/internal/ingest"
	"github.com/flipledger/ledger-engine/internal/ledger"
	"github.com/flipledger/ledger-engine/internal/logging"
	"github.com/flipledger/ledger-engine/internal/metrics"
	"github.com/flipledger/ledger-engine/internal/query"
	"github.com/flipledger/ledger-engine/internal/ratelimit"
	"github.com/flipledger/ledger-engine/internal/store"
	"github.com/flipledger/ledger-engine/internal/trade"
)

const serviceName = "ledger-engine"

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("ledger-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("ledger-engine stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, serviceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MinConns = int32(cfg.Database.MinConns)

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, cfg.Database.LockTimeout.Duration)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL", "max_conns", cfg.Database.MaxConns)
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Serialization of matching passes ---
	var locker ledger.Locker = ledger.NewKeyedMutex()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		st = store.NewCachedStore(st, rdb, cfg.Redis.AccountCacheTTL.Duration)
		slog.Info("Redis account cache enabled", "ttl", cfg.Redis.AccountCacheTTL.Duration)

		if cfg.Redis.DistributedLock {
			locker = ledger.Chain(locker, store.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration))
			slog.Info("Redis distributed ledger lock enabled", "ttl", cfg.Redis.LockTTL.Duration)
		}
	}

	// --- Ledger services ---
	engine := ledger.NewEngine(st, locker, ledger.RetryConfig{
		MaxAttempts: cfg.Ledger.MatchRetries,
		BaseDelay:   cfg.Ledger.RetryBaseDelay.Duration,
		MaxDelay:    cfg.Ledger.RetryMaxDelay.Duration,
	})
	recorder := audit.NewRecorder(st, cfg.Ledger.AuditTimeout.Duration)
	defer recorder.Wait()

	hub := trade.NewWSHub()

	ingestSvc := ingest.NewService(
		st,
		account.NewResolver(st),
		ratelimit.NewDailyLimiter(st, cfg.Ledger.DailyEventLimit),
		engine,
		recorder,
		hub,
		ingest.Config{
			MaxBatch:       cfg.Ledger.MaxBatchSize,
			StorageTimeout: cfg.Ledger.StorageTimeout.Duration,
		},
	)
	handler := trade.NewHandler(ingestSvc, query.NewService(st))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the companion web client.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware([]byte(cfg.Auth.JWTSecret)))

		// Live ledger feed. Long-lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))

			r.Post("/trades", handler.SubmitTrades)
			r.Get("/trades", handler.ListTrades)
			r.Get("/positions", handler.ListPositions)
			r.Get("/matches", handler.ListMatches)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down ledger-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
