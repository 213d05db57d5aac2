package main

import (
	"context"
	"errors"
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
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atmx/auction-engine/internal/api"
	"github.com/atmx/auction-engine/internal/bidding"
	"github.com/atmx/auction-engine/internal/cache"
	"github.com/atmx/auction-engine/internal/commission"
	"github.com/atmx/auction-engine/internal/config"
	"github.com/atmx/auction-engine/internal/escrow"
	"github.com/atmx/auction-engine/internal/events"
	"github.com/atmx/auction-engine/internal/lock"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/risk"
	"github.com/atmx/auction-engine/internal/settlement"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/tick"
)

const (
	flagPort         = "port"
	flagDatabaseURL  = "database-url"
	flagRedisURL     = "redis-url"
	flagTickSchedule = "tick-schedule"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "auction-engine: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfg config.Config

	cmd := &cobra.Command{
		Use:           "auction-engine",
		Short:         "Real-time auction bidding and settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Bind(v); err != nil {
				return err
			}
			for key, flag := range map[string]string{
				config.KeyPort:         flagPort,
				config.KeyDatabaseURL:  flagDatabaseURL,
				config.KeyRedisURL:     flagRedisURL,
				config.KeyTickSchedule: flagTickSchedule,
			} {
				// Unset flags fall through to the environment.
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					if err := v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			var err error
			cfg, err = config.Load(v)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagPort, "8080", "HTTP listen port")
	cmd.Flags().String(flagDatabaseURL, "", "PostgreSQL connection string (in-memory store when empty)")
	cmd.Flags().String(flagRedisURL, "", "Redis URL for cache, locks and event fan-out")
	cmd.Flags().String(flagTickSchedule, "@every 5s", "cron schedule of the auction tick")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: read-through cache, distributed locks, event fan-out ---
	var (
		rdb    *redis.Client
		locker lock.Locker = lock.NewKeyedMutex()
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, 50*time.Millisecond)
		slog.Info("Redis cache and locks enabled")
	} else {
		slog.Warn("REDIS_URL not set, auction locks are local to this process")
	}

	// --- Events ---
	hub := events.NewWSHub()
	go hub.Run(ctx)

	var publishers events.Fanout
	if rdb != nil {
		// Every instance's hub is fed from Redis, including our own.
		publishers = append(publishers, events.NewRedisPublisher(rdb))
		go events.RelayFromRedis(ctx, rdb, hub)
	} else {
		publishers = append(publishers, hub)
	}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { amqpPub.Close() })
		publishers = append(publishers, amqpPub)
		slog.Info("RabbitMQ event publishing enabled", "exchange", cfg.AMQPExchange)
	}

	// --- Escrow ---
	var releaser escrow.Releaser = escrow.Local{}
	if cfg.EscrowURL != "" {
		releaser = escrow.NewHTTPClient(cfg.EscrowURL, cfg.EscrowAPIKey, cfg.EscrowTimeout)
	} else {
		slog.Warn("ESCROW_URL not set, escrow releases are simulated")
	}

	// --- Services ---
	commissionSvc := commission.NewService(st, cache.NewLRU[string, model.CommissionSettings](1, cfg.CommissionTTL), nil)
	riskChecker := risk.NewChecker(st, cache.NewLRU[string, model.RiskProfile](10_000, cfg.RiskTTL), nil)
	bids := bidding.NewService(bidding.Deps{
		Store:     st,
		Risk:      riskChecker,
		Locker:    locker,
		Publisher: publishers,
	})
	ledger := settlement.NewLedger(st, locker, nil, nil)
	admin := settlement.NewAdmin(st, commissionSvc, releaser, ledger, locker, nil, nil)
	admin.SetDefaultCurrency(cfg.Currency)
	worker := tick.NewWorker(st, locker, publishers, nil, nil, tick.Config{
		Threshold:   cfg.ExtensionThreshold,
		Window:      cfg.ExtensionWindow,
		Concurrency: cfg.TickConcurrency,
		Currency:    cfg.Currency,
	})

	// --- Tick schedule ---
	scheduler := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.TickSchedule, func() {
		if _, err := worker.Tick(ctx); err != nil {
			slog.Error("tick failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid tick schedule %q: %w", cfg.TickSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"auction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(bids, admin, commissionSvc, nil)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live auction events.
		r.Get("/ws", hub.HandleWS)
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("auction-engine listening", "port", cfg.Port, "tick_schedule", cfg.TickSchedule)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("auction-engine stopped")
	return nil
}
