// Command server runs an in-process option pool and serves read-only
// inspection of it over HTTP and WebSocket.
//
// The pool starts empty on every run: the store only mirrors state and is
// not replayed, and the HTTP surface has no mutating routes. Deposits,
// trades and epoch rolls come from code holding the *pool.Pool, so a
// standalone server reports an empty ledger until such a caller is wired.
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
	"golang.org/x/sync/errgroup"

	"github.com/atmx/optionpool/internal/access"
	"github.com/atmx/optionpool/internal/api"
	"github.com/atmx/optionpool/internal/collateral"
	"github.com/atmx/optionpool/internal/config"
	"github.com/atmx/optionpool/internal/epoch"
	"github.com/atmx/optionpool/internal/events"
	"github.com/atmx/optionpool/internal/exposure"
	"github.com/atmx/optionpool/internal/limits"
	"github.com/atmx/optionpool/internal/metrics"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/pool"
	"github.com/atmx/optionpool/internal/store"
	"github.com/atmx/optionpool/internal/token"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("optionpool exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("optionpool stopped")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("store close failed", "err", err)
		}
	}()

	// --- Event stream ---
	wsHub := events.NewWSHub()
	pub := events.Multi{wsHub}
	if len(cfg.Events.KafkaBrokers) > 0 {
		pub = append(pub, events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic))
		slog.Info("Kafka event stream enabled", "topic", cfg.Events.KafkaTopic)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			slog.Error("event stream close failed", "err", err)
		}
	}()

	// --- Pool ---
	p, err := buildPool(cfg, st, pub)
	if err != nil {
		return err
	}
	p.SetLogger(logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())
	api.NewHandler(p, wsHub.HandleWS).Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("optionpool listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down optionpool...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return wsHub.Close()
	})

	return g.Wait()
}

// openStore picks the persistence mirror: Postgres when DATABASE_URL is
// set, else Pebble when a directory is configured, else memory. Redis wraps
// either durable store as a read-through cache.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pgPool)
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.PebbleDir != "":
		pb, err := store.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		st = pb
		slog.Info("opened Pebble store", "dir", cfg.PebbleDir)
	default:
		slog.Warn("no durable store configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		st = store.NewCachedStore(st, redis.NewClient(opt), cfg.CacheTTL, "optionpool:")
		slog.Info("Redis cache enabled")
	}
	return st, nil
}

// buildPool wires an in-process pool: balances live in memory and the
// store only mirrors them, so the ledger is not recovered on start-up.
func buildPool(cfg config.Config, st store.Store, pub events.Publisher) (*pool.Pool, error) {
	pc := cfg.Pool

	roles := access.NewRegistry(pc.Governor)
	for _, k := range pc.Keepers {
		if err := roles.Grant(pc.Governor, access.Keeper, k); err != nil {
			return nil, err
		}
	}
	if err := roles.Grant(pc.Governor, access.Handler, pc.Handler); err != nil {
		return nil, err
	}

	surface, err := cfg.BuildSurface()
	if err != nil {
		return nil, err
	}

	feed := oracle.NewStaticFeed()
	feed.Set(pc.Underlying, pc.StrikeAsset, pc.Spot)

	reserve := token.NewLedger(pc.Collateral)
	engine := collateral.NewMemoryEngine(reserve, feed, pc.Account)
	engine.SetCallMarginFactor(pc.CallMarginFactor)

	return pool.New(pool.Deps{
		Roles:   roles,
		Reserve: reserve,
		Shares:  token.NewLedger(pc.ShareSymbol),
		Feed:    feed,
		Surface: surface,
		Engine:  engine,
		Store:   st,
		Events:  pub,
	}, pool.Config{
		Account:     pc.Account,
		Underlying:  pc.Underlying,
		StrikeAsset: pc.StrikeAsset,
		Collateral:  pc.Collateral,
		Handler:     pc.Handler,
		Exposure: exposure.Config{
			RiskFreeRate: pc.RiskFreeRate,
			Limiter:      limits.NewNetExposureLimiter(cfg.Limits.MaxNetPerSeries, cfg.Limits.MaxNetPerExpiry),
		},
		Epoch: epoch.Config{
			CollateralCap:     pc.CollateralCap,
			MaxTimeDeviation:  pc.MaxTimeDeviation,
			MaxPriceDeviation: pc.MaxPriceDeviation,
		},
		Pricer: cfg.Pricer,
	}), nil
}
