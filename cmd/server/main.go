package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/pnl-engine/internal/api"
	"github.com/atmx/pnl-engine/internal/config"
	"github.com/atmx/pnl-engine/internal/engine"
	"github.com/atmx/pnl-engine/internal/logger"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/normalize"
	"github.com/atmx/pnl-engine/internal/price"
	"github.com/atmx/pnl-engine/internal/store"
)

const _configPathDefault = "./configs/config.yaml"

func main() {
	configPath := flag.String("config", _configPathDefault, "path to the YAML config file")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, loggerSync, err := logger.NewZapLogger(logger.ParseLevel(cfg.Log.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerSync()

	if envErr != nil {
		zapLogger.Debugf("can't detect .env file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Store, zapLogger)
	if err != nil {
		zapLogger.Fatalf("store: %v", err)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Prices ---
	var (
		lookup price.Lookup
		feed   *price.Feed
	)
	if cfg.Exchange.Disabled {
		zapLogger.Warnln("exchange disabled, prices only arrive through POST /api/v1/ticks")
		lookup = price.NewStaticLookup(nil)
	} else {
		rest := price.NewRESTClient(price.RESTConfig{
			BaseURL:           cfg.Exchange.RESTURL,
			RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
			Timeout:           cfg.Exchange.RequestTimeout,
		}, zapLogger.With("component", "rest"))
		defer rest.Close()
		lookup = rest

		feed = price.NewFeed(price.FeedConfig{
			URL:                  cfg.Exchange.StreamURL,
			MaxReconnectAttempts: cfg.Exchange.MaxReconnectAttempts,
			ReconnectDelay:       cfg.Exchange.ReconnectDelay,
		}, zapLogger.With("component", "feed"))
	}

	// --- Engine ---
	policy, err := normalize.PolicyByName(cfg.Engine.CommissionPolicy)
	if err != nil {
		zapLogger.Fatalf("engine: %v", err)
	}
	eng := engine.New(st, lookup, engine.Config{
		PriceConcurrency: cfg.Engine.PriceConcurrency,
		Policy:           policy,
		QuoteAssets:      cfg.Engine.QuoteAssets,
	}, zapLogger.With("component", "engine"))

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(eng.Snapshot, zapLogger.With("component", "ws"))
	eng.OnSnapshot(wsHub.PublishSnapshot)
	go wsHub.Run(ctx)

	var ticks <-chan model.PriceTick
	if feed != nil {
		eng.SetSubscriber(feed)
		ticks = feed.Ticks()
		go func() {
			if err := feed.Run(ctx); err != nil {
				zapLogger.Errorf("price feed stopped: %v", err)
			}
		}()
	}
	go eng.Run(ctx, ticks)
	eng.Invalidate()

	// --- API service ---
	svc := api.NewService(st, eng, zapLogger.With("component", "api"))

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"pnl-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket route stays outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Register(r, nil)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zapLogger.Infof("pnl-engine listening on :%d (store=%s, policy=%s)",
			cfg.Server.Port, cfg.Store.Driver, policy.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Errorf("server error: %v", err)
			cancel()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	zapLogger.Infoln("shutting down pnl-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Errorf("shutdown error: %v", err)
	}
	zapLogger.Infoln("pnl-engine stopped")
}

// openStore builds the configured trade store, wrapping it in the Redis
// read-through cache when a Redis URL is set.
func openStore(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("%w: can't create schema", err)
		}
		st = pg
		log.Infoln("connected to PostgreSQL")
	case config.DriverFile:
		fs, err := store.OpenFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		st = fs
		log.Infof("using trade file %s", fs.Path())
	default:
		log.Warnln("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("%w: invalid redis url", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		log.Infoln("Redis cache enabled")
	}
	return st, cleanup, nil
}
