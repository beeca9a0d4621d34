// Package app wires the store, market data, trade service and HTTP surface
// together from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/optionquest/trading-core/internal/config"
	"github.com/optionquest/trading-core/internal/events"
	"github.com/optionquest/trading-core/internal/feed"
	"github.com/optionquest/trading-core/internal/marketdata"
	"github.com/optionquest/trading-core/internal/metrics"
	"github.com/optionquest/trading-core/internal/portfolio"
	"github.com/optionquest/trading-core/internal/respond"
	"github.com/optionquest/trading-core/internal/store"
	"github.com/optionquest/trading-core/internal/trade"
)

// App holds the assembled service.
type App struct {
	Config    *config.Config
	Store     store.Store
	Cache     *marketdata.Cache
	Trades    *trade.Service
	Valuator  *portfolio.Valuator
	Hub       *feed.Hub
	Publisher *events.KafkaPublisher

	cleanup []func() error
}

// New builds the App: opens the store and seeds the default account, builds
// the market data cache, and registers the ledger observers.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.cleanup = append(a.cleanup, st.Close)

	if acct, err := store.EnsureDefaultAccount(ctx, st); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed default account: %w", err)
	} else if acct != nil {
		slog.Info("seeded default account", "account", acct.ID, "username", acct.Username)
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	cacheOpts := []marketdata.Option{marketdata.WithTTL(cfg.CacheTTL)}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, rdb.Close)
		cacheOpts = append(cacheOpts, marketdata.WithBackend(marketdata.NewRedisBackend(rdb)))
		slog.Info("Redis market data cache enabled")
	}
	a.Cache = marketdata.NewCache(provider, cacheOpts...)

	a.Hub = feed.NewHub()
	observers := []trade.LedgerObserver{a.Hub}
	if len(cfg.Kafka.Brokers) > 0 {
		a.Publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.cleanup = append(a.cleanup, a.Publisher.Close)
		observers = append(observers, a.Publisher)
	}

	a.Trades = trade.NewService(st, a.Cache,
		trade.WithObservers(observers...),
		trade.WithSellPriceCheck(cfg.SellPriceCheck),
	)
	a.Valuator = portfolio.NewValuator(st, a.Cache, nil)
	return a, nil
}

// OpenStore opens the store selected by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		st := store.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return st, nil
	case config.DriverSQLite:
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// NewProvider creates the upstream market data provider selected by cfg.Provider.
func NewProvider(cfg *config.Config) (marketdata.Provider, error) {
	switch cfg.Provider {
	case config.ProviderHTTP:
		return marketdata.NewHTTPProvider(cfg.MarketDataURL), nil
	case config.ProviderAlpaca:
		return marketdata.NewAlpacaProvider(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL), nil
	}
	return nil, fmt.Errorf("unknown market data provider %q", cfg.Provider)
}

// Start runs background workers until ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go a.Hub.Run(ctx)
}

// Serve listens on cfg.Port until ctx is cancelled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + a.Config.Port,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("trading-core listening",
			"port", a.Config.Port,
			"store", a.Config.StoreDriver,
			"provider", a.Config.Provider,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-core...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("trading-core stopped")
	return nil
}

// Close releases every resource New acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanup = nil
	return errors.Join(errs...)
}

// Router returns the HTTP handler. API routes are served both at the root
// and under /api.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.New(corsOptions(a.Config.FrontendURL)).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "trading-core"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(a.routes)
	r.Route("/api", a.routes)
	return r
}

func (a *App) routes(r chi.Router) {
	// Long-lived, so outside the request timeout.
	r.Get("/ws", a.Hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		md := marketdata.NewHandler(a.Cache)
		r.Get("/quote/{symbol}", md.GetQuote)
		r.Get("/options/{symbol}", md.GetOptions)
		r.Get("/options/{symbol}/theoretical", md.GetTheoretical)

		r.Post("/trade/buy", a.Trades.HandleBuy)
		r.Post("/trade/sell", a.Trades.HandleSell)

		r.Post("/user", a.Trades.HandleCreateAccount)
		r.Get("/user/{id}", a.Trades.HandleGetAccount)
		r.Get("/user/{id}/transactions", a.Trades.HandleTransactions)
		r.Post("/user/{id}/deposit", a.Trades.HandleDeposit)
		r.Post("/user/{id}/reset-portfolio", a.Trades.HandleReset)
		r.Get("/user/{id}/positions", a.Valuator.HandlePositions)
		r.Get("/user/{id}/portfolio", a.Valuator.HandlePortfolio)
	})
}

// corsOptions allows the frontend origin. An empty origin allows any.
func corsOptions(origin string) cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}
	if origin != "" {
		opts.AllowedOrigins = []string{origin}
	}
	return opts
}
