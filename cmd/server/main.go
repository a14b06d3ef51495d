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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fairvest/execution-engine/internal/api"
	"github.com/fairvest/execution-engine/internal/config"
	"github.com/fairvest/execution-engine/internal/events"
	"github.com/fairvest/execution-engine/internal/execution"
	"github.com/fairvest/execution-engine/internal/fairqueue"
	"github.com/fairvest/execution-engine/internal/ledger"
	"github.com/fairvest/execution-engine/internal/model"
	"github.com/fairvest/execution-engine/internal/plan"
	"github.com/fairvest/execution-engine/internal/pricefeed"
	"github.com/fairvest/execution-engine/internal/randomness"
	"github.com/fairvest/execution-engine/internal/sequence"
	"github.com/fairvest/execution-engine/internal/store"
	"github.com/fairvest/execution-engine/internal/swap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		slog.Error("invalid log level", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, closeStore)

	last, err := st.LastIDs(ctx)
	if err != nil {
		slog.Error("sequence restore failed", "err", err)
		os.Exit(1)
	}
	slog.Info("sequences restored", "plan", last.Plan, "investment", last.Investment, "queue", last.Queue)

	// --- Plans and ledger ---
	overrides := make(map[model.AssetClass]int, len(cfg.Risk.Factors))
	for class, f := range cfg.Risk.Factors {
		overrides[model.AssetClass(class)] = f
	}
	risk, err := plan.NewRiskTable(overrides)
	if err != nil {
		slog.Error("invalid risk factors", "err", err)
		os.Exit(1)
	}
	plans := plan.NewRegistry(st, risk, sequence.New(last.Plan))
	led := ledger.New(st, sequence.New(last.Investment))

	// --- Prices and venue ---
	fee, err := decimal.NewFromString(cfg.PriceFeed.UpdateFee)
	if err != nil {
		slog.Error("invalid pricefeed.update_fee", "err", err)
		os.Exit(1)
	}
	feed := pricefeed.NewMemoryFeed(fee)
	quotes := make(map[string]decimal.Decimal, len(cfg.PriceFeed.Quotes))
	for sym, v := range cfg.PriceFeed.Quotes {
		px, err := decimal.NewFromString(v)
		if err != nil {
			slog.Error("invalid price quote", "symbol", sym, "err", err)
			os.Exit(1)
		}
		quotes[sym] = px
	}
	puller := pricefeed.NewPuller(pricefeed.NewStaticSource(quotes), feed)
	if len(quotes) > 0 {
		refreshPrices(ctx, puller, cfg.PriceFeed.MaxAge)
		go func() {
			ticker := time.NewTicker(max(cfg.PriceFeed.MaxAge/2, config.MinPriceMaxAge/2))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					refreshPrices(ctx, puller, cfg.PriceFeed.MaxAge)
				}
			}
		}()
	} else {
		slog.Warn("no price quotes configured, conversions will fall back to the base asset")
	}

	venue := swap.NewSimVenue(feed, cfg.PriceFeed.MaxAge, cfg.Venue.IlliquidAssets...)
	executor := swap.NewExecutor(venue, cfg.Engine.BaseAsset, cfg.Engine.VenueTimeout)

	// --- Events ---
	hub := api.NewWSHub()
	go hub.Run(ctx)
	publishers := events.Fanout{hub}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("execution-engine"))
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			slog.Error("jetstream init failed", "err", err)
			os.Exit(1)
		}
		if err := events.EnsureStream(ctx, js, cfg.NATS.Stream, cfg.NATS.Subject); err != nil {
			slog.Error("event stream setup failed", "err", err)
			os.Exit(1)
		}
		publishers = append(publishers, events.NewNATSPublisher(js, cfg.NATS.Subject))
		slog.Info("publishing events to NATS", "stream", cfg.NATS.Stream, "subject", cfg.NATS.Subject)
	}

	// --- Engine and fair queue ---
	engine := execution.New(plans, led, executor, st, publishers).WithPrices(feed, cfg.PriceFeed.MaxAge)
	provider := randomness.NewLocalProvider(sequence.New(last.Queue), cfg.Randomness.RevealDelay)
	queue := fairqueue.New(fairqueue.Config{
		MaxOutstanding: cfg.Queue.MaxOutstanding,
		MaxBatchSize:   cfg.Queue.MaxBatchSize,
		EntryTTL:       cfg.Queue.EntryTTL,
	}, st, plans, engine, provider, sequence.New(last.Queue), publishers)
	if err := queue.SyncMetrics(ctx); err != nil {
		slog.Warn("queue metrics sync failed", "err", err)
	}

	sweeper, err := fairqueue.NewSweeper(ctx, queue, cfg.Queue.SweepSchedule)
	if err != nil {
		slog.Error("invalid queue.sweep_schedule", "err", err)
		os.Exit(1)
	}
	sweeper.Start()
	cleanup = append(cleanup, sweeper.Stop)

	// --- HTTP ---
	svc := api.NewService(plans, engine, queue, publishers).WithPrices(feed, cfg.PriceFeed.MaxAge)
	router := api.NewRouter(svc, api.RouterOptions{
		OperatorKey: cfg.Auth.OperatorKey,
		Limiter:     api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Hub:         hub,
		Timeout:     30 * time.Second,
	})
	if cfg.Auth.OperatorKey == "" {
		slog.Warn("auth.operator_key not set, operator routes are open")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("execution-engine listening", "port", cfg.Server.Port, "base_asset", executor.BaseAsset())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down execution-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("execution-engine stopped")
}

// openStore selects PostgreSQL when database.url is set, optionally behind
// the Redis cache, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	if cfg.Redis.URL == "" {
		return pg, pool.Close, nil
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	rdb := redis.NewClient(opt)
	slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	return store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL), func() {
		rdb.Close()
		pool.Close()
	}, nil
}

func refreshPrices(ctx context.Context, puller *pricefeed.Puller, maxAge time.Duration) {
	prices, fee, err := puller.Pull(ctx, nil, maxAge)
	if err != nil {
		slog.Warn("price refresh failed", "err", err)
		return
	}
	slog.Info("prices refreshed", "symbols", len(prices), "fee", fee.String())
}
