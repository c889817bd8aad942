package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clouvelai/kalshibook-sub001/internal/config"
	"github.com/clouvelai/kalshibook-sub001/internal/feed"
	"github.com/clouvelai/kalshibook-sub001/internal/process"
	"github.com/clouvelai/kalshibook-sub001/internal/reconstruct"
	"github.com/clouvelai/kalshibook-sub001/internal/storage"
	"github.com/clouvelai/kalshibook-sub001/internal/subscription"
	"github.com/clouvelai/kalshibook-sub001/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/collector.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// .env is optional; real deployments inject env vars directly.
	godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting collector",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"feed_url", cfg.Feed.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cancel, cfg, logger); err != nil {
		logger.Error("collector failed", "error", err)
		os.Exit(1)
	}
	logger.Info("collector stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.CollectorConfig, logger *slog.Logger) error {
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := storage.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("database ready")

	partitions := storage.NewPartitionManager(storage.PartitionConfig{
		DaysAhead:     cfg.Partitions.DaysAhead,
		CheckInterval: storage.DefaultPartitionConfig().CheckInterval,
	}, pool, logger)
	if err := partitions.Start(ctx); err != nil {
		return fmt.Errorf("start partition manager: %w", err)
	}

	writer := storage.NewWriter(storage.WriterConfig{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		HighWater:     cfg.Writer.HighWater,
	}, pool, partitions, logger)
	if err := writer.Start(ctx); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}

	markets := storage.NewMarketStore(pool, logger)

	subs := subscription.NewManager(subscription.Config{
		Ceiling:           cfg.Subscriptions.Ceiling,
		BatchSize:         cfg.Subscriptions.BatchSize,
		CommandsPerSecond: cfg.Subscriptions.CommandsPerSecond,
	}, logger)

	// Seed the subscription set from markets known before this run, so a
	// restart resumes collection without waiting for lifecycle events.
	active, err := markets.ActiveTickers(ctx)
	if err != nil {
		return fmt.Errorf("load active markets: %w", err)
	}
	subs.Seed(active)
	logger.Info("subscription set seeded", "markets", len(active))

	processor := process.New(process.Config{
		SnapshotInterval: cfg.Writer.SnapshotInterval,
	}, writer, subs, markets, logger)

	feedMgr := feed.NewManager(feed.ManagerConfig{
		URL:               cfg.Feed.URL,
		APIKey:            cfg.Feed.APIKey,
		PingTimeout:       cfg.Feed.PingTimeout,
		WriteTimeout:      cfg.Feed.WriteTimeout,
		SubscribeTimeout:  cfg.Feed.SubscribeTimeout,
		ReconnectBaseWait: cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Feed.ReconnectMaxDelay,
		MessageBufferSize: cfg.Feed.MessageBufferSize,
	}, processor, writer, subs, logger)
	subs.SetSink(feedMgr)

	var cache *reconstruct.Cache
	if cfg.Reconstruct.Cache.Enabled {
		cache = reconstruct.NewCache(reconstruct.CacheConfig{
			Addr:     cfg.Reconstruct.Cache.Addr,
			Password: cfg.Reconstruct.Cache.Password,
			DB:       cfg.Reconstruct.Cache.DB,
			TTL:      cfg.Reconstruct.Cache.TTL,
		}, logger)
		if err := cache.Ping(ctx); err != nil {
			logger.Warn("reconstruction cache unreachable, continuing without it", "error", err)
			cache.Close()
			cache = nil
		} else {
			defer cache.Close()
		}
	}
	recon := reconstruct.NewService(pool, cache, reconstruct.Config{
		StrictIntegrity: cfg.Reconstruct.StrictIntegrity,
	}, logger)

	subs.Start(ctx)
	processor.Start(ctx)
	if err := feedMgr.Start(ctx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: newHandler(pool, recon, markets, writer, processor, subs, feedMgr, logger),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("collector running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Run until a shutdown signal or a fatal feed error.
	var fatalErr error
	select {
	case <-ctx.Done():
	case fatalErr = <-feedMgr.Fatal():
		logger.Error("fatal feed error", "error", fatalErr)
		cancel()
	}

	shutdown(healthServer, feedMgr, processor, subs, writer, partitions, logger)
	return fatalErr
}

// shutdown stops components in reverse dependency order: the feed stops
// producing before the processor stops consuming, and the writer drains its
// pending batches last, before the pool closes.
func shutdown(
	healthServer *http.Server,
	feedMgr *feed.Manager,
	processor *process.Processor,
	subs *subscription.Manager,
	writer *storage.Writer,
	partitions *storage.PartitionManager,
	logger *slog.Logger,
) {
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)

	if err := feedMgr.Stop(shutdownCtx); err != nil {
		logger.Warn("feed stop", "error", err)
	}
	if err := processor.Stop(shutdownCtx); err != nil {
		logger.Warn("processor stop", "error", err)
	}
	if err := subs.Stop(shutdownCtx); err != nil {
		logger.Warn("subscription manager stop", "error", err)
	}
	if err := writer.Stop(shutdownCtx); err != nil {
		logger.Warn("writer stop", "error", err)
	}
	if err := partitions.Stop(shutdownCtx); err != nil {
		logger.Warn("partition manager stop", "error", err)
	}
}

// pinger is the slice of the pgx pool the health check needs.
type pinger interface {
	Ping(context.Context) error
}

// newHandler builds the HTTP surface: health, debug, and read-only
// reconstruction queries.
func newHandler(
	pool pinger,
	recon *reconstruct.Service,
	markets *storage.MarketStore,
	writer *storage.Writer,
	processor *process.Processor,
	subs *subscription.Manager,
	feedMgr *feed.Manager,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		feedStats := feedMgr.Stats()
		if !feedStats.Connected {
			health.Status = "degraded"
		}
		health.Components["feed"] = feedStats
		health.Components["writer"] = writer.Stats()
		health.Components["processor"] = processor.Stats()
		health.Components["subscriptions"] = subs.Stats()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/markets", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		all, err := markets.List(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Limit to first 100 for debugging
		shown := all
		if len(shown) > 100 {
			shown = shown[:100]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":   len(all),
			"showing": len(shown),
			"markets": shown,
		})
	})

	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		ticker := r.URL.Query().Get("ticker")
		if ticker == "" {
			http.Error(w, "ticker is required", http.StatusBadRequest)
			return
		}
		at, err := parseTimeParam(r, "at", time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		depth := 0
		if s := r.URL.Query().Get("depth"); s != "" {
			if depth, err = strconv.Atoi(s); err != nil || depth < 0 {
				http.Error(w, "depth must be a non-negative integer", http.StatusBadRequest)
				return
			}
		}

		book, err := recon.Reconstruct(r.Context(), ticker, at, depth)
		if err != nil {
			writeQueryError(w, err, logger)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(book)
	})

	mux.HandleFunc("/deltas", func(w http.ResponseWriter, r *http.Request) {
		q := reconstruct.DeltaQuery{
			Ticker: r.URL.Query().Get("ticker"),
			Cursor: r.URL.Query().Get("cursor"),
		}
		if q.Ticker == "" {
			http.Error(w, "ticker is required", http.StatusBadRequest)
			return
		}
		var err error
		if q.From, err = parseTimeParam(r, "from", time.Time{}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if q.To, err = parseTimeParam(r, "to", time.Now().UTC()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s := r.URL.Query().Get("limit"); s != "" {
			if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
		}

		page, err := recon.QueryDeltas(r.Context(), q)
		if err != nil {
			writeQueryError(w, err, logger)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	})

	return mux
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339", name)
	}
	return t, nil
}

// writeQueryError maps reconstruction errors onto HTTP statuses.
func writeQueryError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var noData *reconstruct.NoDataError
	var integrity *reconstruct.IntegrityError

	switch {
	case errors.Is(err, reconstruct.ErrMarketUnknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &noData):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &integrity):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
