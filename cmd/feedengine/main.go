package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kitefeed/config"
	"kitefeed/internal/logger"
	"kitefeed/internal/marketdata/bus"
	"kitefeed/internal/marketdata/queue"
	"kitefeed/internal/marketdata/staleness"
	"kitefeed/internal/markethours"
	"kitefeed/internal/metrics"
	"kitefeed/internal/model"
	"kitefeed/internal/store"
	redisstore "kitefeed/internal/store/redis"
	sqlitestore "kitefeed/internal/store/sqlite"
	"kitefeed/internal/watchserver"
	"kitefeed/pkg/kiteconnect"
	"kitefeed/pkg/kiteticker"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[feedengine] config: %v", err)
	}

	logg := logger.Init("feedengine", logger.ParseLevel(cfg.LogLevel))
	logg.Info("starting", slog.String("mode", cfg.Feed.Mode))

	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite tick store ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	tickStore, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath, Logger: logg})
	if err != nil {
		log.Fatalf("[feedengine] sqlite init failed: %v", err)
	}
	defer tickStore.Close()

	// ---- Ingest queue with watcher mirror ----
	q := queue.New(cfg.Feed.QueueCapacity)
	mirrorCh := make(chan model.Event, 5000)
	q.AttachWatcher(mirrorCh, func() {
		prom.WatcherDrops.WithLabelValues("mirror").Inc()
	})

	fanout := bus.New(5000)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.WatcherDrops.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}

	// ---- Optional Redis mirror ----
	var pub *redisstore.Publisher
	if cfg.Redis.Enabled {
		pub, err = redisstore.NewPublisher(redisstore.PublisherConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Logger:   logg,
		})
		if err != nil {
			logg.Warn("redis unavailable, continuing without mirror",
				slog.String("error", err.Error()))
			pub = nil
		} else {
			pub.OnDrop = func() { prom.RedisDrops.Inc() }
			defer pub.Close()
			go pub.Run(ctx, fanout.Subscribe())
		}
	}

	// ---- Optional dashboard watch server ----
	var watch *watchserver.Server
	if cfg.Watch.Enabled {
		watch = watchserver.New(watchserver.Config{
			Addr:     cfg.Watch.Addr,
			RingSize: cfg.Watch.RingSize,
			Logger:   logg,
		})
		watch.OnClientDrop = func() { prom.RingBufOverflow.Inc() }
		watch.Start()
		go watch.Run(ctx, fanout.Subscribe())
	}

	go fanout.Run(ctx, mirrorCh)

	// ---- Persistence batcher ----
	batcher := store.NewBatcher(tickStore, q, store.BatcherConfig{
		BatchSize:     cfg.Batch.Size,
		FlushInterval: cfg.Batch.Interval,
		Logger:        logg,
	})
	batcher.OnFlush = func(rows int, took time.Duration) {
		prom.BatchFlushDur.Observe(took.Seconds())
		prom.BatchRows.Observe(float64(rows))
		prom.PendingRows.Set(0)
	}
	batcher.OnFlushError = func(err error, retained int) {
		prom.FlushErrors.Inc()
		prom.PendingRows.Set(float64(retained))
	}
	batcherDone := make(chan struct{})
	go func() {
		defer close(batcherDone)
		// The batcher outlives ctx so the final drain after queue close
		// is never cut short.
		batcher.Run(context.Background())
	}()

	// ---- Authenticator and instrument source ----
	var auth *kiteconnect.Client
	if cfg.Kite.Password != "" && cfg.Kite.TOTPSecret != "" {
		auth, err = kiteconnect.NewClient(kiteconnect.Config{
			APIKey:     cfg.Kite.APIKey,
			UserID:     cfg.Kite.UserID,
			Password:   cfg.Kite.Password,
			TOTPSecret: cfg.Kite.TOTPSecret,
		})
		if err != nil {
			log.Fatalf("[feedengine] kiteconnect init failed: %v", err)
		}
	}

	tokens := cfg.ParseTokens()
	if len(tokens) == 0 {
		if auth == nil {
			log.Fatalf("[feedengine] no tokens configured and no credentials for instrument dump")
		}
		logg.Info("no token list configured, fetching instrument dump")
		tokens, err = auth.InstrumentTokens(ctx)
		if err != nil {
			log.Fatalf("[feedengine] instrument dump failed: %v", err)
		}
	}
	logg.Info("subscription universe ready", slog.Int("tokens", len(tokens)))

	// ---- Staleness monitoring ----
	tracker := staleness.NewTracker(len(tokens))
	tracker.Register(tokens, time.Now())
	monitor := staleness.NewMonitor(tracker, staleness.Config{
		Window:   cfg.Staleness.Window,
		Interval: cfg.Staleness.Interval,
		Logger:   logg,
	})
	monitor.OnStale = func(count int) { prom.StaleInstruments.Set(float64(count)) }
	go monitor.Run(ctx)

	// ---- Liveness checks and gauge sampling ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), tickStore.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, tickStore.DB(), 10*time.Second)
	}
	go sampleGauges(ctx, prom, q, pub, watch)

	// ---- Feed supervisor ----
	creds := kiteticker.Credentials{
		APIKey:   cfg.Kite.APIKey,
		UserID:   cfg.Kite.UserID,
		Enctoken: cfg.Kite.Enctoken,
	}
	if creds.Enctoken != "" {
		creds.IssuedAt = time.Now()
	}

	eng := &engine{
		cfg:     cfg,
		creds:   creds,
		auth:    auth,
		tokens:  tokens,
		q:       q,
		tracker: tracker,
		prom:    prom,
		health:  health,
		log:     logg,
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		eng.run(ctx)
	}()

	logg.Info("feed engine ready", slog.String("market", markethours.StatusString(time.Now())))

	// ---- Shutdown ----
	<-sigCh
	logg.Info("shutdown signal received")
	cancel()

	// All producers must stop before the queue can close.
	select {
	case <-supervisorDone:
	case <-time.After(15 * time.Second):
		logg.Warn("feed supervisor did not stop in time")
	}
	q.Close()

	select {
	case <-batcherDone:
		logg.Info("batcher drained")
	case <-time.After(15 * time.Second):
		logg.Warn("batcher did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if watch != nil {
		watch.Stop(shutdownCtx)
	}
	metricsSrv.Stop(shutdownCtx)

	logg.Info("shutdown complete")
}

// engine owns the market-hours gated connection lifecycle: one Ticker
// per 500-token batch, all feeding the shared queue.
type engine struct {
	cfg     *config.Config
	creds   kiteticker.Credentials
	auth    *kiteconnect.Client
	tokens  []uint32
	q       *queue.Queue
	tracker *staleness.Tracker
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger
}

func (e *engine) run(ctx context.Context) {
	if !e.cfg.Feed.EnforceMarketHours {
		e.runSession(ctx)
		return
	}

	for {
		now := time.Now()
		if !markethours.IsMarketOpen(now) {
			connectAt := markethours.NextConnectAt(now)
			wait := connectAt.Sub(now)
			if wait > 0 {
				e.log.Info("waiting for market open",
					slog.String("status", markethours.StatusString(now)),
					slog.Duration("sleep", wait.Truncate(time.Second)))
				e.prom.MarketState.Set(0)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}

		e.prom.MarketState.Set(1)
		sessionCtx, cancel := context.WithDeadline(ctx, markethours.TodayClose(time.Now()))
		e.runSession(sessionCtx)
		cancel()
		e.prom.MarketState.Set(0)

		if ctx.Err() != nil {
			return
		}
		e.log.Info("session over, disconnected until next open")
	}
}

// runSession builds the connection set and streams until ctx ends.
func (e *engine) runSession(ctx context.Context) {
	chunks := model.ChunkTokens(e.tokens, model.MaxTokensPerBatch)
	extraIdx := e.cfg.ParseExtraIndexTokens()

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		name := fmt.Sprintf("batch-%d", i)

		tcfg := kiteticker.Config{
			URL:         e.cfg.Kite.WSURL,
			Credentials: e.creds,
			Tokens:      chunk,
			Mode:        kiteticker.Mode(e.cfg.Feed.Mode),
			Name:        name,
			Logger:      e.log,
		}
		if e.auth != nil {
			tcfg.Authenticator = e.auth
		}
		if i == 0 {
			// Only the first connection carries the index
			// subscriptions; duplicates across connections would
			// double-count index ticks.
			tcfg.ExtraIndexTokens = extraIdx
		} else {
			tcfg.IndexTokens = []uint32{}
		}

		tk, err := kiteticker.New(tcfg)
		if err != nil {
			e.log.Error("ticker init failed", slog.String("conn", name),
				slog.String("error", err.Error()))
			continue
		}

		tk.OnEvent = func(ev model.Event) {
			switch ev.(type) {
			case model.Tick:
				e.prom.TicksTotal.Inc()
			case model.IndexTick:
				e.prom.IndexTicksTotal.Inc()
			}
			e.tracker.Touch(ev.InstrumentToken())
			e.health.SetLastTickTime(time.Now())
			if err := e.q.Enqueue(ctx, ev); err != nil {
				return // shutting down
			}
		}
		tk.OnReconnect = func() {
			e.prom.WSReconnects.WithLabelValues(name).Inc()
		}
		tk.OnTokenRefresh = func() {
			e.prom.TokenRefreshes.Inc()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			tk.Stop()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tk.Run(ctx); err != nil {
				e.log.Error("connection stopped", slog.String("conn", name),
					slog.String("error", err.Error()))
			}
		}()
	}

	e.health.SetWSConnected(true)
	wg.Wait()
	e.health.SetWSConnected(false)
}

// sampleGauges publishes queue and breaker gauges on a fixed cadence.
func sampleGauges(ctx context.Context, prom *metrics.Metrics, q *queue.Queue,
	pub *redisstore.Publisher, watch *watchserver.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := q.Len()
			prom.QueueDepth.Set(float64(depth))
			if c := q.Cap(); c > 0 {
				prom.QueueSaturation.Set(float64(depth) / float64(c) * 100)
			}
			if pub != nil {
				prom.RedisCircuitState.Set(float64(pub.Breaker().CurrentState()))
			}
			if watch != nil {
				prom.WatchClients.Set(float64(watch.ClientCount()))
			}
		}
	}
}
