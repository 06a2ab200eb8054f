// Package metrics exposes Prometheus instrumentation and the health
// endpoint for the feed engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feed engine.
type Metrics struct {
	TicksTotal      prometheus.Counter
	IndexTicksTotal prometheus.Counter
	PacketsDropped  prometheus.Counter // malformed packets skipped by the parser

	WSReconnects   *prometheus.CounterVec // labels: conn
	TokenRefreshes prometheus.Counter

	QueueDepth      prometheus.Gauge
	QueueSaturation prometheus.Gauge // len/cap * 100

	WatcherDrops    *prometheus.CounterVec // labels: subscriber
	RingBufOverflow prometheus.Counter

	BatchFlushDur   prometheus.Histogram
	BatchRows       prometheus.Histogram
	PendingRows     prometheus.Gauge // rows retained after a failed flush
	FlushErrors     prometheus.Counter

	RedisCircuitState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisDrops        prometheus.Counter

	StaleInstruments prometheus.Gauge

	MarketState prometheus.Gauge // 0=closed, 1=open

	WatchClients prometheus.Gauge
}

// New registers and returns all metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_ticks_total",
			Help: "Total instrument ticks parsed from the feed",
		}),
		IndexTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_index_ticks_total",
			Help: "Total index ticks parsed from the feed",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_packets_dropped_total",
			Help: "Malformed packets skipped by the frame parser",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitefeed_ws_reconnects_total",
			Help: "WebSocket reconnection attempts per connection",
		}, []string{"conn"}),
		TokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_token_refreshes_total",
			Help: "Session token refreshes performed",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_queue_depth",
			Help: "Events currently buffered in the ingest queue",
		}),
		QueueSaturation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_queue_saturation_pct",
			Help: "Ingest queue fill percentage (len/cap * 100)",
		}),
		WatcherDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitefeed_watcher_drops_total",
			Help: "Mirrored events dropped per watcher subscriber",
		}, []string{"subscriber"}),
		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_ringbuf_overflow_total",
			Help: "Per-client ring buffer push overflows in the watch server",
		}),
		BatchFlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kitefeed_batch_flush_duration_seconds",
			Help:    "SQLite batch flush latency",
			Buckets: prometheus.DefBuckets,
		}),
		BatchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kitefeed_batch_rows",
			Help:    "Rows per flushed batch",
			Buckets: []float64{1, 10, 50, 100, 200, 500, 1000, 5000},
		}),
		PendingRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_pending_retry_rows",
			Help: "Rows retained in memory after a failed flush",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_flush_errors_total",
			Help: "Failed SQLite batch flushes",
		}),
		RedisCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitefeed_redis_drops_total",
			Help: "Mirrored events dropped on the Redis publish path",
		}),
		StaleInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_stale_instruments",
			Help: "Instruments silent beyond the staleness window",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		WatchClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitefeed_watch_clients",
			Help: "Connected watch server clients",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.IndexTicksTotal,
		m.PacketsDropped,
		m.WSReconnects,
		m.TokenRefreshes,
		m.QueueDepth,
		m.QueueSaturation,
		m.WatcherDrops,
		m.RingBufOverflow,
		m.BatchFlushDur,
		m.BatchRows,
		m.PendingRows,
		m.FlushErrors,
		m.RedisCircuitState,
		m.RedisDrops,
		m.StaleInstruments,
		m.MarketState,
		m.WatchClients,
	)

	return m
}

// HealthStatus represents the feed's health, served at /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.WSConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && !h.WSConnected {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
