// Package staleness watches per-instrument tick freshness. The feed
// touches the tracker on every event; the monitor sweeps periodically
// and reports instruments that have gone quiet during market hours.
package staleness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kitefeed/internal/markethours"
)

const (
	// DefaultWindow is how long an instrument may stay silent before it
	// is flagged stale.
	DefaultWindow = 5 * time.Minute

	// DefaultInterval is the sweep period.
	DefaultInterval = time.Minute

	// maxStaleLogged caps how many stale tokens a single sweep names in
	// the log line.
	maxStaleLogged = 20
)

// Tracker records the last-seen time per instrument token. Safe for
// concurrent use by multiple feed connections.
type Tracker struct {
	mu   sync.RWMutex
	seen map[uint32]time.Time
}

// NewTracker creates a tracker sized for the given instrument count.
func NewTracker(hint int) *Tracker {
	return &Tracker{seen: make(map[uint32]time.Time, hint)}
}

// Touch records that token produced an event now.
func (t *Tracker) Touch(token uint32) {
	t.TouchAt(token, time.Now())
}

// TouchAt records that token produced an event at ts.
func (t *Tracker) TouchAt(token uint32, ts time.Time) {
	t.mu.Lock()
	t.seen[token] = ts
	t.mu.Unlock()
}

// Register seeds tokens so instruments that never tick at all still
// show up as stale.
func (t *Tracker) Register(tokens []uint32, ts time.Time) {
	t.mu.Lock()
	for _, tok := range tokens {
		if _, ok := t.seen[tok]; !ok {
			t.seen[tok] = ts
		}
	}
	t.mu.Unlock()
}

// StaleSince returns every token last seen before the cutoff.
func (t *Tracker) StaleSince(cutoff time.Time) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var stale []uint32
	for tok, ts := range t.seen {
		if ts.Before(cutoff) {
			stale = append(stale, tok)
		}
	}
	return stale
}

// Len returns the number of tracked instruments.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}

// Config configures the staleness monitor.
type Config struct {
	Window   time.Duration // silence threshold (default 5m)
	Interval time.Duration // sweep period (default 1m)
	Logger   *slog.Logger
}

// Monitor sweeps a Tracker on an interval and reports stale
// instruments. Sweeps outside market hours are skipped: a silent feed
// at 2 AM is not a problem.
type Monitor struct {
	tracker  *Tracker
	window   time.Duration
	interval time.Duration
	log      *slog.Logger

	// OnStale receives the stale count each sweep, including zero.
	// Used for metrics wiring.
	OnStale func(count int)
}

// NewMonitor creates a monitor over the given tracker.
func NewMonitor(tracker *Tracker, cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		tracker:  tracker,
		window:   cfg.Window,
		interval: cfg.Interval,
		log:      log,
	}
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.checkOnce(now)
		}
	}
}

// checkOnce performs a single sweep at the given time.
func (m *Monitor) checkOnce(now time.Time) {
	if !markethours.IsMarketOpen(now) {
		return
	}

	stale := m.tracker.StaleSince(now.Add(-m.window))
	if m.OnStale != nil {
		m.OnStale(len(stale))
	}
	if len(stale) == 0 {
		return
	}

	logged := stale
	if len(logged) > maxStaleLogged {
		logged = logged[:maxStaleLogged]
	}
	m.log.Warn("stale instruments detected",
		slog.Int("stale", len(stale)),
		slog.Int("tracked", m.tracker.Len()),
		slog.Duration("window", m.window),
		slog.Any("tokens", logged))
}
