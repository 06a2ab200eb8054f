// Package store contains the persistence batcher and the storage
// backends it writes through.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kitefeed/internal/marketdata/queue"
	"kitefeed/internal/markethours"
	"kitefeed/internal/model"
)

const (
	defaultBatchSize      = 200
	defaultFlushInterval  = 5 * time.Second
	defaultDequeueTimeout = 200 * time.Millisecond
	defaultMaxPending     = 10000
)

// BatcherConfig configures the persistence batcher.
type BatcherConfig struct {
	BatchSize      int           // rows per flush trigger (default 200)
	FlushInterval  time.Duration // max time between flushes (default 5s)
	DequeueTimeout time.Duration // consumer poll timeout (default 200ms)

	// MaxPending caps rows retained after failed flushes. Oldest rows
	// are dropped with a warning past the cap.
	MaxPending int

	// Location for row timestamps. Defaults to the exchange timezone.
	Location *time.Location

	Logger *slog.Logger
}

// Batcher drains the tick queue and writes batches to the store. It
// flushes when the batch reaches BatchSize OR FlushInterval elapsed
// since the last flush, whichever comes first. Runs in its own
// goroutine so storage latency backpressures through the queue, never
// the socket read loop directly.
type Batcher struct {
	store model.TickStore
	q     *queue.Queue
	cfg   BatcherConfig
	log   *slog.Logger

	// pending holds rows from failed flushes; they are retried ahead
	// of the next batch rather than discarded.
	pending []model.TickRow

	// OnFlush fires after a successful flush with the row count.
	OnFlush func(rows int, took time.Duration)
	// OnFlushError fires when a store write fails.
	OnFlushError func(err error, retained int)
}

// NewBatcher builds a Batcher over store, consuming q.
func NewBatcher(store model.TickStore, q *queue.Queue, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = defaultDequeueTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.Location == nil {
		cfg.Location = markethours.IST
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{store: store, q: q, cfg: cfg, log: log}
}

// PendingRows returns the number of rows retained from failed flushes.
func (b *Batcher) PendingRows() int { return len(b.pending) }

// Run consumes the queue until it is closed or ctx is cancelled. A
// final flush of the accumulated batch happens on exit.
func (b *Batcher) Run(ctx context.Context) {
	batch := make([]model.TickRow, 0, b.cfg.BatchSize)
	lastFlush := time.Now()

	flush := func() {
		if len(batch) == 0 && len(b.pending) == 0 {
			lastFlush = time.Now()
			return
		}
		b.flush(ctx, &batch)
		lastFlush = time.Now()
	}

	for {
		if ctx.Err() != nil {
			flush()
			return
		}

		ev, err := b.q.Dequeue(b.cfg.DequeueTimeout)
		switch {
		case err == nil:
			if row, ok := rowOf(ev, b.cfg.Location, time.Now()); ok {
				batch = append(batch, row)
			}
			if len(batch) >= b.cfg.BatchSize || time.Since(lastFlush) >= b.cfg.FlushInterval {
				flush()
			}
		case errors.Is(err, queue.ErrTimeout):
			if time.Since(lastFlush) >= b.cfg.FlushInterval {
				flush()
			}
		case errors.Is(err, queue.ErrClosed):
			flush()
			return
		}
	}
}

// flush writes retained rows plus the current batch in one insert. On
// failure everything is kept for retry (capped), never dropped
// silently.
func (b *Batcher) flush(ctx context.Context, batch *[]model.TickRow) {
	rows := append(b.pending, *batch...)
	b.pending = nil
	*batch = (*batch)[:0]
	if len(rows) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := b.store.InsertBatch(writeCtx, rows); err != nil {
		b.retain(rows)
		b.log.Error("batch insert failed, batch retained",
			slog.Int("rows", len(rows)),
			slog.Int("pending", len(b.pending)),
			slog.String("error", err.Error()))
		if b.OnFlushError != nil {
			b.OnFlushError(err, len(b.pending))
		}
		return
	}

	took := time.Since(start)
	b.log.Debug("batch committed",
		slog.Int("rows", len(rows)), slog.Duration("took", took))
	if b.OnFlush != nil {
		b.OnFlush(len(rows), took)
	}
}

func (b *Batcher) retain(rows []model.TickRow) {
	b.pending = rows
	if over := len(b.pending) - b.cfg.MaxPending; over > 0 {
		b.log.Warn("pending buffer over cap, dropping oldest rows",
			slog.Int("dropped", over))
		b.pending = b.pending[over:]
	}
}

// rowOf converts a decoded event to its storage row.
func rowOf(ev model.Event, loc *time.Location, received time.Time) (model.TickRow, bool) {
	switch e := ev.(type) {
	case model.Tick:
		return e.Row(loc, received), true
	case model.IndexTick:
		return e.Row(loc, received), true
	default:
		return model.TickRow{}, false
	}
}
