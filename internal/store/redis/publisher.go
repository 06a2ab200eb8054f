// Package redis mirrors live ticks to Redis pub/sub channels for
// external watchers (dashboards, downstream engines). The mirror is
// best-effort by design: publish failures trip a circuit breaker and
// drop events rather than ever blocking the ingestion path.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"kitefeed/internal/model"
)

const tickChannelPrefix = "pub:tick:"

// PublisherConfig configures the tick mirror publisher.
type PublisherConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	// Breaker defaults: open after 5 consecutive failures, probe
	// after 10s.
	MaxFailures  int
	ResetTimeout time.Duration

	Logger *slog.Logger
}

// Publisher publishes mirrored ticks to pub:tick:<token> channels.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	log    *slog.Logger

	// OnDrop fires for every event dropped while the breaker is open.
	OnDrop func()
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the circuit breaker for metrics wiring.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// NewPublisher connects and pings the server.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	cb := NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout)
	cb.OnStateChange = func(from, to State) {
		log.Warn("redis circuit state change",
			slog.String("from", from.String()), slog.String("to", to.String()))
	}

	log.Info("redis publisher connected", slog.String("addr", cfg.Addr))
	return &Publisher{client: client, cb: cb, log: log}, nil
}

// Run consumes mirrored events from ch and publishes each to its
// per-token channel. Blocks until ctx is cancelled or ch is closed.
func (p *Publisher) Run(ctx context.Context, ch <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publish(ctx, ev)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("marshal tick for mirror", slog.String("error", err.Error()))
		return
	}
	channel := tickChannelPrefix + strconv.FormatUint(uint64(ev.InstrumentToken()), 10)

	err = p.cb.Execute(func() error {
		return p.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		if p.OnDrop != nil {
			p.OnDrop()
		}
		if err != ErrCircuitOpen {
			p.log.Warn("mirror publish failed",
				slog.String("channel", channel), slog.String("error", err.Error()))
		}
	}
}

// Close releases the client.
func (p *Publisher) Close() error { return p.client.Close() }
