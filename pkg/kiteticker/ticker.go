// Package kiteticker implements the streaming market-data client: a
// persistent WebSocket connection that authenticates via URL query
// credentials, subscribes to instrument-token batches, decodes the binary
// tick frames, and recovers from transient failures with a delayed
// reconnect loop.
package kiteticker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"kitefeed/internal/model"
)

// State is the connection lifecycle state, owned exclusively by the
// Ticker's run loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateSubscribing
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrFatalConfig marks unrecoverable configuration failures (missing
// credentials, HTTP 400 on handshake). Run returns it instead of
// retrying forever.
var ErrFatalConfig = errors.New("fatal configuration error")

// DefaultIndexTokens are the two indices every connection subscribes to
// in full mode before its own batch: NIFTY 50 and SENSEX.
var DefaultIndexTokens = []uint32{256265, 265}

const (
	defaultURL               = "wss://ws.zerodha.com/"
	defaultReconnectDelay    = 5 * time.Second
	defaultHandshakeTimeout  = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultSubscribePause    = time.Second
	defaultTokenMaxAge       = 24 * time.Hour
)

// Credentials are the connection parameters read once per connect
// attempt. Token refresh swaps the whole value atomically.
type Credentials struct {
	APIKey   string
	UserID   string
	Enctoken string
	IssuedAt time.Time
}

// Config configures a Ticker.
type Config struct {
	URL         string
	Credentials Credentials

	// Tokens is this connection's instrument batch. Chunked internally
	// to the 500-token subscribe ceiling with a pause between chunks,
	// so a single Ticker over the full universe also works.
	Tokens []uint32

	// IndexTokens are subscribed in full mode before Tokens. Defaults
	// to DefaultIndexTokens; ExtraIndexTokens extends the set.
	IndexTokens      []uint32
	ExtraIndexTokens []uint32

	// Mode applied to the Tokens batches. Defaults to ModeFull.
	Mode Mode

	// Authenticator refreshes the enctoken on 401/403 or when the
	// current token exceeds TokenMaxAge. Nil disables refresh.
	Authenticator model.Authenticator

	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	SubscribePause    time.Duration
	TokenMaxAge       time.Duration

	// Name labels this connection in logs, e.g. "batch-0".
	Name string

	Logger *slog.Logger
}

// Ticker owns one duplex connection and its reconnect state. Multiple
// Tickers (one per token batch) share nothing but the callbacks they
// are wired to.
type Ticker struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	// OnEvent receives every decoded tick in receipt order. It may
	// block; blocking throttles this connection's read loop, which is
	// the designed backpressure path.
	OnEvent func(model.Event)

	// OnOrderUpdate receives order postbacks.
	OnOrderUpdate func(OrderUpdate)

	// OnReconnect fires before each reconnect delay.
	OnReconnect func()

	// OnTokenRefresh fires after a successful credential refresh.
	OnTokenRefresh func()

	mu     sync.Mutex
	creds  Credentials
	conn   *websocket.Conn
	stopMu sync.Once
	stopCh chan struct{}

	writeMu sync.Mutex

	state       atomic.Int32
	lastMessage atomic.Int64 // unix nanos of the last inbound message
	attempts    atomic.Int64 // connect attempts, for tests and health
}

// New validates the configuration and builds a Ticker. Missing API key
// or user id is a fatal configuration error reported before any network
// activity.
func New(cfg Config) (*Ticker, error) {
	if cfg.Credentials.APIKey == "" || cfg.Credentials.UserID == "" {
		return nil, fmt.Errorf("%w: api key and user id are required", ErrFatalConfig)
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	if cfg.IndexTokens == nil {
		cfg.IndexTokens = DefaultIndexTokens
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SubscribePause <= 0 {
		cfg.SubscribePause = defaultSubscribePause
	}
	if cfg.TokenMaxAge <= 0 {
		cfg.TokenMaxAge = defaultTokenMaxAge
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name != "" {
		log = log.With(slog.String("conn", cfg.Name))
	}

	return &Ticker{
		cfg:    cfg,
		log:    log,
		dialer: websocket.DefaultDialer,
		creds:  cfg.Credentials,
		stopCh: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (t *Ticker) State() State { return State(t.state.Load()) }

// LastMessageAt returns the time of the last inbound message, zero if
// none arrived yet.
func (t *Ticker) LastMessageAt() time.Time {
	ns := t.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ConnectAttempts returns the number of dial attempts made so far.
func (t *Ticker) ConnectAttempts() int64 { return t.attempts.Load() }

// Stop requests a permanent shutdown: the run loop exits, the socket
// closes, and no further connect attempts are made. Safe to call more
// than once and concurrently with Run.
func (t *Ticker) Stop() {
	t.stopMu.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.mu.Unlock()
	})
}

// Run drives the connection lifecycle until Stop is called, ctx is
// cancelled, or a fatal configuration error occurs. Transient errors
// never escape: they are logged and retried after the reconnect delay.
func (t *Ticker) Run(ctx context.Context) error {
	defer t.setState(StateStopped)

	for {
		if t.stopping(ctx) {
			return nil
		}

		// Refresh ahead of connect if the token is absent or stale.
		if t.cfg.Authenticator != nil {
			creds := t.snapshotCreds()
			if creds.Enctoken == "" || time.Since(creds.IssuedAt) > t.cfg.TokenMaxAge {
				if err := t.refreshToken(ctx); err != nil {
					t.log.Error("token refresh failed", slog.String("error", err.Error()))
					if !t.waitReconnect(ctx) {
						return nil
					}
					continue
				}
			}
		}

		fatal, err := t.session(ctx)
		if err == nil {
			// Clean exit: stop requested or ctx cancelled.
			return nil
		}
		if fatal {
			t.log.Error("stopping permanently", slog.String("error", err.Error()))
			return err
		}
		t.log.Warn("connection lost, will reconnect",
			slog.String("error", err.Error()),
			slog.Duration("delay", t.cfg.ReconnectDelay))
		if t.OnReconnect != nil {
			t.OnReconnect()
		}
		if !t.waitReconnect(ctx) {
			return nil
		}
	}
}

// session performs one full connect / handshake / subscribe / stream
// cycle. It returns (fatal, err); err == nil means a requested stop.
func (t *Ticker) session(ctx context.Context) (bool, error) {
	t.setState(StateConnecting)
	t.attempts.Add(1)

	creds := t.snapshotCreds()
	wsURL := t.buildURL(creds)

	conn, resp, err := t.dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest:
				t.setState(StateDisconnected)
				return true, fmt.Errorf("%w: handshake rejected with status %d", ErrFatalConfig, resp.StatusCode)
			case http.StatusUnauthorized, http.StatusForbidden:
				t.log.Warn("credentials rejected, refreshing token",
					slog.Int("status", resp.StatusCode))
				if rerr := t.refreshToken(ctx); rerr != nil {
					t.setState(StateDisconnected)
					return false, fmt.Errorf("token refresh after %d: %w", resp.StatusCode, rerr)
				}
				t.setState(StateDisconnected)
				return false, fmt.Errorf("credentials expired (status %d), token refreshed", resp.StatusCode)
			}
		}
		t.setState(StateDisconnected)
		return false, fmt.Errorf("dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		_ = conn.Close()
		t.conn = nil
		t.mu.Unlock()
		t.setState(StateDisconnected)
	}()

	t.log.Info("connected", slog.Int("tokens", len(t.cfg.Tokens)))

	if err := t.handshake(ctx, conn); err != nil {
		return false, fmt.Errorf("handshake: %w", err)
	}
	if err := t.subscribeAll(ctx, conn); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	t.setState(StateStreaming)

	// Heartbeat sender; exits with the session.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go t.heartbeatLoop(hbCtx, conn)

	return false, t.readLoop(conn)
}

// handshake consumes up to two initial server metadata messages with a
// bounded read deadline so a silent server cannot block startup. A
// binary frame arriving early is decoded and ends the handshake.
func (t *Ticker) handshake(ctx context.Context, conn *websocket.Conn) error {
	t.setState(StateHandshaking)
	defer conn.SetReadDeadline(time.Time{})

	for i := 0; i < 2; i++ {
		if err := conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout)); err != nil {
			return err
		}
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if netTimeout(err) {
				// Metadata is optional; proceed to subscribe.
				return nil
			}
			return err
		}
		t.touch()
		if mt == websocket.BinaryMessage {
			t.dispatchBinary(msg)
			return nil
		}
		t.handleText(msg)
	}
	return nil
}

// subscribeAll sends the index subscriptions in full mode, then each
// 500-token chunk of the batch with a pause between chunks to respect
// server rate limits.
func (t *Ticker) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	t.setState(StateSubscribing)

	indexes := append(append([]uint32{}, t.cfg.IndexTokens...), t.cfg.ExtraIndexTokens...)
	if len(indexes) > 0 {
		if err := t.sendSubscription(conn, indexes, ModeFull); err != nil {
			return err
		}
	}

	chunks := model.ChunkTokens(t.cfg.Tokens, model.MaxTokensPerBatch)
	for i, chunk := range chunks {
		if i > 0 || len(indexes) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.stopCh:
				return errors.New("stopped during subscribe")
			case <-time.After(t.cfg.SubscribePause):
			}
		}
		if err := t.sendSubscription(conn, chunk, t.cfg.Mode); err != nil {
			return err
		}
		t.log.Info("subscribed batch",
			slog.Int("chunk", i), slog.Int("tokens", len(chunk)),
			slog.String("mode", string(t.cfg.Mode)))
	}
	return nil
}

func (t *Ticker) sendSubscription(conn *websocket.Conn, tokens []uint32, mode Mode) error {
	sub, err := subscribeMessage(tokens)
	if err != nil {
		return err
	}
	if err := t.writeText(conn, sub); err != nil {
		return err
	}
	md, err := modeMessage(mode, tokens)
	if err != nil {
		return err
	}
	return t.writeText(conn, md)
}

// readLoop is the streaming phase: every inbound message refreshes the
// last-message timestamp, binary frames are decoded into events, text
// frames are dispatched as control messages.
func (t *Ticker) readLoop(conn *websocket.Conn) error {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopCh:
				return nil
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		t.touch()

		switch mt {
		case websocket.BinaryMessage:
			t.dispatchBinary(msg)
		case websocket.TextMessage:
			t.handleText(msg)
		}
	}
}

func (t *Ticker) dispatchBinary(msg []byte) {
	events := ParseFrame(msg, t.log)
	if t.OnEvent == nil {
		return
	}
	for _, ev := range events {
		t.OnEvent(ev)
	}
}

func (t *Ticker) handleText(msg []byte) {
	in, err := ParseIncoming(msg)
	if err != nil {
		t.log.Warn("undecodable text message", slog.String("error", err.Error()))
		return
	}
	switch in.Kind {
	case KindOrder:
		if t.OnOrderUpdate != nil {
			t.OnOrderUpdate(*in.Order)
		}
	case KindError:
		t.log.Warn("server error message", slog.String("message", in.Error))
	case KindMessage:
		t.log.Info("server message", slog.String("message", in.Text))
	case KindInstrumentsMeta:
		t.log.Debug("instruments meta",
			slog.Int("count", in.Meta.Count), slog.String("etag", in.Meta.ETag))
	case KindAppCode:
		// Auth context changed server-side; force a refresh before the
		// next connect by marking the current token stale.
		t.log.Info("app_code received, marking credentials stale")
		t.mu.Lock()
		t.creds.IssuedAt = time.Time{}
		t.mu.Unlock()
	case KindUnknown:
		t.log.Debug("unknown postback", slog.String("raw", string(in.Raw)))
	}
}

// heartbeatLoop sends a ping at the configured interval while the
// connection sits idle.
func (t *Ticker) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			if time.Since(t.LastMessageAt()) < t.cfg.HeartbeatInterval {
				continue
			}
			if err := t.writeText(conn, pingMessage()); err != nil {
				t.log.Warn("heartbeat write failed", slog.String("error", err.Error()))
				_ = conn.Close() // unblocks the read loop into the reconnect path
				return
			}
		}
	}
}

// refreshToken obtains a fresh token and swaps the credentials
// atomically. A connect attempt in flight keeps using the snapshot it
// already read.
func (t *Ticker) refreshToken(ctx context.Context) error {
	if t.cfg.Authenticator == nil {
		return errors.New("no authenticator configured")
	}
	creds := t.snapshotCreds()
	token, err := t.cfg.Authenticator.FreshToken(ctx, creds.UserID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.creds.Enctoken = token
	t.creds.IssuedAt = time.Now()
	t.mu.Unlock()
	t.log.Info("token refreshed")
	if t.OnTokenRefresh != nil {
		t.OnTokenRefresh()
	}
	return nil
}

func (t *Ticker) snapshotCreds() Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

// buildURL assembles the connection URL: api key, user id, encoded auth
// token, a millisecond nonce, and fixed client identification fields.
func (t *Ticker) buildURL(creds Credentials) string {
	q := url.Values{}
	q.Set("api_key", creds.APIKey)
	q.Set("user_id", creds.UserID)
	q.Set("enctoken", creds.Enctoken)
	q.Set("uid", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("user-agent", "kite3-web")
	q.Set("version", "3.0.9")

	sep := "?"
	if strings.Contains(t.cfg.URL, "?") {
		sep = "&"
	}
	return t.cfg.URL + sep + q.Encode()
}

func (t *Ticker) writeText(conn *websocket.Conn, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Ticker) setState(s State) { t.state.Store(int32(s)) }

func (t *Ticker) touch() { t.lastMessage.Store(time.Now().UnixNano()) }

func (t *Ticker) stopping(ctx context.Context) bool {
	select {
	case <-t.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// waitReconnect sleeps the reconnect delay, returning false if stopped
// or cancelled meanwhile.
func (t *Ticker) waitReconnect(ctx context.Context) bool {
	select {
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(t.cfg.ReconnectDelay):
		return true
	}
}

func netTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
