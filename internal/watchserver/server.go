// Package watchserver streams mirrored ticks to dashboard clients over
// WebSocket. Each client gets its own SPSC ring buffer: the broadcast
// loop pushes, the client's handler pops, and a slow client overflows
// only its own ring.
package watchserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"kitefeed/internal/model"
	"kitefeed/internal/ringbuf"
)

const (
	defaultRingSize  = 1024
	writeTimeout     = 5 * time.Second
	drainPollBackoff = 50 * time.Millisecond
)

// Config configures the watch server.
type Config struct {
	Addr     string // listen address, e.g. ":9100"
	RingSize int    // per-client buffer (default 1024)
	Logger   *slog.Logger
}

// Server is the tick broadcast HTTP server.
type Server struct {
	cfg Config
	log *slog.Logger
	srv *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}

	// OnClientDrop fires when a client's ring overflows.
	OnClientDrop func()
}

type client struct {
	ring   *ringbuf.Ring
	notify chan struct{} // capacity 1, coalesced wakeups
}

// New builds the server; Start begins listening.
func New(cfg Config) *Server {
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     log,
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start launches the HTTP listener in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("watch server listening", slog.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("watch server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the listener down and disconnects clients.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}

// Run consumes mirrored events and broadcasts them to every connected
// client. Blocks until ctx is cancelled or events is closed.
func (s *Server) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.ring.Push(ev) {
			if s.OnClientDrop != nil {
				s.OnClientDrop()
			}
			continue
		}
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dashboards connect cross-origin
	})
	if err != nil {
		s.log.Warn("watch accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &client{
		ring:   ringbuf.New(s.cfg.RingSize),
		notify: make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		case <-time.After(drainPollBackoff):
			// Periodic drain covers wakeups coalesced away.
		}
		for {
			ev, ok := c.ring.Pop()
			if !ok {
				break
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"clients": s.ClientCount(),
		"time":    time.Now().UTC(),
	})
}
