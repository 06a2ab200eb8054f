package kiteticker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kitefeed/internal/model"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL: url,
		Credentials: Credentials{
			APIKey:   "testkey",
			UserID:   "AB1234",
			Enctoken: "token-0",
			IssuedAt: time.Now(),
		},
		Tokens:           []uint32{408065, 738561},
		ReconnectDelay:   10 * time.Millisecond,
		HandshakeTimeout: 50 * time.Millisecond,
		SubscribePause:   10 * time.Millisecond,
	}
}

// fakeAuth counts refreshes and hands out a fixed token.
type fakeAuth struct {
	calls atomic.Int64
	token string
	err   error
}

func (f *fakeAuth) FreshToken(ctx context.Context, userID string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func TestNew_MissingCredentials(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig, got %v", err)
	}
	_, err = New(Config{Credentials: Credentials{APIKey: "k"}})
	if !errors.Is(err, ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig for missing user id, got %v", err)
	}
}

func TestTicker_FatalOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tk, err := New(testConfig(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}
	err = tk.Run(context.Background())
	if !errors.Is(err, ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig on 400 handshake, got %v", err)
	}
}

func TestTicker_ReconnectsAfterDisconnect(t *testing.T) {
	var reconnects atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close() // drop immediately, forcing the reconnect path
	}))
	defer srv.Close()

	tk, err := New(testConfig(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}
	tk.OnReconnect = func() { reconnects.Add(1) }

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()

	waitFor(t, time.Second, func() bool { return tk.ConnectAttempts() >= 3 })
	tk.Stop()

	if err := <-done; err != nil {
		t.Fatalf("Run returned %v, want nil after Stop", err)
	}
	if reconnects.Load() < 2 {
		t.Errorf("reconnect callback fired %d times, want >= 2", reconnects.Load())
	}
	if tk.State() != StateStopped {
		t.Errorf("state = %v, want stopped", tk.State())
	}
}

func TestTicker_RefreshesTokenOn401(t *testing.T) {
	var freshConnects atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("enctoken") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		freshConnects.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for { // hold the connection open
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	auth := &fakeAuth{token: "fresh"}
	cfg := testConfig(wsURL(srv))
	cfg.Credentials.Enctoken = "stale"
	cfg.Authenticator = auth

	tk, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return freshConnects.Load() >= 1 })
	tk.Stop()
	<-done

	if got := auth.calls.Load(); got != 1 {
		t.Errorf("authenticator called %d times, want exactly 1", got)
	}
}

func TestTicker_RefreshesStaleTokenBeforeConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("enctoken") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	auth := &fakeAuth{token: "fresh"}
	cfg := testConfig(wsURL(srv))
	cfg.Credentials.Enctoken = "" // never issued: refresh must run first
	cfg.Authenticator = auth

	tk, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()

	waitFor(t, 2*time.Second, func() bool { return auth.calls.Load() >= 1 })
	waitFor(t, 2*time.Second, func() bool { return tk.State() == StateStreaming })
	tk.Stop()
	<-done
}

func TestTicker_SendsSubscriptions(t *testing.T) {
	msgCh := make(chan string, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgCh <- string(msg)
		}
	}))
	defer srv.Close()

	tk, err := New(testConfig(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()
	defer func() { tk.Stop(); <-done }()

	// Index subscription in full mode, then the batch subscription.
	expect := []string{
		`{"a":"subscribe","v":[256265,265]}`,
		`{"a":"mode","v":["full",[256265,265]]}`,
		`{"a":"subscribe","v":[408065,738561]}`,
		`{"a":"mode","v":["full",[408065,738561]]}`,
	}
	for i, want := range expect {
		select {
		case got := <-msgCh:
			if got != want {
				t.Errorf("message %d = %s, want %s", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestTicker_DeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Drain subscriptions in the background.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		time.Sleep(200 * time.Millisecond) // let subscribe finish
		conn.WriteMessage(websocket.BinaryMessage,
			frame(packet(testToken, 152075)))
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	tk, err := New(testConfig(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan uint32, 4)
	tk.OnEvent = func(ev model.Event) {
		events <- ev.InstrumentToken()
	}

	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()
	defer func() { tk.Stop(); <-done }()

	select {
	case tok := <-events:
		if tok != testToken {
			t.Errorf("event token = %d, want %d", tok, testToken)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
	if tk.LastMessageAt().IsZero() {
		t.Error("last message time not recorded")
	}
}

func TestTicker_StopIsIdempotent(t *testing.T) {
	tk, err := New(testConfig("ws://127.0.0.1:1/"))
	if err != nil {
		t.Fatal(err)
	}
	tk.Stop()
	tk.Stop()
	if err := tk.Run(context.Background()); err != nil {
		t.Fatalf("Run after Stop = %v, want nil", err)
	}
	if tk.ConnectAttempts() != 0 {
		t.Errorf("attempts = %d, want 0 after pre-Run Stop", tk.ConnectAttempts())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
