package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callrelay/internal/config"
	"callrelay/internal/presence"
	"callrelay/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeWS struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan []byte, 32), done: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, b, nil
	case <-f.done:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeWS) WriteMessage(mt int, data []byte) error {
	if mt != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWS) SetReadLimit(int64) {}

func (f *fakeWS) SetReadDeadline(time.Time) error { return nil }

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) SetPongHandler(func(string) error) {}

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeWS) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

type fakeDispatcher struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	handled      []signal.Event
}

func (d *fakeDispatcher) Connect(userID, role string, h presence.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, userID+":"+role)
}

func (d *fakeDispatcher) Disconnect(_ context.Context, userID string, h presence.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, userID)
}

func (d *fakeDispatcher) Handle(_ context.Context, ev signal.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handled = append(d.handled, ev)
}

func (d *fakeDispatcher) handledCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handled)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_WelcomesDispatchesAndDisconnects(t *testing.T) {
	d := &fakeDispatcher{}
	ice := ICEServers(config.ICEConfig{STUNURLs: []string{"stun:stun.l.google.com:19302"}})
	s := NewServer(context.Background(), d, Options{ICEServers: ice, Log: quiet()})
	ws := newFakeWS()

	served := make(chan struct{})
	go func() {
		s.Serve("a", "clinician", ws)
		close(served)
	}()

	waitFor(t, func() bool { return len(ws.frames()) >= 1 })
	var welcome signal.Event
	if err := json.Unmarshal(ws.frames()[0], &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.Type != signal.TypeConnected || welcome.UserID != "a" || len(welcome.ICEServers) != 1 {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}

	ws.in <- []byte(`{"type":"offer","from":"mallory","to":"b","callId":"x","signal":{"sdp":"v=0"}}`)
	ws.in <- []byte(`{"type":"offer"}`)
	ws.in <- []byte(`garbage`)
	waitFor(t, func() bool { return d.handledCount() == 1 })
	close(ws.in)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.connected) != 1 || d.connected[0] != "a:clinician" {
		t.Fatalf("unexpected connects: %v", d.connected)
	}
	if len(d.handled) != 1 || d.handled[0].From != "a" {
		t.Fatalf("expected one offer stamped from a, got %+v", d.handled)
	}
	if len(d.disconnected) != 1 || d.disconnected[0] != "a" {
		t.Fatalf("unexpected disconnects: %v", d.disconnected)
	}
}

func TestServe_RateLimitsInbound(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewServer(context.Background(), d, Options{RateLimit: 1, Log: quiet()})
	ws := newFakeWS()
	for i := 0; i < 20; i++ {
		ws.in <- []byte(`{"type":"typing","to":"b"}`)
	}
	close(ws.in)

	s.Serve("a", "client", ws)
	if n := d.handledCount(); n == 0 || n > 4 {
		t.Fatalf("expected burst-limited handling, got %d", n)
	}
}

func TestServe_ContextCancelClosesConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDispatcher{}
	s := NewServer(ctx, d, Options{Log: quiet()})
	ws := newFakeWS()

	served := make(chan struct{})
	go func() {
		s.Serve("a", "client", ws)
		close(served)
	}()
	waitFor(t, func() bool { return len(ws.frames()) >= 1 })
	cancel()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestConn_SendBackpressureAndClose(t *testing.T) {
	c := newConn("a", newFakeWS(), 1)
	if err := c.Send([]byte("1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send([]byte("2")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", err)
	}
	c.Close()
	c.Close()
	if err := c.Send([]byte("3")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestHandleWS_RequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(context.Background(), &fakeDispatcher{}, Options{Log: quiet()})
	r := gin.New()
	r.GET("/ws", s.HandleWS)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatalf("foreign origin accepted")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatalf("allowed origin rejected")
	}
}

func TestICEServers_IncludesTURNCredentials(t *testing.T) {
	out := ICEServers(config.ICEConfig{
		STUNURLs:       []string{"stun:a"},
		TURNURLs:       []string{"turn:b"},
		TURNUsername:   "u",
		TURNCredential: "p",
	})
	if len(out) != 2 || out[1].Username != "u" {
		t.Fatalf("unexpected servers: %+v", out)
	}
}
