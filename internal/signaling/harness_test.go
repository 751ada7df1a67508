package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callrelay/internal/history"
	"callrelay/internal/presence"
	"callrelay/internal/signal"
)

var epoch = time.Unix(1700000000, 0).UTC()

type recHandle struct {
	id string

	mu     sync.Mutex
	events []signal.Event
}

func (h *recHandle) ID() string { return h.id }

func (h *recHandle) Send(frame []byte) error {
	var ev signal.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

// got returns received events, ignoring presence broadcasts unless asked.
func (h *recHandle) got(types ...string) []signal.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []signal.Event
	for _, ev := range h.events {
		if len(types) == 0 {
			if ev.Type != signal.TypeOnlineUsers {
				out = append(out, ev)
			}
			continue
		}
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

type harness struct {
	t     *testing.T
	clock *fakeClock
	reg   *presence.Registry
	repo  *history.MemoryRepo
	coord *Coordinator
	conns int
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := newFakeClock(epoch)
	reg := presence.NewRegistry(quietLogger())
	repo := history.NewMemoryRepo()
	opts := Options{
		Registry: reg,
		History:  history.NewService(repo, repo, quietLogger()),
		Clock:    clock,
		Log:      quietLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	coord, err := New(opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &harness{t: t, clock: clock, reg: reg, repo: repo, coord: coord}
}

func (h *harness) connect(userID string) *recHandle {
	h.conns++
	rh := &recHandle{id: fmt.Sprintf("%s-%d", userID, h.conns)}
	h.coord.Connect(userID, "client", rh)
	return rh
}

func (h *harness) send(from, raw string) {
	h.t.Helper()
	ev, err := signal.Parse([]byte(raw), from)
	if err != nil {
		h.t.Fatalf("parse %s: %v", raw, err)
	}
	h.coord.Handle(context.Background(), ev)
}

func (h *harness) records() []history.Record {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Wait(ctx); err != nil {
		h.t.Fatalf("wait for history: %v", err)
	}
	return h.repo.Calls()
}

func (h *harness) offer(from, to, callID string) {
	h.send(from, `{"type":"offer","to":"`+to+`","callId":"`+callID+`","callType":"video","signal":{"type":"offer","sdp":"v=0"}}`)
}

func (h *harness) answer(from, callID string) {
	h.send(from, `{"type":"answer","callId":"`+callID+`","signal":{"type":"answer","sdp":"v=0"}}`)
}

func (h *harness) candidate(from, callID, cand string) {
	h.send(from, `{"type":"ice-candidate","callId":"`+callID+`","signal":{"candidate":"`+cand+`","sdpMid":"0","sdpMLineIndex":0}}`)
}

func candidateOf(t *testing.T, ev signal.Event) string {
	t.Helper()
	c, err := ev.Candidate()
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	return c.Candidate
}
