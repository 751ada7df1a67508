package signaling

import (
	"testing"
	"time"
)

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	s, err := NewSweeper(h.coord, time.Minute, 20*time.Second, quietLogger())
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	s.Start()
	s.Stop()
}

func TestSweeper_RejectsBadInterval(t *testing.T) {
	h := newHarness(t)
	if _, err := NewSweeper(h.coord, 0, time.Second, quietLogger()); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}
