package signaling

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ClaimKey identifies one terminal signal that more than one code path may
// try to emit, e.g. "call-ended" from an explicit hangup and from
// disconnect cleanup.
type ClaimKey struct {
	Kind   string
	CallID string
	From   string
	To     string
}

func (k ClaimKey) String() string {
	return strings.Join([]string{k.Kind, k.CallID, k.From, k.To}, "|")
}

// Claims hands out claim tickets. Only the caller that gets true from
// MarkIfAbsent may emit the signal.
type Claims interface {
	MarkIfAbsent(ctx context.Context, key ClaimKey) (bool, error)
	// Sweep drops expired tickets and returns how many were removed.
	Sweep(now time.Time) int
}

// MemoryClaims keeps tickets in process memory.
type MemoryClaims struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

func NewMemoryClaims(ttl time.Duration, now func() time.Time) *MemoryClaims {
	if now == nil {
		now = time.Now
	}
	return &MemoryClaims{ttl: ttl, now: now, entries: make(map[string]time.Time)}
}

func (m *MemoryClaims) MarkIfAbsent(_ context.Context, key ClaimKey) (bool, error) {
	k := key.String()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.entries[k]; ok && now.Sub(at) < m.ttl {
		return false, nil
	}
	m.entries[k] = now
	return true, nil
}

func (m *MemoryClaims) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, at := range m.entries {
		if now.Sub(at) >= m.ttl {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *MemoryClaims) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
