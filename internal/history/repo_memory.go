package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryRepo is an in-memory history and thread store for tests and
// deployments without a database.
type MemoryRepo struct {
	mu sync.Mutex

	calls    []Record
	byCallID map[string]struct{}

	Threads  map[string][]string // conversation_id -> participant user ids
	messages []SummaryMessage

	// FailInserts makes InsertCall return an error, to exercise failure paths.
	FailInserts bool
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byCallID: map[string]struct{}{}, Threads: map[string][]string{}}
}

func (r *MemoryRepo) InsertCall(ctx context.Context, rec Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInserts {
		return false, errors.New("memory repo: insert failed")
	}
	if _, ok := r.byCallID[rec.CallID]; ok {
		return false, nil
	}
	r.byCallID[rec.CallID] = struct{}{}
	r.calls = append(r.calls, rec)
	return true, nil
}

func (r *MemoryRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0)
	for _, c := range r.calls {
		if c.From != userID && c.To != userID {
			continue
		}
		if c.StartedAt.Before(from) || !c.StartedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ThreadParticipants(ctx context.Context, conversationID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Threads[conversationID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := make([]string, len(p))
	copy(out, p)
	return out, nil
}

func (r *MemoryRepo) PostSummary(ctx context.Context, m SummaryMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

func (r *MemoryRepo) Calls() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *MemoryRepo) Messages() []SummaryMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SummaryMessage, len(r.messages))
	copy(out, r.messages)
	return out
}
