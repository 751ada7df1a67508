package signaling

import (
	"time"

	"callrelay/internal/signal"
)

type pendingCandidate struct {
	To        string
	Event     signal.Event
	ArrivedAt time.Time
}

// iceBuffer holds candidates that arrived before their recipient could use
// them, in arrival order per call. Guarded by the coordinator's lock.
type iceBuffer struct {
	batches map[string][]pendingCandidate
}

func newICEBuffer() *iceBuffer {
	return &iceBuffer{batches: make(map[string][]pendingCandidate)}
}

func (b *iceBuffer) Append(callID string, c pendingCandidate) {
	b.batches[callID] = append(b.batches[callID], c)
}

// Take removes and returns the candidates addressed to one participant.
// The batch is deleted once nothing is left in it.
func (b *iceBuffer) Take(callID, to string) []pendingCandidate {
	batch := b.batches[callID]
	if len(batch) == 0 {
		return nil
	}
	var out, keep []pendingCandidate
	for _, c := range batch {
		if c.To == to {
			out = append(out, c)
		} else {
			keep = append(keep, c)
		}
	}
	if len(keep) == 0 {
		delete(b.batches, callID)
	} else {
		b.batches[callID] = keep
	}
	return out
}

func (b *iceBuffer) Has(callID, to string) bool {
	for _, c := range b.batches[callID] {
		if c.To == to {
			return true
		}
	}
	return false
}

func (b *iceBuffer) Len(callID string) int { return len(b.batches[callID]) }

// Drop discards a call's batch and returns how many candidates it held.
func (b *iceBuffer) Drop(callID string) int {
	n := len(b.batches[callID])
	delete(b.batches, callID)
	return n
}
