package signaling

import (
	"sort"
	"time"

	"callrelay/internal/calls"
)

// liveCall is a session plus the relay-side machinery attached to it.
type liveCall struct {
	*calls.Session

	setup SetupStatus

	offerTimer   Timer
	flushTimer   Timer
	flushPending bool

	outbox    []pendingCandidate
	pumpTimer Timer
}

func (lc *liveCall) stopTimers() {
	stopTimer(lc.offerTimer)
	stopTimer(lc.flushTimer)
	stopTimer(lc.pumpTimer)
	lc.offerTimer, lc.flushTimer, lc.pumpTimer = nil, nil, nil
	lc.flushPending = false
	lc.outbox = nil
}

// sessionTable is keyed by call ID. Guarded by the coordinator's lock.
type sessionTable struct {
	byID map[string]*liveCall
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[string]*liveCall)}
}

func (t *sessionTable) get(callID string) *liveCall { return t.byID[callID] }

func (t *sessionTable) put(lc *liveCall) { t.byID[lc.CallID] = lc }

func (t *sessionTable) delete(callID string) { delete(t.byID, callID) }

func (t *sessionTable) len() int { return len(t.byID) }

// activeBetween finds the active session linking a and b, if any.
func (t *sessionTable) activeBetween(a, b string) *liveCall {
	for _, lc := range t.byID {
		if lc.Status.Active() && lc.Between(a, b) {
			return lc
		}
	}
	return nil
}

func (t *sessionTable) involving(userID string) []*liveCall {
	var out []*liveCall
	for _, lc := range t.byID {
		if lc.Involves(userID) {
			out = append(out, lc)
		}
	}
	sortByCreated(out)
	return out
}

func (t *sessionTable) createdBefore(cutoff time.Time) []*liveCall {
	var out []*liveCall
	for _, lc := range t.byID {
		if lc.CreatedAt.Before(cutoff) {
			out = append(out, lc)
		}
	}
	sortByCreated(out)
	return out
}

func (t *sessionTable) all() []*liveCall {
	out := make([]*liveCall, 0, len(t.byID))
	for _, lc := range t.byID {
		out = append(out, lc)
	}
	sortByCreated(out)
	return out
}

func sortByCreated(xs []*liveCall) {
	sort.Slice(xs, func(i, j int) bool {
		if xs[i].CreatedAt.Equal(xs[j].CreatedAt) {
			return xs[i].CallID < xs[j].CallID
		}
		return xs[i].CreatedAt.Before(xs[j].CreatedAt)
	})
}
