// Package presence keeps the directory of users with at least one live
// signaling connection.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrOffline = errors.New("presence: recipient offline")

// Handle is one live transport connection. Send must not block.
type Handle interface {
	ID() string
	Send(frame []byte) error
}

// Route delivers to a user rather than to one of their connections.
type Route interface {
	UserID() string
	Send(frame []byte) error
}

type entry struct {
	role    string
	handles map[string]Handle
	order   []string
}

// Registry maps a user to every connection they hold open. A user stays
// routable until their last connection is removed.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*entry
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{users: make(map[string]*entry), log: log}
}

// Register adds a connection and reports whether it is the user's first.
func (r *Registry) Register(userID, role string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		e = &entry{handles: make(map[string]Handle)}
		r.users[userID] = e
	}
	e.role = role
	if _, dup := e.handles[h.ID()]; !dup {
		e.order = append(e.order, h.ID())
	}
	e.handles[h.ID()] = h
	r.log.Info("connection registered", "user_id", userID, "conn_id", h.ID(), "connections", len(e.handles))
	return !ok
}

// Deregister removes one connection and returns how many the user still has.
func (r *Registry) Deregister(userID string, h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		return 0
	}
	if _, ok := e.handles[h.ID()]; ok {
		delete(e.handles, h.ID())
		for i, id := range e.order {
			if id == h.ID() {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
	n := len(e.handles)
	if n == 0 {
		delete(r.users, userID)
	}
	r.log.Info("connection removed", "user_id", userID, "conn_id", h.ID(), "connections", n)
	return n
}

// Resolve returns the user's identity-scoped route. ok is false when the
// user has no live connection; callers treat that as "recipient offline".
func (r *Registry) Resolve(userID string) (Route, bool) {
	if r.CountConnections(userID) == 0 {
		return nil, false
	}
	return userRoute{reg: r, userID: userID}, true
}

func (r *Registry) CountConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[userID]; ok {
		return len(e.handles)
	}
	return 0
}

func (r *Registry) Role(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[userID]; ok {
		return e.role
	}
	return ""
}

// Online returns the sorted ids of every reachable user.
func (r *Registry) Online() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Broadcast sends a frame to every connection and returns the delivered count.
func (r *Registry) Broadcast(frame []byte) int {
	var sent int
	for _, h := range r.allHandles() {
		if err := h.Send(frame); err != nil {
			r.log.Debug("broadcast dropped", "conn_id", h.ID(), "err", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Registry) handlesOf(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.handles[id])
	}
	return out
}

func (r *Registry) allHandles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, e := range r.users {
		for _, id := range e.order {
			out = append(out, e.handles[id])
		}
	}
	return out
}

// userRoute fans a frame out to whatever connections the user holds at send time.
type userRoute struct {
	reg    *Registry
	userID string
}

func (u userRoute) UserID() string { return u.userID }

func (u userRoute) Send(frame []byte) error {
	handles := u.reg.handlesOf(u.userID)
	if len(handles) == 0 {
		return ErrOffline
	}
	var lastErr error
	delivered := 0
	for _, h := range handles {
		if err := h.Send(frame); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return lastErr
	}
	return nil
}
