package signaling

import (
	"context"
	"time"

	"callrelay/internal/presence"
	"callrelay/internal/signal"
)

// Connect registers a connection and announces the user when it is their first.
func (c *Coordinator) Connect(userID, role string, h presence.Handle) {
	if first := c.reg.Register(userID, role, h); first {
		c.BroadcastPresence()
	}
}

// Disconnect removes a connection. When it was the user's last, every call
// they were part of ends implicitly and the peer is told once.
func (c *Coordinator) Disconnect(ctx context.Context, userID string, h presence.Handle) {
	if remaining := c.reg.Deregister(userID, h); remaining > 0 {
		return
	}

	c.mu.Lock()
	if c.closed || c.reg.CountConnections(userID) > 0 {
		// reconnected before we got the lock
		c.mu.Unlock()
		return
	}
	for _, lc := range c.sessions.involving(userID) {
		peer, _ := lc.Peer(userID)
		c.finish(lc, lc.Outcome(false), "peer-disconnected")
		c.emitTerminal(ctx, peer, signal.Notice(signal.TypeCallEnded, userID, peer, lc.CallID, "peer-disconnected"))
	}
	c.mu.Unlock()

	c.BroadcastPresence()
}

// BroadcastPresence sends the online user list to every connection.
func (c *Coordinator) BroadcastPresence() int {
	online := c.reg.Online()
	c.metrics.setOnline(len(online))

	ev := signal.Notice(signal.TypeOnlineUsers, "", "", "", "")
	ev.Users = online
	frame, err := ev.Frame()
	if err != nil {
		c.log.Error("encode presence failed", "err", err)
		return 0
	}
	return c.reg.Broadcast(frame)
}

type SweepResult struct {
	ExpiredClaims     int
	ExpiredTombstones int
	StaleSessions     int
}

// Sweep expires claim tickets and call tombstones and reclaims sessions
// older than the stale threshold. Reclaimed sessions are recorded but nobody
// is notified.
func (c *Coordinator) Sweep() SweepResult {
	now := c.clock.Now()
	res := SweepResult{ExpiredClaims: c.claims.Sweep(now)}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, endedAt := range c.tombstones {
		if now.Sub(endedAt) >= c.tombstoneTTL {
			delete(c.tombstones, id)
			res.ExpiredTombstones++
		}
	}
	for _, lc := range c.sessions.createdBefore(now.Add(-c.staleAfter)) {
		c.log.Warn("reclaiming stale session",
			"call_id", lc.CallID,
			"status", lc.Status,
			"age", now.Sub(lc.CreatedAt).Round(time.Second).String())
		c.finish(lc, lc.Outcome(false), "stale")
		res.StaleSessions++
	}
	return res
}
