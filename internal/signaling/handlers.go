package signaling

import (
	"context"

	"callrelay/internal/calls"
	"callrelay/internal/signal"

	"github.com/google/uuid"
)

// participantCall resolves the live call an event refers to. Events for
// calls that are gone are expected after teardown and dropped quietly.
func (c *Coordinator) participantCall(ev signal.Event) *liveCall {
	lc := c.sessions.get(ev.CallID)
	if lc == nil {
		c.log.Debug("signal for unknown call", "type", ev.Type, "call_id", ev.CallID, "from", ev.From)
		c.metrics.drop("unknown_call")
		return nil
	}
	if !lc.Involves(ev.From) {
		c.log.Warn("signal from non-participant", "type", ev.Type, "call_id", ev.CallID, "from", ev.From)
		c.metrics.drop("not_participant")
		return nil
	}
	return lc
}

/* ===================== OFFER ===================== */

func (c *Coordinator) onOffer(ev signal.Event) {
	if lc := c.sessions.get(ev.CallID); lc != nil {
		if lc.Between(ev.From, ev.To) {
			// renegotiation
			c.deliver(ev.To, ev)
			return
		}
		c.log.Warn("call id reused by another pair", "call_id", ev.CallID, "from", ev.From, "to", ev.To)
		c.metrics.drop("call_id_conflict")
		c.deliver(ev.From, signal.Notice(signal.TypeUserUnavailable, ev.To, ev.From, ev.CallID, "call-id-conflict"))
		return
	}
	if _, gone := c.tombstones[ev.CallID]; gone {
		c.log.Debug("offer for finished call", "call_id", ev.CallID, "from", ev.From)
		c.metrics.drop("finished_call")
		return
	}

	if _, ok := c.reg.Resolve(ev.To); !ok {
		c.deliver(ev.From, signal.Notice(signal.TypeUserUnavailable, ev.To, ev.From, ev.CallID, "offline"))
		return
	}
	if lc := c.sessions.activeBetween(ev.From, ev.To); lc != nil {
		c.log.Info("offer while pair already in a call", "call_id", ev.CallID, "active_call_id", lc.CallID)
		c.deliver(ev.From, signal.Notice(signal.TypeUserBusy, ev.To, ev.From, ev.CallID, "already-in-call"))
		return
	}
	if len(c.sessions.involving(ev.To)) > 0 {
		c.deliver(ev.From, signal.Notice(signal.TypeUserBusy, ev.To, ev.From, ev.CallID, "busy"))
		return
	}

	now := c.clock.Now()
	lc := &liveCall{
		Session: calls.NewSession(ev.CallID, ev.From, ev.To, calls.ParseKind(ev.CallType), ev.ConversationID, now),
	}
	c.sessions.put(lc)
	c.metrics.setActive(c.sessions.len())
	lc.offerTimer = c.clock.AfterFunc(c.offerTimeout, func() { c.onOfferTimeout(lc) })

	c.log.Info("call ringing", "call_id", lc.CallID, "caller", lc.CallerID, "callee", lc.CalleeID, "call_type", lc.Kind)
	if c.deliver(ev.To, ev) {
		lc.setup.OfferSent = true
	}
}

func (c *Coordinator) onOfferTimeout(lc *liveCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sessions.get(lc.CallID) != lc || lc.Status != calls.StatusRinging {
		return
	}
	lc.offerTimer = nil

	c.finish(lc, calls.StatusMissed, "timeout")
	ctx := context.Background()
	c.emitTerminal(ctx, lc.CallerID, signal.Notice(signal.TypeCallMissed, lc.CalleeID, lc.CallerID, lc.CallID, "timeout"))
	c.emitTerminal(ctx, lc.CalleeID, signal.Notice(signal.TypeCallMissed, lc.CallerID, lc.CalleeID, lc.CallID, "timeout"))
}

/* ===================== ANSWER ===================== */

func (c *Coordinator) onAnswer(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer

	if lc.Status == calls.StatusConnected {
		c.deliver(peer, ev)
		return
	}
	if ev.From != lc.CalleeID {
		c.log.Warn("answer from caller ignored", "call_id", lc.CallID, "from", ev.From)
		c.metrics.drop("answer_from_caller")
		return
	}
	if err := lc.Accept(c.clock.Now()); err != nil {
		c.log.Warn("answer rejected", "call_id", lc.CallID, "status", lc.Status, "err", err)
		return
	}
	stopTimer(lc.offerTimer)
	lc.offerTimer = nil
	lc.setup.AnswerReceived = true
	c.log.Info("call connected", "call_id", lc.CallID, "buffered_candidates", c.ice.Len(lc.CallID))

	c.deliver(peer, ev)

	lc.flushPending = true
	lc.flushTimer = c.clock.AfterFunc(c.flushDelay, func() { c.onFlushDue(lc) })
}

/* ===================== ICE ===================== */

func (c *Coordinator) onFlushDue(lc *liveCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sessions.get(lc.CallID) != lc {
		return
	}
	lc.flushTimer = nil
	lc.flushPending = false
	c.flush(lc, lc.CallerID)
	c.flush(lc, lc.CalleeID)
}

// Flush releases candidates buffered for one participant of a live call and
// returns how many were queued for delivery.
func (c *Coordinator) Flush(callID, to string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc := c.sessions.get(callID)
	if lc == nil || !lc.Involves(to) {
		return 0
	}
	return c.flush(lc, to)
}

// flush leaves the batch in place when the recipient is offline; it is
// retried on request or dropped with the call.
func (c *Coordinator) flush(lc *liveCall, to string) int {
	if !c.ice.Has(lc.CallID, to) {
		return 0
	}
	if _, ok := c.reg.Resolve(to); !ok {
		c.log.Info("flush deferred, recipient offline", "call_id", lc.CallID, "to", to)
		return 0
	}
	items := c.ice.Take(lc.CallID, to)
	c.log.Debug("flushing candidates", "call_id", lc.CallID, "to", to, "count", len(items))
	lc.outbox = append(lc.outbox, items...)
	if lc.pumpTimer == nil {
		c.pumpNext(lc)
	}
	return len(items)
}

// pumpNext delivers the head of the outbox and schedules the rest one
// stagger interval apart.
func (c *Coordinator) pumpNext(lc *liveCall) {
	if len(lc.outbox) == 0 {
		lc.pumpTimer = nil
		return
	}
	next := lc.outbox[0]
	lc.outbox = lc.outbox[1:]
	c.deliver(next.To, next.Event)

	if len(lc.outbox) == 0 {
		lc.pumpTimer = nil
		return
	}
	lc.pumpTimer = c.clock.AfterFunc(c.flushStagger, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.sessions.get(lc.CallID) != lc {
			return
		}
		lc.pumpTimer = nil
		c.pumpNext(lc)
	})
}

// Candidates are held while ringing and until the post-answer flush has
// run, so a recipient always sees them in arrival order.
func (c *Coordinator) onICECandidate(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer

	switch {
	case lc.Status == calls.StatusRinging || lc.flushPending || c.ice.Has(lc.CallID, peer):
		c.ice.Append(lc.CallID, pendingCandidate{To: peer, Event: ev, ArrivedAt: c.clock.Now()})
		c.metrics.buffered()
	case len(lc.outbox) > 0:
		lc.outbox = append(lc.outbox, pendingCandidate{To: peer, Event: ev, ArrivedAt: c.clock.Now()})
	default:
		c.deliver(peer, ev)
	}
}

func (c *Coordinator) onRequestICECandidates(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	c.requestResend(lc, ev.From, peer)
}

// requestResend flushes what is buffered for the requester, or asks the
// other party to send its candidates again when nothing is held.
func (c *Coordinator) requestResend(lc *liveCall, from, to string) {
	if c.ice.Has(lc.CallID, from) {
		if lc.Status == calls.StatusRinging && from == lc.CallerID {
			// the caller must see the answer first
			return
		}
		c.flush(lc, from)
		return
	}
	c.deliver(to, signal.Notice(signal.TypeResendICECandidates, from, to, lc.CallID, ""))
}

/* ===================== TERMINAL ===================== */

func (c *Coordinator) onTerminal(ctx context.Context, ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer

	rejected := ev.Kind() == signal.KindCallRejected && ev.From == lc.CalleeID
	c.finish(lc, lc.Outcome(rejected), ev.Type)
	c.emitTerminal(ctx, peer, ev)
}

/* ===================== IN-CALL ===================== */

func (c *Coordinator) onCallStateUpdate(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer

	if ev.State != "" {
		if st, ok := calls.ParseConnState(ev.State); ok {
			lc.UpdateConn(st)
			if st == calls.ConnConnected {
				lc.setup.ICEComplete = true
			}
		} else {
			c.log.Debug("unknown connection state", "call_id", lc.CallID, "state", ev.State)
		}
	}
	if ev.MediaTracksAdded != nil {
		lc.MediaTracksAdded = *ev.MediaTracksAdded
	}
	c.deliver(peer, ev)

	if lc.Status == calls.StatusConnected && !lc.flushPending {
		c.flush(lc, ev.From)
	}
}

func (c *Coordinator) onConnectionCheck(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer
	lc.setup.ConnectivityVerified = true
	c.deliver(peer, ev)
}

func (c *Coordinator) onMediaToggle(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer
	if ev.Audio != nil {
		lc.AudioMuted = !*ev.Audio
	}
	if ev.Video != nil {
		lc.VideoOff = !*ev.Video
	}
	c.deliver(peer, ev)
}

func (c *Coordinator) onCallReconnect(ev signal.Event) {
	lc := c.participantCall(ev)
	if lc == nil {
		return
	}
	peer, _ := lc.Peer(ev.From)
	ev.To = peer
	lc.UpdateConn(calls.ConnReconnecting)
	c.deliver(peer, ev)
}

/* ===================== PRE-OFFER ===================== */

// Pre-offer is a reachability handshake before any session exists.
func (c *Coordinator) onPreOffer(ev signal.Event) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	if c.deliver(ev.To, ev) {
		return
	}
	n := signal.Notice(signal.TypeUserUnavailable, ev.To, ev.From, ev.CallID, "offline")
	n.CorrelationID = ev.CorrelationID
	c.deliver(ev.From, n)
}
