package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/history"
	"callrelay/internal/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func TestOffer_CreatesRingingSessionAndForwards(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")

	got := b.got(signal.TypeOffer)
	if len(got) != 1 {
		t.Fatalf("expected offer delivered to b, got %d", len(got))
	}
	if got[0].From != "a" || got[0].CallID != "x" || len(got[0].Signal) == 0 {
		t.Fatalf("unexpected forwarded offer: %+v", got[0])
	}
	s, ok := h.coord.Session("x")
	if !ok || s.Status != calls.StatusRinging || s.CallerID != "a" || s.CalleeID != "b" {
		t.Fatalf("expected ringing session, got %+v ok=%v", s, ok)
	}
}

func TestOffer_UnresolvableCalleeIsUnavailable(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.offer("a", "ghost", "x")

	if n := len(a.got(signal.TypeUserUnavailable)); n != 1 {
		t.Fatalf("expected user-unavailable, got %d", n)
	}
	if _, ok := h.coord.Session("x"); ok {
		t.Fatalf("no session should exist")
	}
	if n := len(h.records()); n != 0 {
		t.Fatalf("expected no history, got %d", n)
	}
}

func TestOffer_OneActiveSessionPerPair(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.offer("b", "a", "y")

	if n := len(b.got(signal.TypeUserBusy)); n != 1 {
		t.Fatalf("expected user-busy for second offer, got %d", n)
	}
	if _, ok := h.coord.Session("y"); ok {
		t.Fatalf("second session must not be created")
	}
	if n := len(h.coord.LiveCalls()); n != 1 {
		t.Fatalf("expected 1 live call, got %d", n)
	}
}

func TestOffer_CalleeInAnotherCallIsBusy(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	c := h.connect("c")

	h.offer("a", "b", "x")
	h.offer("c", "b", "z")

	got := c.got(signal.TypeUserBusy)
	if len(got) != 1 || got[0].CallID != "z" {
		t.Fatalf("expected user-busy for z, got %+v", got)
	}
}

func TestHappyPath_RecordsDuration(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.clock.Advance(5 * time.Second)
	h.answer("b", "x")
	if n := len(a.got(signal.TypeAnswer)); n != 1 {
		t.Fatalf("expected answer forwarded to a, got %d", n)
	}

	h.clock.Advance(120 * time.Second)
	h.send("a", `{"type":"call-ended","callId":"x"}`)

	recs := h.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Status != history.StatusEnded || r.DurationSeconds != 120 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if r.From != "a" || r.To != "b" || r.CallType != "video" {
		t.Fatalf("unexpected parties: %+v", r)
	}
	if n := len(b.got(signal.TypeCallEnded)); n != 1 {
		t.Fatalf("expected b notified once, got %d", n)
	}
	if _, ok := h.coord.Session("x"); ok {
		t.Fatalf("session should be destroyed")
	}
	if n := h.clock.pending(); n != 0 {
		t.Fatalf("expected no pending timers, got %d", n)
	}
}

func TestTimeout_MarksMissedOnce(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.clock.Advance(45 * time.Second)

	if n := len(a.got(signal.TypeCallMissed)); n != 1 {
		t.Fatalf("expected caller call-missed, got %d", n)
	}
	if n := len(b.got(signal.TypeCallMissed)); n != 1 {
		t.Fatalf("expected callee call-missed, got %d", n)
	}
	h.clock.Advance(time.Minute)
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusMissed || recs[0].DurationSeconds != 0 {
		t.Fatalf("expected one missed record, got %+v", recs)
	}
	if n := len(a.got(signal.TypeCallMissed)); n != 1 {
		t.Fatalf("timeout fired twice")
	}

	h.candidate("b", "x", "late")
	if n := len(a.got(signal.TypeICECandidate)); n != 0 {
		t.Fatalf("candidate for a finished call must be dropped")
	}
}

func TestAnswerJustBeforeTimeoutCancelsIt(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.clock.Advance(44900 * time.Millisecond)
	h.answer("b", "x")
	h.clock.Advance(time.Second)

	if n := len(a.got(signal.TypeCallMissed)); n != 0 {
		t.Fatalf("expected no call-missed, got %d", n)
	}
	s, ok := h.coord.Session("x")
	if !ok || s.Status != calls.StatusConnected {
		t.Fatalf("expected connected session, got %+v", s)
	}
}

func TestAnswerFromCallerIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.answer("a", "x")

	if n := len(b.got(signal.TypeAnswer)); n != 0 {
		t.Fatalf("caller answer must not be forwarded")
	}
	if s, _ := h.coord.Session("x"); s.Status != calls.StatusRinging {
		t.Fatalf("expected still ringing, got %s", s.Status)
	}
}

func TestICE_BufferedThenFlushedInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.candidate("b", "x", "C1")
	h.candidate("b", "x", "C2")
	if n := len(a.got(signal.TypeICECandidate)); n != 0 {
		t.Fatalf("candidates must be held while ringing, got %d", n)
	}

	h.answer("b", "x")
	h.candidate("b", "x", "C3")

	h.clock.Advance(500 * time.Millisecond)
	if n := len(a.got(signal.TypeICECandidate)); n != 1 {
		t.Fatalf("expected first candidate at flush, got %d", n)
	}
	h.clock.Advance(50 * time.Millisecond)
	if n := len(a.got(signal.TypeICECandidate)); n != 2 {
		t.Fatalf("expected staggered second candidate, got %d", n)
	}
	h.clock.Advance(time.Second)

	got := a.got(signal.TypeAnswer, signal.TypeICECandidate)
	if len(got) != 4 || got[0].Type != signal.TypeAnswer {
		t.Fatalf("expected answer then 3 candidates, got %+v", got)
	}
	for i, want := range []string{"C1", "C2", "C3"} {
		if c := candidateOf(t, got[i+1]); c != want {
			t.Fatalf("candidate %d: want %s got %s", i, want, c)
		}
	}

	h.candidate("b", "x", "C4")
	if n := len(a.got(signal.TypeICECandidate)); n != 4 {
		t.Fatalf("expected direct forwarding after flush, got %d", n)
	}
}

func TestICE_CallerCandidatesReachCalleeAfterFlush(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.candidate("a", "x", "A1")
	h.answer("b", "x")
	h.clock.Advance(time.Second)

	got := b.got(signal.TypeICECandidate)
	if len(got) != 1 || candidateOf(t, got[0]) != "A1" || got[0].To != "b" {
		t.Fatalf("expected A1 delivered to b, got %+v", got)
	}
}

func TestRequestICECandidates_AsksPeerWhenNothingHeld(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.clock.Advance(time.Second)
	h.send("b", `{"type":"request-ice-candidates","callId":"x"}`)

	got := a.got(signal.TypeResendICECandidates)
	if len(got) != 1 || got[0].From != "b" {
		t.Fatalf("expected resend request to a, got %+v", got)
	}
}

func TestFlush_ReleasesBufferOnDemand(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.candidate("a", "x", "A1")
	h.candidate("a", "x", "A2")

	if n := h.coord.Flush("x", "b"); n != 2 {
		t.Fatalf("expected 2 flushed, got %d", n)
	}
	h.clock.Advance(time.Second)
	if n := len(b.got(signal.TypeICECandidate)); n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if n := h.coord.Flush("x", "b"); n != 0 {
		t.Fatalf("batch should be gone, got %d", n)
	}
}

func TestRejectWhileRinging(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.send("b", `{"type":"call-rejected","callId":"x"}`)

	if n := len(a.got(signal.TypeCallRejected)); n != 1 {
		t.Fatalf("expected caller told of rejection, got %d", n)
	}
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusRejected {
		t.Fatalf("expected rejected record, got %+v", recs)
	}
}

func TestCallerHangupWhileRingingIsMissed(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.send("a", `{"type":"call-ended","callId":"x"}`)

	if n := len(b.got(signal.TypeCallEnded)); n != 1 {
		t.Fatalf("expected callee notified, got %d", n)
	}
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusMissed {
		t.Fatalf("expected missed record, got %+v", recs)
	}
}

func TestRejectAfterConnectIsEnded(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.clock.Advance(30 * time.Second)
	h.send("b", `{"type":"call-rejected","callId":"x"}`)

	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusEnded || recs[0].DurationSeconds != 30 {
		t.Fatalf("expected ended record of 30s, got %+v", recs)
	}
}

func TestUnknownCallIsNoop(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.send("a", `{"type":"call-ended","callId":"nope"}`)
	h.send("a", `{"type":"answer","callId":"nope","signal":{}}`)
	h.candidate("a", "nope", "C1")

	if len(a.got()) != 0 || len(b.got()) != 0 {
		t.Fatalf("expected no frames for unknown call")
	}
	if n := len(h.records()); n != 0 {
		t.Fatalf("expected no history, got %d", n)
	}
}

func TestSignalFromNonParticipantIsDropped(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")
	h.connect("m")

	h.offer("a", "b", "x")
	h.send("m", `{"type":"call-ended","callId":"x"}`)

	if n := len(b.got(signal.TypeCallEnded)); n != 0 {
		t.Fatalf("outsider must not end the call")
	}
	if _, ok := h.coord.Session("x"); !ok {
		t.Fatalf("session should survive")
	}
}

func TestDisconnectDuringRinging(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.coord.Disconnect(context.Background(), "b", b)

	got := a.got(signal.TypeCallEnded)
	if len(got) != 1 || got[0].Reason != "peer-disconnected" || got[0].From != "b" {
		t.Fatalf("expected peer-disconnected call-ended, got %+v", got)
	}
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusMissed {
		t.Fatalf("expected missed record, got %+v", recs)
	}
	presence := a.got(signal.TypeOnlineUsers)
	last := presence[len(presence)-1]
	if len(last.Users) != 1 || last.Users[0] != "a" {
		t.Fatalf("expected presence list [a], got %v", last.Users)
	}
}

func TestDisconnect_OtherConnectionKeepsCall(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b1 := h.connect("b")
	b2 := h.connect("b")

	h.offer("a", "b", "x")
	if len(b1.got(signal.TypeOffer)) != 1 || len(b2.got(signal.TypeOffer)) != 1 {
		t.Fatalf("offer should reach every connection of b")
	}
	h.coord.Disconnect(context.Background(), "b", b1)

	if _, ok := h.coord.Session("x"); !ok {
		t.Fatalf("call must survive while b has a connection")
	}
	if n := len(a.got(signal.TypeCallEnded)); n != 0 {
		t.Fatalf("no call-ended expected, got %d", n)
	}
}

func TestHangupAndDisconnectRaceProducesOneOutcome(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		a := h.connect("a")
		b := h.connect("b")
		h.offer("a", "b", "x")
		h.answer("b", "x")
		h.clock.Advance(10 * time.Second)

		ev, err := signal.Parse([]byte(`{"type":"call-ended","callId":"x"}`), "a")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.coord.Handle(context.Background(), ev)
		}()
		go func() {
			defer wg.Done()
			h.coord.Disconnect(context.Background(), "a", a)
		}()
		wg.Wait()

		if n := len(b.got(signal.TypeCallEnded)); n != 1 {
			t.Fatalf("iteration %d: expected exactly one call-ended, got %d", i, n)
		}
		recs := h.records()
		if len(recs) != 1 || recs[0].Status != history.StatusEnded {
			t.Fatalf("iteration %d: expected one ended record, got %+v", i, recs)
		}
	}
}

func TestTerminalSignalSuppressedWhenAlreadyClaimed(t *testing.T) {
	claims := NewMemoryClaims(time.Minute, func() time.Time { return epoch })
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, func(o *Options) {
		o.Claims = claims
		o.Metrics = metrics
	})
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	if _, err := claims.MarkIfAbsent(context.Background(), ClaimKey{Kind: signal.TypeCallEnded, CallID: "x", From: "a", To: "b"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	h.send("a", `{"type":"call-ended","callId":"x"}`)

	if n := len(b.got(signal.TypeCallEnded)); n != 0 {
		t.Fatalf("expected suppressed call-ended, got %d", n)
	}
	if v := testutil.ToFloat64(metrics.suppressed); v != 1 {
		t.Fatalf("expected suppressed counter 1, got %v", v)
	}
	if n := len(h.records()); n != 1 {
		t.Fatalf("history is still written once, got %d", n)
	}
}

func TestInCallSignalsUpdateSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.send("a", `{"type":"call-state-update","callId":"x","state":"connected","mediaTracksAdded":true}`)
	h.send("b", `{"type":"connection-check","callId":"x"}`)
	h.send("a", `{"type":"media-toggle","callId":"x","audio":false,"video":true}`)

	s, _ := h.coord.Session("x")
	if s.Conn != calls.ConnConnected || !s.MediaTracksAdded || !s.AudioMuted || s.VideoOff {
		t.Fatalf("unexpected session flags: %+v", s)
	}
	views := h.coord.LiveCalls()
	if len(views) != 1 || views[0].StalledAt != "" {
		t.Fatalf("expected setup complete, got %+v", views)
	}
	if views[0].CallerRole != "client" || views[0].CalleeRole != "client" {
		t.Fatalf("expected participant roles in view, got %+v", views[0])
	}
	if len(b.got(signal.TypeCallStateUpdate)) != 1 || len(a.got(signal.TypeConnectionCheck)) != 1 || len(b.got(signal.TypeMediaToggle)) != 1 {
		t.Fatalf("in-call signals should be forwarded to the peer")
	}

	h.send("b", `{"type":"call-reconnect","callId":"x"}`)
	s, _ = h.coord.Session("x")
	if !s.Reconnecting || s.Conn != calls.ConnReconnecting {
		t.Fatalf("expected reconnecting, got %+v", s)
	}
}

func TestPreOfferGetsCorrelationID(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.send("a", `{"type":"pre-offer","to":"b","callType":"audio"}`)
	got := b.got(signal.TypePreOffer)
	if len(got) != 1 || got[0].CorrelationID == "" {
		t.Fatalf("expected pre-offer with correlation id, got %+v", got)
	}
}

func TestPreOfferToOfflineUser(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")

	h.send("a", `{"type":"pre-offer","to":"ghost","correlationId":"k1"}`)
	got := a.got(signal.TypeUserUnavailable)
	if len(got) != 1 || got[0].CorrelationID != "k1" {
		t.Fatalf("expected user-unavailable with correlation id, got %+v", got)
	}
}

func TestPassthroughRelayedWithoutState(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.send("a", `{"type":"typing","to":"b","conversationId":"c1"}`)
	got := b.got("typing")
	if len(got) != 1 || got[0].From != "a" || got[0].ConversationID != "c1" {
		t.Fatalf("expected typing relayed, got %+v", got)
	}
	if n := len(h.coord.LiveCalls()); n != 0 {
		t.Fatalf("passthrough must not create sessions")
	}
}

func TestSweep_ReclaimsStaleSessionsSilently(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.clock.Advance(2*time.Hour + time.Second)

	res := h.coord.Sweep()
	if res.StaleSessions != 1 {
		t.Fatalf("expected 1 stale session, got %+v", res)
	}
	if len(a.got(signal.TypeCallEnded)) != 0 || len(b.got(signal.TypeCallEnded)) != 0 {
		t.Fatalf("stale reclaim must not notify")
	}
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusEnded {
		t.Fatalf("expected ended record, got %+v", recs)
	}
	if res := h.coord.Sweep(); res.StaleSessions != 0 {
		t.Fatalf("second sweep should find nothing")
	}
}

func TestSweep_KeepsFreshSessions(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.clock.Advance(time.Hour)

	if res := h.coord.Sweep(); res.StaleSessions != 0 {
		t.Fatalf("fresh session reclaimed: %+v", res)
	}
}

func TestClose_StopsTimers(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	h.connect("b")

	h.offer("a", "b", "x")
	h.coord.Close()
	h.clock.Advance(time.Minute)

	if n := len(a.got(signal.TypeCallMissed)); n != 0 {
		t.Fatalf("no timeout after close, got %d", n)
	}
	if n := h.clock.pending(); n != 0 {
		t.Fatalf("expected no pending timers, got %d", n)
	}
}

func TestClose_RecordsLiveCalls(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")
	h.connect("c")
	h.connect("d")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.clock.Advance(30 * time.Second)
	h.offer("c", "d", "y")

	h.coord.Close()
	h.coord.Disconnect(context.Background(), "b", b)
	h.coord.Close()

	got := a.got(signal.TypeCallEnded)
	if len(got) != 1 || got[0].Reason != "shutdown" {
		t.Fatalf("expected one shutdown call-ended to a, got %+v", got)
	}
	if n := len(b.got(signal.TypeCallEnded)); n != 1 {
		t.Fatalf("expected one call-ended to b, got %d", n)
	}

	byID := map[string]history.Record{}
	for _, r := range h.records() {
		byID[r.CallID] = r
	}
	if len(byID) != 2 {
		t.Fatalf("expected a record per live call, got %+v", byID)
	}
	if r := byID["x"]; r.Status != history.StatusEnded || r.DurationSeconds != 30 {
		t.Fatalf("unexpected record for x: %+v", r)
	}
	if r := byID["y"]; r.Status != history.StatusMissed || r.DurationSeconds != 0 {
		t.Fatalf("unexpected record for y: %+v", r)
	}
}

func TestOffer_FinishedCallIDIsInert(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.send("a", `{"type":"call-ended","callId":"x"}`)
	h.offer("a", "b", "x")
	h.clock.Advance(46 * time.Second)

	if _, ok := h.coord.Session("x"); ok {
		t.Fatalf("late offer must not revive a finished call")
	}
	if n := len(b.got(signal.TypeOffer)); n != 1 {
		t.Fatalf("expected one offer at b, got %d", n)
	}
	if n := len(a.got(signal.TypeCallMissed)); n != 0 {
		t.Fatalf("expected no call-missed, got %d", n)
	}
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusEnded {
		t.Fatalf("expected the single ended record, got %+v", recs)
	}

	h.clock.Advance(5 * time.Minute)
	if res := h.coord.Sweep(); res.ExpiredTombstones != 1 {
		t.Fatalf("expected tombstone expired, got %+v", res)
	}
	h.offer("a", "b", "x")
	if _, ok := h.coord.Session("x"); !ok {
		t.Fatalf("call id should be usable once its tombstone expired")
	}
}

func TestOffer_CallIDConflictTellsCaller(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	c := h.connect("c")
	d := h.connect("d")

	h.offer("a", "b", "x")
	h.offer("c", "d", "x")

	got := c.got(signal.TypeUserUnavailable)
	if len(got) != 1 || got[0].Reason != "call-id-conflict" || got[0].CallID != "x" {
		t.Fatalf("expected call-id-conflict for c, got %+v", got)
	}
	if n := len(d.got(signal.TypeOffer)); n != 0 {
		t.Fatalf("conflicting offer must not be forwarded, got %d", n)
	}
	if s, _ := h.coord.Session("x"); s.CallerID != "a" {
		t.Fatalf("original session replaced: %+v", s)
	}
}

func TestHistoryFailureLeavesSignalingIntact(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, func(o *Options) { o.Metrics = metrics })
	h.repo.FailInserts = true
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.answer("b", "x")
	h.send("a", `{"type":"call-ended","callId":"x"}`)

	if _, ok := h.coord.Session("x"); ok {
		t.Fatalf("session must be torn down despite history failure")
	}
	if n := len(b.got(signal.TypeCallEnded)); n != 1 {
		t.Fatalf("expected one call-ended at b, got %d", n)
	}
	if n := len(h.records()); n != 0 {
		t.Fatalf("expected nothing stored, got %d", n)
	}
	if v := testutil.ToFloat64(metrics.historyFailures); v != 1 {
		t.Fatalf("expected history failure counted, got %v", v)
	}

	h.offer("a", "b", "y")
	if n := len(b.got(signal.TypeOffer)); n != 2 {
		t.Fatalf("signaling should keep working, got %d offers", n)
	}
}

// hangingClaims never answers until the caller gives up.
type hangingClaims struct{}

func (hangingClaims) MarkIfAbsent(ctx context.Context, _ ClaimKey) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (hangingClaims) Sweep(time.Time) int { return 0 }

func TestTerminalSignalSentWhenClaimStoreHangs(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Claims = hangingClaims{}
		o.ClaimTimeout = 5 * time.Millisecond
	})
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.send("a", `{"type":"call-ended","callId":"x"}`)

	if n := len(b.got(signal.TypeCallEnded)); n != 1 {
		t.Fatalf("expected call-ended despite claim timeout, got %d", n)
	}
}

func TestCallerDisconnectDuringRinging(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "z")
	h.coord.Disconnect(context.Background(), "a", a)

	if n := len(b.got(signal.TypeCallEnded)); n != 1 {
		t.Fatalf("expected callee notified once, got %d", n)
	}
	recs := h.records()
	if len(recs) != 1 || recs[0].Status != history.StatusMissed || recs[0].DurationSeconds != 0 {
		t.Fatalf("expected missed record, got %+v", recs)
	}
	h.clock.Advance(time.Minute)
	if n := len(b.got(signal.TypeCallMissed)); n != 0 {
		t.Fatalf("offer timer must be cancelled, got %d call-missed", n)
	}
}

func TestFlush_OfflineRecipientKeepsBatch(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	b := h.connect("b")

	h.offer("a", "b", "x")
	h.candidate("b", "x", "C1")
	h.coord.reg.Deregister("b", b)

	if n := h.coord.Flush("x", "a"); n != 1 {
		t.Fatalf("expected flush toward a, got %d", n)
	}
	h.candidate("a", "x", "A1")
	if n := h.coord.Flush("x", "b"); n != 0 {
		t.Fatalf("offline recipient must not be flushed, got %d", n)
	}
	views := h.coord.LiveCalls()
	if len(views) != 1 || views[0].BufferedCandidates != 1 {
		t.Fatalf("expected batch kept for b, got %+v", views)
	}
}
