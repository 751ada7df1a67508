// Package signaling relays WebRTC call setup between browsers and owns the
// lifecycle of every call session.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/config"
	"callrelay/internal/history"
	"callrelay/internal/presence"
	"callrelay/internal/signal"
)

// Recorder persists the terminal record of a call.
type Recorder interface {
	Record(ctx context.Context, r history.Record) error
}

type Options struct {
	Registry *presence.Registry
	History  Recorder
	Claims   Claims
	Clock    Clock
	Metrics  *Metrics
	Log      *slog.Logger

	OfferTimeout   time.Duration
	FlushDelay     time.Duration
	FlushStagger   time.Duration
	StaleAfter     time.Duration
	PersistTimeout time.Duration
	// TombstoneTTL is how long a finished call id stays inert.
	TombstoneTTL time.Duration
	// ClaimTimeout bounds a claim lookup made under the coordinator lock.
	ClaimTimeout time.Duration
}

// OptionsFromConfig fills the timing knobs from configuration.
func OptionsFromConfig(cfg config.SignalingConfig) Options {
	return Options{
		OfferTimeout: cfg.OfferTimeout,
		FlushDelay:   cfg.FlushDelay,
		FlushStagger: cfg.FlushStagger,
		StaleAfter:   cfg.StaleAfter,
		TombstoneTTL: cfg.DedupTTL,
	}
}

// Coordinator is the single owner of call state. Every inbound signal,
// timer callback and disconnect runs under mu, so handlers observe and
// mutate sessions one at a time. History writes run outside the lock.
type Coordinator struct {
	mu sync.Mutex

	reg     *presence.Registry
	history Recorder
	claims  Claims
	clock   Clock
	metrics *Metrics
	log     *slog.Logger

	offerTimeout   time.Duration
	flushDelay     time.Duration
	flushStagger   time.Duration
	staleAfter     time.Duration
	persistTimeout time.Duration
	tombstoneTTL   time.Duration
	claimTimeout   time.Duration

	sessions *sessionTable
	ice      *iceBuffer
	// finished call ids and when they ended
	tombstones map[string]time.Time
	closed     bool

	persistWG sync.WaitGroup
}

func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("signaling: registry required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("signaling: history recorder required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = config.DefaultOfferTimeout
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = config.DefaultFlushDelay
	}
	if opts.FlushStagger <= 0 {
		opts.FlushStagger = config.DefaultFlushStagger
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = config.DefaultStaleAfter
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = config.DefaultDedupTTL
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 250 * time.Millisecond
	}
	if opts.Claims == nil {
		opts.Claims = NewMemoryClaims(config.DefaultDedupTTL, opts.Clock.Now)
	}

	return &Coordinator{
		reg:            opts.Registry,
		history:        opts.History,
		claims:         opts.Claims,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		log:            opts.Log,
		offerTimeout:   opts.OfferTimeout,
		flushDelay:     opts.FlushDelay,
		flushStagger:   opts.FlushStagger,
		staleAfter:     opts.StaleAfter,
		persistTimeout: opts.PersistTimeout,
		tombstoneTTL:   opts.TombstoneTTL,
		claimTimeout:   opts.ClaimTimeout,
		sessions:       newSessionTable(),
		ice:            newICEBuffer(),
		tombstones:     make(map[string]time.Time),
	}, nil
}

// Handle processes one inbound signal. The sender identity in ev.From has
// already been stamped by the transport.
func (c *Coordinator) Handle(ctx context.Context, ev signal.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.metrics.signal(ev.Kind().String())

	switch ev.Kind() {
	case signal.KindOffer:
		c.onOffer(ev)
	case signal.KindAnswer:
		c.onAnswer(ev)
	case signal.KindICECandidate:
		c.onICECandidate(ev)
	case signal.KindCallEnded, signal.KindCallRejected:
		c.onTerminal(ctx, ev)
	case signal.KindCallStateUpdate:
		c.onCallStateUpdate(ev)
	case signal.KindConnectionCheck:
		c.onConnectionCheck(ev)
	case signal.KindMediaToggle:
		c.onMediaToggle(ev)
	case signal.KindCallReconnect:
		c.onCallReconnect(ev)
	case signal.KindRequestICECandidates:
		c.onRequestICECandidates(ev)
	case signal.KindPreOffer:
		c.onPreOffer(ev)
	case signal.KindPreOfferAnswer, signal.KindPassthrough:
		c.deliver(ev.To, ev)
	default:
		c.log.Error("unhandled signal kind", "type", ev.Type)
	}
}

// deliver routes an event to every live connection of a user. Failures are
// logged and counted, never returned to the sender.
func (c *Coordinator) deliver(to string, ev signal.Event) bool {
	route, ok := c.reg.Resolve(to)
	if !ok {
		c.log.Info("recipient offline", "type", ev.Type, "to", to, "call_id", ev.CallID)
		c.metrics.drop("offline")
		return false
	}
	frame, err := ev.Frame()
	if err != nil {
		c.log.Error("encode signal failed", "type", ev.Type, "err", err)
		c.metrics.drop("encode")
		return false
	}
	if err := route.Send(frame); err != nil {
		c.log.Info("deliver failed", "type", ev.Type, "to", to, "call_id", ev.CallID, "err", err)
		c.metrics.drop("send")
		return false
	}
	return true
}

// emitTerminal sends a terminal signal at most once per (kind, call, from, to).
// A claim store error or timeout lets the signal through.
func (c *Coordinator) emitTerminal(ctx context.Context, to string, ev signal.Event) bool {
	key := ClaimKey{Kind: ev.Type, CallID: ev.CallID, From: ev.From, To: to}
	cctx, cancel := context.WithTimeout(ctx, c.claimTimeout)
	fresh, err := c.claims.MarkIfAbsent(cctx, key)
	cancel()
	if err != nil {
		c.log.Warn("claim check failed", "key", key.String(), "err", err)
		fresh = true
	}
	if !fresh {
		c.log.Debug("terminal signal already emitted", "key", key.String())
		c.metrics.suppress()
		return false
	}
	return c.deliver(to, ev)
}

// finish destroys a session and writes its single history record.
func (c *Coordinator) finish(lc *liveCall, status calls.Status, reason string) {
	now := c.clock.Now()
	lc.stopTimers()
	c.sessions.delete(lc.CallID)
	c.tombstones[lc.CallID] = now
	dropped := c.ice.Drop(lc.CallID)

	attrs := []any{
		"call_id", lc.CallID,
		"caller", lc.CallerID,
		"callee", lc.CalleeID,
		"status", status,
		"reason", reason,
	}
	if dropped > 0 {
		attrs = append(attrs, "ice_dropped", dropped)
	}
	if stalled := lc.setup.StalledAt(); stalled != "" && status != calls.StatusEnded {
		attrs = append(attrs, "stalled_at", stalled)
	}
	c.log.Info("call finished", attrs...)

	c.metrics.outcome(string(status))
	c.metrics.setActive(c.sessions.len())

	rec := history.Record{
		CallID:         lc.CallID,
		From:           lc.CallerID,
		To:             lc.CalleeID,
		CallType:       string(lc.Kind),
		Status:         history.Status(status),
		StartedAt:      lc.CreatedAt,
		EndedAt:        now,
		ConversationID: lc.ConversationID,
	}
	if status == calls.StatusEnded {
		rec.DurationSeconds = int(lc.Duration(now) / time.Second)
		rec.StartedAt = *lc.AcceptedAt
	}
	c.persist(rec)
}

// persist writes history off the event loop. Failures are logged only.
func (c *Coordinator) persist(rec history.Record) {
	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		defer func() {
			if p := recover(); p != nil {
				c.log.Error("history write panicked", "call_id", rec.CallID, "panic", p)
				c.metrics.historyFailed()
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
		defer cancel()
		if err := c.history.Record(ctx, rec); err != nil {
			c.log.Error("history write failed", "call_id", rec.CallID, "status", rec.Status, "err", err)
			c.metrics.historyFailed()
		}
	}()
}

// Wait blocks until in-flight history writes complete or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further signals and finishes every live session, telling
// both parties. Call Wait afterwards to flush the history writes.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, lc := range c.sessions.all() {
		c.finish(lc, lc.Outcome(false), "shutdown")
		c.deliver(lc.CallerID, signal.Notice(signal.TypeCallEnded, lc.CalleeID, lc.CallerID, lc.CallID, "shutdown"))
		c.deliver(lc.CalleeID, signal.Notice(signal.TypeCallEnded, lc.CallerID, lc.CalleeID, lc.CallID, "shutdown"))
	}
}

// CallView is a point-in-time copy of a live session for diagnostics.
type CallView struct {
	calls.Session
	CallerRole         string      `json:"caller_role,omitempty"`
	CalleeRole         string      `json:"callee_role,omitempty"`
	Setup              SetupStatus `json:"setup"`
	StalledAt          string      `json:"stalled_at,omitempty"`
	BufferedCandidates int         `json:"buffered_candidates"`
}

func (c *Coordinator) LiveCalls() []CallView {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := c.sessions.all()
	out := make([]CallView, 0, len(all))
	for _, lc := range all {
		out = append(out, CallView{
			Session:            *lc.Session,
			CallerRole:         c.reg.Role(lc.CallerID),
			CalleeRole:         c.reg.Role(lc.CalleeID),
			Setup:              lc.setup,
			StalledAt:          lc.setup.StalledAt(),
			BufferedCandidates: c.ice.Len(lc.CallID) + len(lc.outbox),
		})
	}
	return out
}

// Session returns a copy of a live session.
func (c *Coordinator) Session(callID string) (calls.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc := c.sessions.get(callID)
	if lc == nil {
		return calls.Session{}, false
	}
	return *lc.Session, true
}
