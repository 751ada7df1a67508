package signaling

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the periodic maintenance jobs: the stale-state sweep and the
// presence heartbeat.
type Sweeper struct {
	cron *cron.Cron
	log  *slog.Logger
}

func NewSweeper(c *Coordinator, sweepEvery, heartbeatEvery time.Duration, log *slog.Logger) (*Sweeper, error) {
	if sweepEvery <= 0 || heartbeatEvery <= 0 {
		return nil, fmt.Errorf("sweeper: intervals must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log: log}
	cr := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	if _, err := cr.AddFunc(every(sweepEvery), func() {
		res := c.Sweep()
		if res.ExpiredClaims > 0 || res.ExpiredTombstones > 0 || res.StaleSessions > 0 {
			log.Info("sweep finished",
				"expired_claims", res.ExpiredClaims,
				"expired_tombstones", res.ExpiredTombstones,
				"stale_sessions", res.StaleSessions)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	if _, err := cr.AddFunc(every(heartbeatEvery), func() { c.BroadcastPresence() }); err != nil {
		return nil, fmt.Errorf("schedule presence heartbeat: %w", err)
	}
	return &Sweeper{cron: cr, log: log}, nil
}

func every(d time.Duration) string { return "@every " + d.String() }

func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("sweeper started")
}

// Stop halts scheduling and waits for a running job to return.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
