package signaling

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	signals         *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	activeCalls     prometheus.Gauge
	onlineUsers     prometheus.Gauge
	iceBuffered     prometheus.Counter
	suppressed      prometheus.Counter
	historyFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_signals_total",
			Help: "Inbound signals by kind.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_call_outcomes_total",
			Help: "Terminal call outcomes.",
		}, []string{"status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_signals_dropped_total",
			Help: "Signals that were not delivered.",
		}, []string{"reason"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Call sessions currently ringing or connected.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Users with at least one live connection.",
		}),
		iceBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ice_candidates_buffered_total",
			Help: "ICE candidates held for later delivery.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_terminal_signals_suppressed_total",
			Help: "Duplicate terminal signals not re-emitted.",
		}),
		historyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_history_write_failures_total",
			Help: "Call history records that failed to persist.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.signals, m.outcomes, m.dropped, m.activeCalls, m.onlineUsers,
			m.iceBuffered, m.suppressed, m.historyFailures)
	}
	return m
}

func (m *Metrics) signal(kind string) {
	if m != nil {
		m.signals.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) outcome(status string) {
	if m != nil {
		m.outcomes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.activeCalls.Set(float64(n))
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) buffered() {
	if m != nil {
		m.iceBuffered.Inc()
	}
}

func (m *Metrics) suppress() {
	if m != nil {
		m.suppressed.Inc()
	}
}

func (m *Metrics) historyFailed() {
	if m != nil {
		m.historyFailures.Inc()
	}
}
