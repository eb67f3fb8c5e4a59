package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Calls counts call lifecycle events of one client. A nil *Calls records nothing.
type Calls struct {
	actions    *prometheus.CounterVec
	notices    *prometheus.CounterVec
	candidates *prometheus.CounterVec
	sessions   prometheus.Gauge
	connected  prometheus.Counter
}

// NewCalls registers the call metrics with reg. Two clients sharing a registry must use
// different self labels.
func NewCalls(reg prometheus.Registerer, self string) *Calls {
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"self": self}, reg))

	return &Calls{
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_actions_total",
			Help: "Total number of call actions by action and result",
		}, []string{"action", "result"}),

		notices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_notices_total",
			Help: "Total number of user-visible call notices by kind",
		}, []string{"kind"}),

		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_candidates_total",
			Help: "Total number of ICE candidates by outcome",
		}, []string{"outcome"}), // "published", "publish_failed", "applied", "buffered", "rejected", "stale"

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_sessions_active",
			Help: "Current number of local call sessions",
		}),

		connected: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_calls_connected_total",
			Help: "Total number of calls that reached the connected state",
		}),
	}
}

func (m *Calls) Action(action string, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.actions.WithLabelValues(action, result).Inc()
}

func (m *Calls) Notice(kind string) {
	if m == nil {
		return
	}

	m.notices.WithLabelValues(kind).Inc()
}

func (m *Calls) Candidate(outcome string) {
	if m == nil {
		return
	}

	m.candidates.WithLabelValues(outcome).Inc()
}

func (m *Calls) SessionOpened() {
	if m == nil {
		return
	}

	m.sessions.Inc()
}

func (m *Calls) SessionClosed() {
	if m == nil {
		return
	}

	m.sessions.Dec()
}

func (m *Calls) Connected() {
	if m == nil {
		return
	}

	m.connected.Inc()
}
