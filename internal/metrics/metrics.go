package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for gateway calls.
const (
	OutcomeSuccess  = "success"
	OutcomeFallback = "fallback"
)

// Metrics holds the wizard's Prometheus collectors.
type Metrics struct {
	GatewayRequests   *prometheus.CounterVec
	SessionsBegun     prometheus.Counter
	SectionsAccepted  prometheus.Counter
	SessionsCompleted prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "careguide_gateway_requests_total",
			Help: "Generation service calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		SessionsBegun: factory.NewCounter(prometheus.CounterOpts{
			Name: "careguide_sessions_begun_total",
			Help: "Review sessions that left the landing phase",
		}),
		SectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "careguide_sections_accepted_total",
			Help: "Policy sections accepted by operators",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "careguide_sessions_completed_total",
			Help: "Review sessions that reached the done phase",
		}),
	}
}

// ObserveGateway counts one gateway call. A nil receiver is a no-op.
func (m *Metrics) ObserveGateway(operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFallback
	}
	m.GatewayRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) IncSessionsBegun() {
	if m != nil {
		m.SessionsBegun.Inc()
	}
}

func (m *Metrics) IncSectionsAccepted() {
	if m != nil {
		m.SectionsAccepted.Inc()
	}
}

func (m *Metrics) IncSessionsCompleted() {
	if m != nil {
		m.SessionsCompleted.Inc()
	}
}
