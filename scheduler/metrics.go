package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the scheduler's and escalation clock's Prometheus counters.
type Metrics struct {
	Claims      prometheus.Counter
	Executions  *prometheus.CounterVec
	Retries     prometheus.Counter
	Escalations prometheus.Counter
}

// NewMetrics registers the counters on reg. A nil reg leaves them
// unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispute_scheduler_claims_total",
			Help: "Proposals claimed for execution.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispute_scheduler_executions_total",
			Help: "Execution attempts by result.",
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispute_scheduler_retries_total",
			Help: "Transient execution failures scheduled for retry.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispute_escalations_total",
			Help: "Escalation level increases across all disputes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Claims, m.Executions, m.Retries, m.Escalations)
	}
	return m
}
