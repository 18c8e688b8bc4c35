package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_enqueued_total", Help: "Total jobs enqueued"})
	JobsDispatched  = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_dispatched_total", Help: "Jobs handed to the engine"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_completed_total", Help: "Jobs completed by the engine"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	JobsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_retried_total", Help: "Timeout-triggered requeues"})
	JobsSwept       = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_swept_total", Help: "Stale jobs removed by the sweep"})
	PendingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_jobs_pending", Help: "Jobs waiting for dispatch"})
	ActiveGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_jobs_active", Help: "Jobs currently running on the engine"})
	ActionsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_actions_rejected_total", Help: "Inbound actions rejected at the security boundary"})
	ActionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_actions_accepted_total", Help: "Inbound actions accepted for orchestration"})
	RateLimitHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_rate_limit_rejects_total", Help: "Actions rejected by the rate limiter"})
	AgentDecisions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_agent_decisions_total", Help: "Winning recommendations by agent"}, []string{"agent"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDispatched,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsSwept,
			PendingGauge,
			ActiveGauge,
			ActionsRejected,
			ActionsAccepted,
			RateLimitHits,
			AgentDecisions,
		)
	})
	return promhttp.Handler()
}
