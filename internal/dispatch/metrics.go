package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_executions_total",
			Help: "Total number of script executions by runtime and terminal status.",
		},
		[]string{"runtime", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scriptbox_execution_duration_seconds",
			Help:    "Script execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	queuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptbox_queued_specs_total",
			Help: "Total number of specs enqueued by priority.",
		},
		[]string{"priority"},
	)

	blockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptbox_blocked_specs_total",
			Help: "Total number of specs refused because a tenant queue was full.",
		},
	)

	requeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptbox_requeued_specs_total",
			Help: "Total number of specs requeued after a container failure.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(queuedTotal)
	prometheus.MustRegister(blockedTotal)
	prometheus.MustRegister(requeuedTotal)
}
