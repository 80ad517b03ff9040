package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/soypete/phraseguard/pkg/banned"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phraseguard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	MechanismEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phraseguard_mechanism_events_total",
			Help: "Banned phrase mechanism transitions by kind",
		},
		[]string{"kind"},
	)

	StepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phraseguard_steps_total",
			Help: "Timesteps processed by the mechanism",
		},
	)

	RewindsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phraseguard_rewinds_total",
			Help: "Steps on which the batch was rewound to an earlier timestep",
		},
	)

	RevertQueueDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phraseguard_revert_queue_depth",
			Help:    "Revert queue length observed after each step",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "phraseguard_active_sessions",
			Help: "Open step server sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		MechanismEventsTotal,
		StepsTotal,
		RewindsTotal,
		RevertQueueDepth,
		ActiveSessions,
	)
}

// Observer counts mechanism events. Register it with banned.WithObserver.
type Observer struct{}

// Observe implements banned.Observer.
func (Observer) Observe(e banned.Event) {
	MechanismEventsTotal.WithLabelValues(string(e.Kind)).Inc()
}

// RecordStep records the outcome of one Process call.
func RecordStep(res *banned.StepResult, queueLen int) {
	StepsTotal.Inc()
	if res.Rewound {
		RewindsTotal.Inc()
	}
	RevertQueueDepth.Observe(float64(queueLen))
}
