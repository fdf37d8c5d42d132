package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "api_requests_total",
			Help:      "Count of backend API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "canteen",
			Name:      "api_request_duration_seconds",
			Help:      "Backend API call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "reservation_transitions_total",
			Help:      "Count of reservation attempt state transitions.",
		},
		[]string{"from", "to"},
	)

	lifecycleOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canteen",
			Name:      "reservation_operations_total",
			Help:      "Count of create/activate/cancel operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	density = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "canteen",
			Name:      "density_percent",
			Help:      "Last observed share of used tables per canteen.",
		},
		[]string{"canteen"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(apiRequests, apiDuration, lifecycleTransitions, lifecycleOperations, density)
	})
}

func ObserveAPICall(op, outcome string, seconds float64) {
	apiRequests.WithLabelValues(op, outcome).Inc()
	apiDuration.WithLabelValues(op).Observe(seconds)
}

func IncTransition(from, to string) {
	lifecycleTransitions.WithLabelValues(from, to).Inc()
}

func IncOperation(op, outcome string) {
	lifecycleOperations.WithLabelValues(op, outcome).Inc()
}

func SetDensity(canteenID string, percent float64) {
	density.WithLabelValues(canteenID).Set(percent)
}
