package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for recording operations.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration prometheus.Histogram
	IdempotentReplays prometheus.Counter
	CascadedNodes     prometheus.Counter
}

// New creates and registers the recording metrics.
func New() *Metrics {
	return &Metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_recording_operations_total",
			Help: "Recording operations by action and status",
		}, []string{"action", "status"}),
		OperationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trellis_recording_operation_duration_seconds",
			Help:    "Latency of recording operations end to end",
			Buckets: prometheus.DefBuckets,
		}),
		IdempotentReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trellis_recording_idempotent_replays_total",
			Help: "Operations short-circuited by an idempotency key match",
		}),
		CascadedNodes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trellis_recording_cascaded_nodes_total",
			Help: "Descendant recordings touched by cascade operations",
		}),
	}
}

// ObserveOperation records one operation outcome and its duration.
func (m *Metrics) ObserveOperation(action string, err error, start time.Time) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(action, status).Inc()
	m.OperationDuration.Observe(time.Since(start).Seconds())
}
