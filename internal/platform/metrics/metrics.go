package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the manager-level Prometheus metrics. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CallbackFailures  *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
}

// New creates and registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smp_manager_operations_total",
			Help: "Manager mutations by entity, operation and outcome",
		}, []string{"entity", "operation", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smp_manager_operation_duration_seconds",
			Help:    "Manager mutation latency including the storage transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity", "operation"}),
		CallbackFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smp_callback_failures_total",
			Help: "Change callbacks that returned an error or panicked",
		}, []string{"entity", "event"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "smp_cache_lookups_total",
			Help: "Service information cache lookups by result",
		}, []string{"result"}),
	}
}

// Outcome values.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeError     = "error"
)

// ObserveOperation records one manager mutation.
func (m *Metrics) ObserveOperation(entity, operation, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(entity, operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(entity, operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddCallbackFailures(entity, event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CallbackFailures.WithLabelValues(entity, event).Add(float64(n))
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
