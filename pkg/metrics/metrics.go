package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SagaMetrics collects the telemetry the saga core reports opaquely: store
// operation cost, breaker transitions and workflow progress.
type SagaMetrics struct {
	StoreOpSeconds     *prometheus.HistogramVec
	StoreRows          *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	WorkflowsStarted   prometheus.Counter
	WorkflowsResumed   *prometheus.CounterVec
	WorkflowRetries    prometheus.Counter
	WorkflowsExhausted prometheus.Counter
	EventsPublished    *prometheus.CounterVec
}

func NewSagaMetrics(service string) *SagaMetrics {
	m := &SagaMetrics{
		StoreOpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "store_op_duration_seconds",
			Help:      "Durable store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StoreRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "store_rows_total",
			Help:      "Rows read and written against the durable store.",
		}, []string{"op"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"pipeline", "to"}),
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "workflows_started_total",
			Help:      "Order workflow executions started.",
		}),
		WorkflowsResumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "workflows_resumed_total",
			Help:      "Workflow executions resumed by outcome.",
		}, []string{"outcome"}),
		WorkflowRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "workflow_retries_total",
			Help:      "Reservation requests re-emitted after the wait window elapsed.",
		}),
		WorkflowsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "workflows_exhausted_total",
			Help:      "Workflow executions that exhausted their retry budget.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Subsystem: service,
			Name:      "events_published_total",
			Help:      "Public events handed to the bus.",
		}, []string{"type"}),
	}

	prometheus.MustRegister(
		m.StoreOpSeconds, m.StoreRows, m.BreakerTransitions,
		m.WorkflowsStarted, m.WorkflowsResumed, m.WorkflowRetries,
		m.WorkflowsExhausted, m.EventsPublished,
	)
	return m
}

// ObserveStoreOp records one store call for the op label. Safe on a nil
// receiver so tests can run without a registry.
func (m *SagaMetrics) ObserveStoreOp(op string, start time.Time, rows int) {
	if m == nil {
		return
	}
	m.StoreOpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.StoreRows.WithLabelValues(op).Add(float64(rows))
}

// BreakerHook adapts the counter to the resilience pipeline's state hook.
func (m *SagaMetrics) BreakerHook() func(name, from, to string) {
	return func(name, _, to string) {
		m.BreakerTransitions.WithLabelValues(name, to).Inc()
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
