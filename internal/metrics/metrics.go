// Package metrics exposes Prometheus instruments for the attendance engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendance"

// Metrics holds the engine's Prometheus instruments. All methods are safe to
// call on a nil receiver so components can run without instrumentation.
type Metrics struct {
	Events           *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	QueueEnqueued    prometheus.Counter
	QueueAbandoned   prometheus.Counter
	QueueItems       *prometheus.GaugeVec
	Sessions         *prometheus.CounterVec
	Intervals        *prometheus.CounterVec
}

// New registers the instruments with reg. Passing a fresh registry keeps
// tests isolated from the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Raw presence signals by type and dedup outcome.",
		}, []string{"type", "outcome"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Remote delivery attempts by result.",
		}, []string{"result"}),
		QueueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_queue_enqueued_total",
			Help:      "Items added to the durable sync queue.",
		}),
		QueueAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_queue_abandoned_total",
			Help:      "Items flagged as abandoned after a session-end drain.",
		}),
		QueueItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_items",
			Help:      "Items currently held in the sync queue by state.",
		}, []string{"state"}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions.",
		}, []string{"transition"}),
		Intervals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_intervals_total",
			Help:      "Attendance interval transitions.",
		}, []string{"transition"}),
	}
}

// ObserveEvent counts a submitted raw signal.
func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType, outcome).Inc()
}

// ObserveDelivery counts one delivery attempt with result "success" or "failure".
func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(result).Inc()
}

// ObserveEnqueue counts an item entering the sync queue.
func (m *Metrics) ObserveEnqueue() {
	if m == nil {
		return
	}
	m.QueueEnqueued.Inc()
}

// ObserveAbandoned counts items flagged at session end.
func (m *Metrics) ObserveAbandoned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueAbandoned.Add(float64(n))
}

// SetQueueDepth publishes the latest queue status.
func (m *Metrics) SetQueueDepth(pending, retrying, failed, abandoned int) {
	if m == nil {
		return
	}
	m.QueueItems.WithLabelValues("pending").Set(float64(pending))
	m.QueueItems.WithLabelValues("retrying").Set(float64(retrying))
	m.QueueItems.WithLabelValues("failed").Set(float64(failed))
	m.QueueItems.WithLabelValues("abandoned").Set(float64(abandoned))
}

// ObserveSession counts a session transition ("started", "ended").
func (m *Metrics) ObserveSession(transition string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(transition).Inc()
}

// ObserveInterval counts an interval transition ("opened", "closed", "forced_close").
func (m *Metrics) ObserveInterval(transition string) {
	if m == nil {
		return
	}
	m.Intervals.WithLabelValues(transition).Inc()
}
