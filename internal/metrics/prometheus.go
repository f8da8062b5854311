// Package metrics provides Prometheus instrumentation for the SDK core
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Lifecycle metrics
	LifecycleEvents *prometheus.CounterVec

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreBytes      prometheus.Gauge

	// Queue metrics
	QueueOffers    *prometheus.CounterVec
	QueueEntries   prometheus.Gauge
	QueueBytes     prometheus.Gauge
	QueueEvictions prometheus.Counter
	QueueDurable   prometheus.Gauge

	// Sender metrics
	BatchesSent *prometheus.CounterVec
	BatchSize   prometheus.Histogram

	// Dedup metrics
	DedupDispatched prometheus.Counter
	DedupMerged     prometheus.Counter
	DedupPending    prometheus.Gauge
	DedupCancelled  prometheus.Counter

	// CDB metrics
	CDBRequests     *prometheus.CounterVec
	CDBLatency      *prometheus.HistogramVec
	CDBCircuitState prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bidsdk"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		LifecycleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csm_lifecycle_events_total",
				Help:      "Bid request lifecycle events observed by the metric tracker",
			},
			[]string{"event"},
		),

		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csm_store_operations_total",
				Help:      "Metric store operations by outcome",
			},
			[]string{"op", "result"},
		),
		StoreBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "csm_store_bytes",
				Help:      "Approximate on-disk size of the metric store",
			},
		),

		QueueOffers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csm_queue_offers_total",
				Help:      "Sending queue offers by outcome",
			},
			[]string{"result"},
		),
		QueueEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "csm_queue_entries",
				Help:      "Entries waiting in the sending queue",
			},
		),
		QueueBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "csm_queue_bytes",
				Help:      "Accounted size of the sending queue in bytes",
			},
		),
		QueueEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csm_queue_evictions_total",
				Help:      "Entries evicted from the head of the sending queue on overflow",
			},
		),
		QueueDurable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "csm_queue_durable",
				Help:      "1 when the sending queue is file backed, 0 after in-memory fallback",
			},
		),

		BatchesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csm_batches_total",
				Help:      "Metric batches sent to the backend by status",
			},
			[]string{"status"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "csm_batch_size",
				Help:      "Number of feedback entries per batch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),

		DedupDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_dispatched_total",
				Help:      "Backend calls dispatched by the request deduplicator",
			},
		),
		DedupMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_merged_keys_total",
				Help:      "Requested keys skipped because a call was already in flight",
			},
		),
		DedupPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dedup_pending_keys",
				Help:      "Keys currently covered by an in-flight call",
			},
		),
		DedupCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_cancelled_total",
				Help:      "In-flight calls cancelled by CancelAll",
			},
		),

		CDBRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cdb_requests_total",
				Help:      "Requests to the bid backend",
			},
			[]string{"endpoint", "status"},
		),
		CDBLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cdb_latency_seconds",
				Help:      "Bid backend latency in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		CDBCircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cdb_circuit_breaker_state",
				Help:      "Backend circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}

	reg.MustRegister(
		m.LifecycleEvents,
		m.StoreOperations,
		m.StoreBytes,
		m.QueueOffers,
		m.QueueEntries,
		m.QueueBytes,
		m.QueueEvictions,
		m.QueueDurable,
		m.BatchesSent,
		m.BatchSize,
		m.DedupDispatched,
		m.DedupMerged,
		m.DedupPending,
		m.DedupCancelled,
		m.CDBRequests,
		m.CDBLatency,
		m.CDBCircuitState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the given gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordLifecycleEvent counts a tracker event
func (m *Metrics) RecordLifecycleEvent(event string) {
	if m == nil {
		return
	}
	m.LifecycleEvents.WithLabelValues(event).Inc()
}

// RecordStoreOp counts a store operation outcome
func (m *Metrics) RecordStoreOp(op, result string) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(op, result).Inc()
}

// SetStoreBytes sets the store size gauge
func (m *Metrics) SetStoreBytes(n int64) {
	if m == nil {
		return
	}
	m.StoreBytes.Set(float64(n))
}

// RecordQueueOffer counts a queue offer outcome
func (m *Metrics) RecordQueueOffer(ok bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	m.QueueOffers.WithLabelValues(result).Inc()
}

// SetQueueState updates the queue gauges
func (m *Metrics) SetQueueState(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.QueueEntries.Set(float64(entries))
	m.QueueBytes.Set(float64(bytes))
}

// RecordQueueEviction counts an overflow eviction
func (m *Metrics) RecordQueueEviction() {
	if m == nil {
		return
	}
	m.QueueEvictions.Inc()
}

// SetQueueDurable records whether the queue is file backed
func (m *Metrics) SetQueueDurable(durable bool) {
	if m == nil {
		return
	}
	if durable {
		m.QueueDurable.Set(1)
	} else {
		m.QueueDurable.Set(0)
	}
}

// RecordBatch records the outcome of a batch send
func (m *Metrics) RecordBatch(size int, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.BatchesSent.WithLabelValues(status).Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordDedupDispatch records a dispatched call and the keys merged into existing calls
func (m *Metrics) RecordDedupDispatch(dispatched bool, merged int) {
	if m == nil {
		return
	}
	if dispatched {
		m.DedupDispatched.Inc()
	}
	if merged > 0 {
		m.DedupMerged.Add(float64(merged))
	}
}

// SetDedupPending sets the pending key gauge
func (m *Metrics) SetDedupPending(n int) {
	if m == nil {
		return
	}
	m.DedupPending.Set(float64(n))
}

// RecordDedupCancelled counts cancelled calls
func (m *Metrics) RecordDedupCancelled(n int) {
	if m == nil {
		return
	}
	m.DedupCancelled.Add(float64(n))
}

// RecordCDBRequest records a backend request
func (m *Metrics) RecordCDBRequest(endpoint, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.CDBRequests.WithLabelValues(endpoint, status).Inc()
	m.CDBLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// SetCDBCircuitState sets the circuit breaker state metric
func (m *Metrics) SetCDBCircuitState(state string) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case "closed":
		value = 0
	case "open":
		value = 1
	case "half-open":
		value = 2
	}
	m.CDBCircuitState.Set(value)
}
