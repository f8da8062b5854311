package csm

import (
	"time"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// Lifecycle event names used for instrumentation
const (
	EventCallStarted    = "call_started"
	EventCallFinished   = "call_finished"
	EventCallFailed     = "call_failed"
	EventResultConsumed = "result_consumed"
	EventServiceStarted = "service_started"
)

// Tracker translates bid request lifecycle events into metric store updates
// and hands records that became ready to the producer.
type Tracker struct {
	store    *Store
	queue    *SendingQueue
	producer *Producer
	enabled  bool
	metrics  *metrics.Metrics
}

// NewTracker creates a tracker. A disabled tracker ignores every event.
func NewTracker(store *Store, queue *SendingQueue, producer *Producer, enabled bool, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:    store,
		queue:    queue,
		producer: producer,
		enabled:  enabled,
		metrics:  m,
	}
}

// Enabled reports whether events are tracked
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// OnCallStarted records the start of the call covering ids
func (t *Tracker) OnCallStarted(ids []string, requestGroupID string, now time.Time) {
	if !t.enabled {
		return
	}
	t.metrics.RecordLifecycleEvent(EventCallStarted)
	for _, id := range ids {
		t.store.Upsert(id, func(m *Metric) {
			m.markCallStarted(requestGroupID, now)
		})
	}
}

// OnCallFinished records a completed call. Ids missing from outcomes are
// treated as having no result.
func (t *Tracker) OnCallFinished(ids []string, outcomes map[string]Outcome, now time.Time) {
	if !t.enabled {
		return
	}
	t.metrics.RecordLifecycleEvent(EventCallFinished)
	for _, id := range ids {
		outcome := outcomes[id]
		t.store.Upsert(id, func(m *Metric) {
			m.markCallFinished(outcome, now)
		})
	}
	t.producer.FlushReady(t.store)
}

// OnCallFailed records a call that timed out or failed on the network
func (t *Tracker) OnCallFailed(ids []string, isTimeout bool, now time.Time) {
	if !t.enabled {
		return
	}
	t.metrics.RecordLifecycleEvent(EventCallFailed)
	for _, id := range ids {
		t.store.Upsert(id, func(m *Metric) {
			m.markCallFailed(isTimeout, now)
		})
	}
	t.producer.FlushReady(t.store)
}

// OnResultConsumed records that the cached result for id was used, or
// dropped because it expired
func (t *Tracker) OnResultConsumed(id string, isExpired bool, now time.Time) {
	if !t.enabled {
		return
	}
	t.metrics.RecordLifecycleEvent(EventResultConsumed)
	t.store.Upsert(id, func(m *Metric) {
		m.markResultConsumed(isExpired, now)
	})
	t.producer.FlushReady(t.store)
}

// OnServiceStarted moves every stored record to the sending queue. Records
// left over from a previous process can no longer make progress.
func (t *Tracker) OnServiceStarted() {
	if !t.enabled {
		return
	}
	t.metrics.RecordLifecycleEvent(EventServiceStarted)
	moved := t.producer.FlushAll(t.store)
	log := logger.CSM()
	log.Info().
		Int("moved", moved).
		Int("queued", t.queue.Len()).
		Bool("store_durable", t.store.Durable()).
		Bool("queue_durable", t.queue.Durable()).
		Msg("Flushed metric store on startup")
}
