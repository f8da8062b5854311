package csm

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// queuedEntry is an immutable snapshot of a metric waiting for delivery
type queuedEntry struct {
	metric  Metric
	payload []byte // s2-compressed JSON as stored in the log
	size    int64
}

// SendingQueue is the bounded FIFO of metrics awaiting delivery.
//
// Entries are mirrored to an append-only log so they survive restarts. When
// the accounted size reaches maxBytes, one entry is evicted from the head
// before the next insert. A corrupted log is recreated empty; if the file
// cannot be recreated, or an I/O error hits a later operation and recovery
// fails, the queue keeps running in memory only.
type SendingQueue struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	metrics  *metrics.Metrics
	file     *queueLog // nil when running in memory
	log      zerolog.Logger
	entries  []queuedEntry
	total    int64
	closed   bool
}

// OpenSendingQueue opens the queue backed by the file at path
func OpenSendingQueue(path string, maxBytes int64, m *metrics.Metrics) *SendingQueue {
	q := &SendingQueue{
		path:     path,
		maxBytes: maxBytes,
		metrics:  m,
		log:      logger.CSM().With().Str("path", path).Logger(),
	}

	ql, payloads, err := openQueueLog(path)
	if err == nil {
		var entries []queuedEntry
		entries, err = decodeEntries(payloads)
		if err == nil {
			q.file = ql
			q.setEntries(entries)
		} else {
			ql.close()
		}
	}

	if err != nil {
		q.log.Warn().Err(err).Msg("Sending queue unreadable, recreating")
		q.recreateLocked()
	}

	m.SetQueueDurable(q.file != nil)
	m.SetQueueState(len(q.entries), q.total)
	return q
}

// NewMemorySendingQueue returns a non-durable queue
func NewMemorySendingQueue(maxBytes int64, m *metrics.Metrics) *SendingQueue {
	m.SetQueueDurable(false)
	return &SendingQueue{maxBytes: maxBytes, metrics: m, log: logger.CSM()}
}

// Offer appends a metric at the tail. When the queue is at capacity the
// oldest entry is evicted first. Returns false only if the entry could not
// be stored at all.
func (q *SendingQueue) Offer(m Metric) bool {
	entry, err := newQueuedEntry(m)
	if err != nil {
		q.log.Error().Err(err).Str("impression_id", m.ImpressionID).Msg("Failed to encode queue entry")
		q.metrics.RecordQueueOffer(false)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.metrics.RecordQueueOffer(false)
		return false
	}

	if q.total >= q.maxBytes && len(q.entries) > 0 {
		evicted := q.entries[0]
		q.dropHeadLocked(1)
		q.metrics.RecordQueueEviction()
		q.log.Debug().Str("impression_id", evicted.metric.ImpressionID).Msg("Sending queue full, evicted oldest metric")
	}

	if q.file != nil {
		if err := q.file.append(entry.payload); err != nil {
			q.log.Warn().Err(err).Msg("Failed to append to sending queue")
			q.recoverLocked()
			if q.file != nil {
				if err := q.file.append(entry.payload); err != nil {
					q.fallbackLocked(err)
				}
			}
		}
	}

	q.entries = append(q.entries, entry)
	q.total += entry.size
	q.metrics.RecordQueueOffer(true)
	q.metrics.SetQueueState(len(q.entries), q.total)
	return true
}

// Poll removes and returns up to maxCount entries from the head, oldest first.
// It never blocks waiting for entries.
func (q *SendingQueue) Poll(maxCount int) []Metric {
	if maxCount <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.entries) == 0 {
		return nil
	}

	n := maxCount
	if n > len(q.entries) {
		n = len(q.entries)
	}

	out := make([]Metric, n)
	for i := 0; i < n; i++ {
		out[i] = q.entries[i].metric
	}
	q.dropHeadLocked(n)
	q.metrics.SetQueueState(len(q.entries), q.total)
	return out
}

// TotalSizeBytes returns the accounted size of all queued entries
func (q *SendingQueue) TotalSizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Len returns the number of queued entries
func (q *SendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Durable reports whether the queue is still file backed
func (q *SendingQueue) Durable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file != nil
}

// Close releases the backing file. Queued entries stay on disk.
func (q *SendingQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	if q.file != nil {
		err := q.file.close()
		q.file = nil
		return err
	}
	return nil
}

// dropHeadLocked removes n entries from the head and persists the new head
func (q *SendingQueue) dropHeadLocked(n int) {
	var consumed int64
	for i := 0; i < n; i++ {
		consumed += q.entries[i].size
		q.entries[i] = queuedEntry{}
	}
	q.entries = q.entries[n:]
	q.total -= consumed
	if q.total < 0 {
		q.total = 0
	}
	q.maybeShrinkLocked()

	if q.file == nil {
		return
	}
	if err := q.file.consume(consumed, q.livePayloadsLocked()); err != nil {
		q.log.Warn().Err(err).Msg("Failed to persist sending queue head")
		q.recoverLocked()
	}
}

// maybeShrinkLocked compacts the slice when its capacity dwarfs its length
func (q *SendingQueue) maybeShrinkLocked() {
	if cap(q.entries) > 256 && cap(q.entries) > len(q.entries)*4 {
		shrunk := make([]queuedEntry, len(q.entries))
		copy(shrunk, q.entries)
		q.entries = shrunk
	}
}

func (q *SendingQueue) livePayloadsLocked() [][]byte {
	live := make([][]byte, len(q.entries))
	for i, e := range q.entries {
		live[i] = e.payload
	}
	return live
}

// recoverLocked rebuilds the log from the in-memory entries after an I/O
// error, falling back to memory if that fails too.
func (q *SendingQueue) recoverLocked() {
	if q.file == nil {
		return
	}
	err := q.file.rewrite(q.livePayloadsLocked())
	if err == nil {
		return
	}
	q.log.Warn().Err(err).Msg("Failed to rewrite sending queue")
	q.file.close()
	q.file = nil
	q.recreateLocked()
	if q.file == nil {
		return
	}
	for _, e := range q.entries {
		if err := q.file.append(e.payload); err != nil {
			q.fallbackLocked(err)
			return
		}
	}
}

// recreateLocked deletes the backing file and opens a fresh empty log. On
// failure the queue switches to memory.
func (q *SendingQueue) recreateLocked() {
	if q.path == "" {
		q.fallbackLocked(fmt.Errorf("no queue path"))
		return
	}
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		q.log.Warn().Err(err).Msg("Failed to remove sending queue file")
	}
	ql, _, err := openQueueLog(q.path)
	if err != nil {
		q.fallbackLocked(err)
		return
	}
	q.file = ql
}

func (q *SendingQueue) fallbackLocked(cause error) {
	if q.file != nil {
		q.file.close()
		q.file = nil
	}
	q.log.Error().Err(cause).Msg("Sending queue falling back to memory")
	q.metrics.SetQueueDurable(false)
}

func (q *SendingQueue) setEntries(entries []queuedEntry) {
	q.entries = entries
	q.total = 0
	for _, e := range entries {
		q.total += e.size
	}
}

func newQueuedEntry(m Metric) (queuedEntry, error) {
	data, err := encodeMetric(m)
	if err != nil {
		return queuedEntry{}, fmt.Errorf("failed to encode metric: %w", err)
	}
	payload := s2.Encode(nil, data)
	return queuedEntry{metric: m, payload: payload, size: frameSize(payload)}, nil
}

func decodeEntries(payloads [][]byte) ([]queuedEntry, error) {
	entries := make([]queuedEntry, 0, len(payloads))
	for _, payload := range payloads {
		data, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		m, err := decodeMetric(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, queuedEntry{metric: m, payload: payload, size: frameSize(payload)})
	}
	return entries, nil
}
