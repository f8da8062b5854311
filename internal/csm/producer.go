package csm

// Producer moves records from the metric store into the sending queue. Each
// move runs inside Store.Relocate, so a record is always in exactly one of
// the two places.
type Producer struct {
	queue *SendingQueue
}

// NewProducer creates a producer feeding queue
func NewProducer(queue *SendingQueue) *Producer {
	return &Producer{queue: queue}
}

// FlushReady relocates every ready-to-send record of store into the queue.
// It returns the number of records moved.
func (p *Producer) FlushReady(store *Store) int {
	return p.flush(store, func(m Metric) bool { return m.ReadyToSend() })
}

// FlushAll relocates every record of store regardless of its state
func (p *Producer) FlushAll(store *Store) int {
	return p.flush(store, func(Metric) bool { return true })
}

func (p *Producer) flush(store *Store, eligible func(Metric) bool) int {
	moved := 0
	for _, record := range store.AllRecords() {
		if !eligible(record) {
			continue
		}
		// The record is re-read under its lock; it may have changed since
		// the snapshot was taken.
		if store.Relocate(record.ImpressionID, func(current Metric) bool {
			return eligible(current) && p.queue.Offer(current)
		}) {
			moved++
		}
	}
	return moved
}
