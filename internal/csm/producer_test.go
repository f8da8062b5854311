package csm

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestProducerFlushReadyMovesOnlyReadyRecords(t *testing.T) {
	store := NewMemoryStore(1<<20, nil)
	queue := NewMemorySendingQueue(1<<20, nil)
	p := NewProducer(queue)

	store.Upsert("ready", func(m *Metric) { m.markCallFailed(false, at(1)) })
	store.Upsert("pending", func(m *Metric) { m.markCallStarted("", at(1)) })

	if moved := p.FlushReady(store); moved != 1 {
		t.Errorf("expected 1 record moved, got %d", moved)
	}
	if store.Contains("ready") {
		t.Error("ready record still in store")
	}
	if !store.Contains("pending") {
		t.Error("pending record must stay in store")
	}
	assertIDs(t, queue.Poll(10), "ready")
}

func TestProducerFlushAll(t *testing.T) {
	store := NewMemoryStore(1<<20, nil)
	queue := NewMemorySendingQueue(1<<20, nil)
	p := NewProducer(queue)

	store.Upsert("a", func(m *Metric) { m.markCallStarted("", at(1)) })
	store.Upsert("b", func(m *Metric) {})

	if moved := p.FlushAll(store); moved != 2 {
		t.Errorf("expected 2 records moved, got %d", moved)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
	if queue.Len() != 2 {
		t.Errorf("expected 2 queued, got %d", queue.Len())
	}
}

func TestProducerKeepsRecordWhenQueueRejects(t *testing.T) {
	store := NewMemoryStore(1<<20, nil)
	queue := NewMemorySendingQueue(1<<20, nil)
	queue.Close()

	store.Upsert("imp1", func(m *Metric) { m.markCallFailed(true, at(1)) })

	if moved := NewProducer(queue).FlushReady(store); moved != 0 {
		t.Errorf("expected nothing moved, got %d", moved)
	}
	if !store.Contains("imp1") {
		t.Error("record lost when the queue rejected it")
	}
}

// Each id is in exactly one of store and queue at every observation point
func TestProducerNeverDuplicatesOrLoses(t *testing.T) {
	dir := t.TempDir()
	store := OpenStore(filepath.Join(dir, "metrics"), 1<<20, nil)
	queue := OpenSendingQueue(filepath.Join(dir, "queue"), 1<<20, nil)
	defer queue.Close()
	p := NewProducer(queue)

	const n = 30
	for i := 0; i < n; i++ {
		store.Upsert(fmt.Sprintf("imp-%02d", i), func(m *Metric) { m.markCallFailed(false, at(1)) })
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.FlushReady(store)
		}()
	}
	wg.Wait()

	queued := queue.Poll(n * 2)
	if len(queued) != n {
		t.Fatalf("expected %d queued records, got %d", n, len(queued))
	}
	seen := make(map[string]bool)
	for _, m := range queued {
		if seen[m.ImpressionID] {
			t.Errorf("%s queued twice", m.ImpressionID)
		}
		seen[m.ImpressionID] = true
		if store.Contains(m.ImpressionID) {
			t.Errorf("%s present in both store and queue", m.ImpressionID)
		}
	}
}
