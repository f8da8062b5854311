package csm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
)

func readyMetric(id string) Metric {
	m := newMetric(id)
	m.markCallStarted("group", at(100))
	m.markCallFinished(OutcomeNoResult, at(150))
	return m
}

func entrySize(t *testing.T, m Metric) int64 {
	t.Helper()
	e, err := newQueuedEntry(m)
	if err != nil {
		t.Fatalf("failed to encode entry: %v", err)
	}
	return e.size
}

func ids(entries []Metric) []string {
	out := make([]string, len(entries))
	for i, m := range entries {
		out[i] = m.ImpressionID
	}
	return out
}

func assertIDs(t *testing.T, got []Metric, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, gotIDs)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, gotIDs)
		}
	}
}

func TestQueueFIFO(t *testing.T) {
	q := OpenSendingQueue(filepath.Join(t.TempDir(), "queue"), 1<<20, nil)
	defer q.Close()

	for i := 1; i <= 5; i++ {
		if !q.Offer(readyMetric(fmt.Sprintf("imp%d", i))) {
			t.Fatalf("offer %d failed", i)
		}
	}

	assertIDs(t, q.Poll(2), "imp1", "imp2")
	assertIDs(t, q.Poll(10), "imp3", "imp4", "imp5")

	if got := q.Poll(1); got != nil {
		t.Errorf("expected nil from empty queue, got %v", ids(got))
	}
	if q.TotalSizeBytes() != 0 {
		t.Errorf("expected empty queue size 0, got %d", q.TotalSizeBytes())
	}
}

func TestQueuePollNonPositive(t *testing.T) {
	q := NewMemorySendingQueue(1<<20, nil)
	q.Offer(readyMetric("imp1"))

	if got := q.Poll(0); got != nil {
		t.Errorf("expected nil for Poll(0), got %v", ids(got))
	}
	if q.Len() != 1 {
		t.Errorf("Poll(0) must not remove entries, got len %d", q.Len())
	}
}

func TestQueueReofferRestoresOrderAtTail(t *testing.T) {
	q := NewMemorySendingQueue(1<<20, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Offer(readyMetric(id))
	}

	polled := q.Poll(2)
	for _, m := range polled {
		q.Offer(m)
	}

	assertIDs(t, q.Poll(10), "c", "d", "a", "b")
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	var capacity int64
	for _, id := range []string{"imp1", "imp2", "imp3"} {
		capacity += entrySize(t, readyMetric(id))
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)

	q := OpenSendingQueue(filepath.Join(t.TempDir(), "queue"), capacity, m)
	defer q.Close()

	for _, id := range []string{"imp1", "imp2", "imp3"} {
		q.Offer(readyMetric(id))
	}
	if q.TotalSizeBytes() != capacity {
		t.Fatalf("expected queue at capacity, got %d of %d", q.TotalSizeBytes(), capacity)
	}

	if !q.Offer(readyMetric("imp4")) {
		t.Fatal("offer at capacity must succeed")
	}

	if q.Len() != 3 {
		t.Errorf("expected exactly one eviction, got len %d", q.Len())
	}
	if got := testutil.ToFloat64(m.QueueEvictions); got != 1 {
		t.Errorf("expected 1 eviction recorded, got %v", got)
	}
	assertIDs(t, q.Poll(10), "imp2", "imp3", "imp4")
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")

	q := OpenSendingQueue(path, 1<<20, nil)
	for i := 1; i <= 4; i++ {
		q.Offer(readyMetric(fmt.Sprintf("imp%d", i)))
	}
	q.Poll(1)
	size := q.TotalSizeBytes()
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened := OpenSendingQueue(path, 1<<20, nil)
	defer reopened.Close()

	if !reopened.Durable() {
		t.Fatal("expected durable queue")
	}
	if reopened.TotalSizeBytes() != size {
		t.Errorf("expected %d bytes after reopen, got %d", size, reopened.TotalSizeBytes())
	}
	got := reopened.Poll(10)
	assertIDs(t, got, "imp2", "imp3", "imp4")
	if got[0].CallEndedAt == nil || !got[0].CallEndedAt.Equal(at(150)) {
		t.Errorf("entry content lost across reopen: %+v", got[0])
	}
}

func TestQueueTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")

	q := OpenSendingQueue(path, 1<<20, nil)
	q.Offer(readyMetric("imp1"))
	q.Offer(readyMetric("imp2"))
	q.Close()

	// Half a frame header, as left by a crash during append
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x00, 0x4d, 0x46, 0x51, 0x10})
	f.Close()

	reopened := OpenSendingQueue(path, 1<<20, nil)
	defer reopened.Close()

	if !reopened.Durable() {
		t.Fatal("torn tail must not trigger memory fallback")
	}
	reopened.Offer(readyMetric("imp3"))
	assertIDs(t, reopened.Poll(10), "imp1", "imp2", "imp3")
}

func TestQueueRecreatesCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	if err := os.WriteFile(path, []byte("this is not a queue file at all"), 0644); err != nil {
		t.Fatal(err)
	}

	q := OpenSendingQueue(path, 1<<20, nil)
	defer q.Close()

	if !q.Durable() {
		t.Fatal("expected corrupted file to be recreated on disk")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after recreation, got %d", q.Len())
	}

	q.Offer(readyMetric("imp1"))
	assertIDs(t, q.Poll(1), "imp1")
}

func TestQueueRecreatesOnBadChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")

	q := OpenSendingQueue(path, 1<<20, nil)
	q.Offer(readyMetric("imp1"))
	q.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	reopened := OpenSendingQueue(path, 1<<20, nil)
	defer reopened.Close()
	if reopened.Len() != 0 {
		t.Errorf("expected damaged queue to be recreated empty, got %d entries", reopened.Len())
	}
}

func TestQueueFallsBackToMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)

	q := OpenSendingQueue(filepath.Join(blocker, "queue"), 1<<20, m)
	defer q.Close()

	if q.Durable() {
		t.Fatal("expected in-memory fallback")
	}
	if got := testutil.ToFloat64(m.QueueDurable); got != 0 {
		t.Errorf("expected durable gauge 0, got %v", got)
	}

	q.Offer(readyMetric("imp1"))
	q.Offer(readyMetric("imp2"))
	assertIDs(t, q.Poll(5), "imp1", "imp2")
}

func TestQueueDrainTruncatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	q := OpenSendingQueue(path, 1<<20, nil)
	defer q.Close()

	for i := 0; i < 10; i++ {
		q.Offer(readyMetric(fmt.Sprintf("imp%d", i)))
	}
	q.Poll(10)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != logHeaderSize {
		t.Errorf("expected drained file of %d bytes, got %d", logHeaderSize, info.Size())
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := OpenSendingQueue(filepath.Join(t.TempDir(), "queue"), 1<<20, nil)
	q.Offer(readyMetric("imp1"))

	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if q.Offer(readyMetric("imp2")) {
		t.Error("offer after close must fail")
	}
	if got := q.Poll(1); got != nil {
		t.Errorf("poll after close must return nothing, got %v", ids(got))
	}
	if err := q.Close(); err != nil {
		t.Errorf("second close must be a no-op, got %v", err)
	}
}

func TestQueueLogCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")

	l, payloads, err := openQueueLog(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if len(payloads) != 0 {
		t.Fatalf("expected empty log, got %d payloads", len(payloads))
	}

	var all [][]byte
	for i := 0; i < 40; i++ {
		payload := make([]byte, 1024)
		payload[0] = byte(i)
		all = append(all, payload)
		if err := l.append(payload); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	live := all[35:]
	if err := l.consume(35*frameSize(all[0]), live); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	want := int64(logHeaderSize) + 5*frameSize(all[0])
	if l.size() != want {
		t.Errorf("expected compacted size %d, got %d", want, l.size())
	}
	info, _ := os.Stat(path)
	if info.Size() != want {
		t.Errorf("expected file size %d, got %d", want, info.Size())
	}
	if _, err := os.Stat(path + ".compact"); !os.IsNotExist(err) {
		t.Errorf("compaction temp file left behind: %v", err)
	}
	l.close()

	reopened, payloads, err := openQueueLog(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.close()
	if len(payloads) != 5 {
		t.Fatalf("expected 5 live payloads, got %d", len(payloads))
	}
	if payloads[0][0] != 35 {
		t.Errorf("expected first live payload 35, got %d", payloads[0][0])
	}
}

func TestQueueLogSmallConsumeKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")

	l, _, err := openQueueLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.close()

	payload := []byte("payload")
	for i := 0; i < 3; i++ {
		l.append(payload)
	}
	if err := l.consume(frameSize(payload), [][]byte{payload, payload}); err != nil {
		t.Fatal(err)
	}

	if l.readOffset != logHeaderSize+frameSize(payload) {
		t.Errorf("expected read offset to advance, got %d", l.readOffset)
	}
	if l.size() != logHeaderSize+3*frameSize(payload) {
		t.Errorf("small consume must not rewrite, size %d", l.size())
	}
}
