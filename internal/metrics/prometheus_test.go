package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// createTestMetrics creates a Metrics instance backed by its own registry
// to avoid conflicts with the global registry across tests
func createTestMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewMetrics("test", registry), registry
}

func TestNewMetricsDefaultNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics("", registry)
	m.RecordQueueEviction()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "bidsdk_csm_queue_evictions_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected metric with default bidsdk namespace")
	}
}

func TestRecordStoreOp(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordStoreOp("upsert", "ok")
	m.RecordStoreOp("upsert", "ok")
	m.RecordStoreOp("upsert", "dropped")

	if got := testutil.ToFloat64(m.StoreOperations.WithLabelValues("upsert", "ok")); got != 2 {
		t.Errorf("expected 2 ok upserts, got %v", got)
	}
	if got := testutil.ToFloat64(m.StoreOperations.WithLabelValues("upsert", "dropped")); got != 1 {
		t.Errorf("expected 1 dropped upsert, got %v", got)
	}
}

func TestQueueGauges(t *testing.T) {
	m, _ := createTestMetrics()

	m.SetQueueState(4, 512)
	m.RecordQueueOffer(true)
	m.RecordQueueOffer(false)
	m.SetQueueDurable(true)

	if got := testutil.ToFloat64(m.QueueEntries); got != 4 {
		t.Errorf("expected 4 entries, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueBytes); got != 512 {
		t.Errorf("expected 512 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueOffers.WithLabelValues("rejected")); got != 1 {
		t.Errorf("expected 1 rejected offer, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDurable); got != 1 {
		t.Errorf("expected durable gauge 1, got %v", got)
	}

	m.SetQueueDurable(false)
	if got := testutil.ToFloat64(m.QueueDurable); got != 0 {
		t.Errorf("expected durable gauge 0 after fallback, got %v", got)
	}
}

func TestRecordBatch(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordBatch(5, true)
	m.RecordBatch(3, false)

	if got := testutil.ToFloat64(m.BatchesSent.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 successful batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.BatchesSent.WithLabelValues("failure")); got != 1 {
		t.Errorf("expected 1 failed batch, got %v", got)
	}
}

func TestDedupMetrics(t *testing.T) {
	m, _ := createTestMetrics()

	m.RecordDedupDispatch(true, 0)
	m.RecordDedupDispatch(false, 2)
	m.SetDedupPending(3)
	m.RecordDedupCancelled(2)

	if got := testutil.ToFloat64(m.DedupDispatched); got != 1 {
		t.Errorf("expected 1 dispatch, got %v", got)
	}
	if got := testutil.ToFloat64(m.DedupMerged); got != 2 {
		t.Errorf("expected 2 merged keys, got %v", got)
	}
	if got := testutil.ToFloat64(m.DedupPending); got != 3 {
		t.Errorf("expected 3 pending keys, got %v", got)
	}
	if got := testutil.ToFloat64(m.DedupCancelled); got != 2 {
		t.Errorf("expected 2 cancelled, got %v", got)
	}
}

func TestSetCDBCircuitState(t *testing.T) {
	m, _ := createTestMetrics()

	tests := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"open", 1},
		{"half-open", 2},
	}

	for _, tt := range tests {
		m.SetCDBCircuitState(tt.state)
		if got := testutil.ToFloat64(m.CDBCircuitState); got != tt.want {
			t.Errorf("state %s: expected %v, got %v", tt.state, tt.want, got)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.RecordLifecycleEvent("call_started")
	m.RecordStoreOp("upsert", "ok")
	m.SetStoreBytes(10)
	m.RecordQueueOffer(true)
	m.SetQueueState(1, 1)
	m.RecordQueueEviction()
	m.SetQueueDurable(true)
	m.RecordBatch(1, true)
	m.RecordDedupDispatch(true, 1)
	m.SetDedupPending(1)
	m.RecordDedupCancelled(1)
	m.RecordCDBRequest("csm", "200", time.Millisecond)
	m.SetCDBCircuitState("open")
}

func TestHandler(t *testing.T) {
	m, registry := createTestMetrics()
	m.RecordCDBRequest("csm", "200", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_cdb_requests_total") {
		t.Error("expected cdb request counter in output")
	}
}
