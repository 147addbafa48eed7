package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if recordsTotal == nil || badBlocksTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveRecords(t *testing.T) {
	ObserveRecords("metrics-test", "decoded", 3, 120)
	ObserveRecords("metrics-test", "decoded", 0, 0)
	if val := testutil.ToFloat64(recordsTotal.WithLabelValues("metrics-test", "decoded")); val != 3 {
		t.Errorf("Expected 3 records, got %f", val)
	}
	if val := testutil.ToFloat64(recordBytesTotal.WithLabelValues("metrics-test")); val != 120 {
		t.Errorf("Expected 120 bytes, got %f", val)
	}
}

func TestObserveCounters(t *testing.T) {
	ObserveBadBlock("metrics-test")
	ObserveBadBlock("metrics-test")
	ObserveTruncated("metrics-test", 2)
	ObservePartition("metrics-test", "done")
	ObserveCheckpointSave(nil)
	ObserveCheckpointSave(errors.New("disk full"))
	ObserveSinkWrite("metrics-test", nil)
	ObserveBatch("metrics-test", 10*time.Millisecond)
	ObserveThrottle("metrics-test", 5*time.Millisecond)
	ObserveHTTPRequest("GET", "/healthz", 200, time.Millisecond)

	if val := testutil.ToFloat64(badBlocksTotal.WithLabelValues("metrics-test")); val != 2 {
		t.Errorf("Expected 2 bad blocks, got %f", val)
	}
	if val := testutil.ToFloat64(truncatedRecordsTotal.WithLabelValues("metrics-test")); val != 2 {
		t.Errorf("Expected 2 truncated records, got %f", val)
	}
	if val := testutil.ToFloat64(checkpointSavesTotal.WithLabelValues("error")); val < 1 {
		t.Errorf("Expected a failed checkpoint save, got %f", val)
	}
	if val := testutil.ToFloat64(sinkWritesTotal.WithLabelValues("metrics-test", "ok")); val != 1 {
		t.Errorf("Expected 1 sink write, got %f", val)
	}
}

func TestHandler(t *testing.T) {
	ObservePartition("handler-test", "done")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bundle_partitions_total") {
		t.Error("metrics output is missing bundle_partitions_total")
	}
}
