package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.RecordAppend("t", 1)
	r.RecordCommit("t", "ok", 1, time.Millisecond)
	r.RecordMerge("t", "merged", 10, time.Millisecond)
	r.RecordGC("t", 1, 1)
	r.UpdateHead("t", 1, 1, 1)
	r.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func TestRegistryRecords(t *testing.T) {
	r := NewRegistry()

	r.RecordAppend("events", 3)
	r.RecordCommit("events", "ok", 3, 5*time.Millisecond)
	r.RecordMerge("events", "collision", 0, time.Millisecond)
	r.UpdateHead("events", 7, 2, 4096)

	if got := counterValue(t, r.RecordsAppended.WithLabelValues("events")); got != 3 {
		t.Fatalf("expected 3 appended records, got %v", got)
	}
	if got := counterValue(t, r.CommittedRecords.WithLabelValues("events")); got != 3 {
		t.Fatalf("expected 3 committed records, got %v", got)
	}
	if got := counterValue(t, r.MergesTotal.WithLabelValues("events", "collision")); got != 1 {
		t.Fatalf("expected one collision, got %v", got)
	}
	if got := gaugeValue(t, r.HeadGeneration.WithLabelValues("events")); got != 7 {
		t.Fatalf("expected head generation 7, got %v", got)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tabledb_active_chunks") {
		t.Fatalf("metrics output misses tabledb_active_chunks")
	}
}
