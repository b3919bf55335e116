package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_nilMetrics(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Body.String(); !strings.Contains(got, "metrics unavailable") {
		t.Fatalf("expected body to mention metrics unavailable, got %q", got)
	}
}

func TestNilMetrics_methodsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveScan(time.Second, 3)
	m.IncUpload("drain", true)
	m.SetQueueDepth(4)
	m.IncQueueStored(1)
	m.ObserveDrain(2)
	m.SetBackendOnline(true)
	m.IncDiff("changed")
}

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodGet, "/readyz", http.StatusOK, 12*time.Millisecond)
	m.ObserveScan(3*time.Second, 5)
	m.IncUpload("inventory", false)
	m.SetQueueDepth(7)
	m.IncQueueStored(2)
	m.ObserveDrain(1)
	m.SetBackendOnline(true)
	m.IncDiff("changed")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := rr.Body.String()
	for _, want := range []string{
		`agent_http_requests_total{method="GET",path="/readyz",status="200"} 1`,
		"agent_discovery_scans_total 1",
		"agent_discovery_hosts_total 5",
		"agent_discovery_scan_duration_seconds_count 1",
		`agent_uploads_total{outcome="failed",source="inventory"} 1`,
		"agent_upload_queue_depth 7",
		"agent_upload_queue_evicted_total 2",
		"agent_upload_queue_purged_total 1",
		"agent_backend_online 1",
		`agent_snapshot_diffs_total{result="changed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics body; body=%s", want, body)
		}
	}
}
