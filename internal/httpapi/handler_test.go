package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"invsync/agent-go/internal/connectivity"
	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/discovery"
	"invsync/agent-go/internal/metrics"
	"invsync/agent-go/internal/reporter"
	"invsync/agent-go/internal/uploadqueue"
)

type fakeMonitor struct {
	online  bool
	drainFn func(ctx context.Context) (connectivity.DrainResult, error)
}

func (f fakeMonitor) Status() connectivity.Status {
	st := connectivity.StateOffline
	if f.online {
		st = connectivity.StateOnline
	}
	return connectivity.Status{State: st.String(), LastProbe: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (f fakeMonitor) IsOnline() bool { return f.online }

func (f fakeMonitor) Drain(ctx context.Context) (connectivity.DrainResult, error) {
	if f.drainFn == nil {
		return connectivity.DrainResult{}, nil
	}
	return f.drainFn(ctx)
}

type fakeQueue struct {
	records []uploadqueue.Record
	err     error
}

func (f fakeQueue) List(context.Context) ([]uploadqueue.Record, error) { return f.records, f.err }
func (f fakeQueue) Count(context.Context) (int, error)                 { return len(f.records), f.err }
func (f fakeQueue) Path() string                                       { return "/tmp/queue.json" }
func (f fakeQueue) Volatile() bool                                     { return true }
func (f fakeQueue) Capacity() int                                      { return 500 }

type fakeReporter struct {
	inventoryFn func(ctx context.Context) (reporter.InventoryReport, error)
	discoveryFn func(ctx context.Context, ranges []string) (reporter.DiscoveryReport, error)
}

func (f fakeReporter) RunInventory(ctx context.Context) (reporter.InventoryReport, error) {
	return f.inventoryFn(ctx)
}

func (f fakeReporter) RunDiscovery(ctx context.Context, ranges []string) (reporter.DiscoveryReport, error) {
	return f.discoveryFn(ctx, ranges)
}

func serve(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	return rr
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{})
	rr := serve(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{})
	if rr := serve(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without monitor, got %d", rr.Code)
	}

	h = NewHandler(zerolog.Nop(), Deps{Monitor: fakeMonitor{online: false}})
	rr := serve(t, h, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable || decodeErrorCode(t, rr) != "backend_unavailable" {
		t.Fatalf("expected backend_unavailable, got %d %s", rr.Code, rr.Body.String())
	}

	h = NewHandler(zerolog.Nop(), Deps{Monitor: fakeMonitor{online: true}})
	if rr := serve(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when online, got %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	q := fakeQueue{records: []uploadqueue.Record{{ID: "a"}, {ID: "b"}}}
	h := NewHandler(zerolog.Nop(), Deps{Monitor: fakeMonitor{online: true}, Queue: q})

	rr := serve(t, h, http.MethodGet, "/api/v1/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Connectivity struct {
			State string `json:"state"`
		} `json:"connectivity"`
		Queue struct {
			Count    int  `json:"count"`
			Capacity int  `json:"capacity"`
			Volatile bool `json:"volatile"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Connectivity.State != "online" || resp.Queue.Count != 2 || resp.Queue.Capacity != 500 || !resp.Queue.Volatile {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestStatus_QueueError(t *testing.T) {
	h := NewHandler(zerolog.Nop(), Deps{Queue: fakeQueue{err: errors.New("boom")}})
	rr := serve(t, h, http.MethodGet, "/api/v1/status", "")
	if rr.Code != http.StatusInternalServerError || decodeErrorCode(t, rr) != "queue_error" {
		t.Fatalf("expected queue_error, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestQueueListing(t *testing.T) {
	created := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	q := fakeQueue{records: []uploadqueue.Record{
		{ID: "r1", Snapshot: device.Snapshot{Name: "ws-1", IPAddress: "10.0.0.1"}, CreatedAt: created, Attempts: 3},
	}}
	h := NewHandler(zerolog.Nop(), Deps{Queue: q})

	rr := serve(t, h, http.MethodGet, "/api/v1/queue", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp []queuedRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "r1" || resp[0].Device != "ws-1" || resp[0].Attempts != 3 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
	if strings.Contains(rr.Body.String(), "hardwareInfo") {
		t.Fatalf("listing should not include full snapshots")
	}
}

func TestScan(t *testing.T) {
	var gotRanges []string
	rep := fakeReporter{discoveryFn: func(_ context.Context, ranges []string) (reporter.DiscoveryReport, error) {
		gotRanges = ranges
		return reporter.DiscoveryReport{Hosts: []device.ScanResult{{IPAddress: "192.168.1.5"}}, Uploaded: 1}, nil
	}}
	h := NewHandler(zerolog.Nop(), Deps{Reporter: rep})

	rr := serve(t, h, http.MethodPost, "/api/v1/scan", `{"ranges":["192.168.1.0/24"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if len(gotRanges) != 1 || gotRanges[0] != "192.168.1.0/24" {
		t.Fatalf("unexpected ranges %v", gotRanges)
	}

	rr = serve(t, h, http.MethodPost, "/api/v1/scan", "")
	if rr.Code != http.StatusOK || gotRanges != nil {
		t.Fatalf("empty body should scan configured ranges, got %d %v", rr.Code, gotRanges)
	}
}

func TestScan_Validation(t *testing.T) {
	called := false
	rep := fakeReporter{discoveryFn: func(context.Context, []string) (reporter.DiscoveryReport, error) {
		called = true
		return reporter.DiscoveryReport{}, nil
	}}
	h := NewHandler(zerolog.Nop(), Deps{Reporter: rep})

	rr := serve(t, h, http.MethodPost, "/api/v1/scan", `{"ranges":["not-a-range"]}`)
	if rr.Code != http.StatusBadRequest || decodeErrorCode(t, rr) != "invalid_range" {
		t.Fatalf("expected invalid_range, got %d %s", rr.Code, rr.Body.String())
	}
	rr = serve(t, h, http.MethodPost, "/api/v1/scan", `{"cidr":"10.0.0.0/24"}`)
	if rr.Code != http.StatusBadRequest || decodeErrorCode(t, rr) != "validation_failed" {
		t.Fatalf("expected validation_failed, got %d %s", rr.Code, rr.Body.String())
	}
	if called {
		t.Fatalf("reporter must not run for invalid requests")
	}
}

func TestScan_Errors(t *testing.T) {
	tests := []struct {
		name   string
		rep    reporter.DiscoveryReport
		err    error
		status int
	}{
		{"too large", reporter.DiscoveryReport{}, fmt.Errorf("scan: %w", discovery.ErrRangeTooLarge), http.StatusBadRequest},
		{"no probe", reporter.DiscoveryReport{}, discovery.ErrProbeUnavailable, http.StatusServiceUnavailable},
		{"failed", reporter.DiscoveryReport{}, errors.New("interfaces unavailable"), http.StatusInternalServerError},
		{"partial", reporter.DiscoveryReport{Hosts: []device.ScanResult{{IPAddress: "10.0.0.9"}}}, context.DeadlineExceeded, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := fakeReporter{discoveryFn: func(context.Context, []string) (reporter.DiscoveryReport, error) {
				return tt.rep, tt.err
			}}
			h := NewHandler(zerolog.Nop(), Deps{Reporter: rep})
			if rr := serve(t, h, http.MethodPost, "/api/v1/scan", ""); rr.Code != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestInventory(t *testing.T) {
	rep := fakeReporter{inventoryFn: func(context.Context) (reporter.InventoryReport, error) {
		return reporter.InventoryReport{Uploaded: true, Snapshot: device.Snapshot{Name: "ws-1"}}, nil
	}}
	h := NewHandler(zerolog.Nop(), Deps{Reporter: rep})
	if rr := serve(t, h, http.MethodPost, "/api/v1/inventory", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rep.inventoryFn = func(context.Context) (reporter.InventoryReport, error) {
		return reporter.InventoryReport{}, uploadqueue.ErrStorageUnwritable
	}
	h = NewHandler(zerolog.Nop(), Deps{Reporter: rep})
	rr := serve(t, h, http.MethodPost, "/api/v1/inventory", "")
	if rr.Code != http.StatusBadGateway || decodeErrorCode(t, rr) != "inventory_failed" {
		t.Fatalf("expected inventory_failed, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestDrain(t *testing.T) {
	mon := fakeMonitor{online: true, drainFn: func(context.Context) (connectivity.DrainResult, error) {
		return connectivity.DrainResult{Attempted: 3, Uploaded: 2, Failed: 1}, nil
	}}
	h := NewHandler(zerolog.Nop(), Deps{Monitor: mon})

	rr := serve(t, h, http.MethodPost, "/api/v1/drain", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res connectivity.DrainResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Uploaded != 2 || res.Failed != 1 {
		t.Fatalf("unexpected drain result %+v", res)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := NewHandler(zerolog.Nop(), Deps{Metrics: m})

	_ = serve(t, h, http.MethodGet, "/healthz", "")
	rr := serve(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `agent_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", rr.Body.String())
	}

	h = NewHandler(zerolog.Nop(), Deps{})
	if rr := serve(t, h, http.MethodGet, "/metrics", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without metrics, got %d", rr.Code)
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn", "json")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"service":"agent-go"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
	if ParseLevel("bogus") != zerolog.InfoLevel || ParseLevel("OFF") != zerolog.Disabled {
		t.Fatalf("unexpected level parsing")
	}
}
