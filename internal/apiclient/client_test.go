package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"invsync/agent-go/internal/device"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second, ProbeTimeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestPostDevice_SendsSnapshotJSON(t *testing.T) {
	var got device.Snapshot
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/device" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	})

	snap := device.Snapshot{Name: "pc-1", IPAddress: "10.0.0.4", Hardware: device.HardwareInfo{CPUCores: 8}}
	if err := c.PostDevice(context.Background(), snap); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.Name != "pc-1" || got.Hardware.CPUCores != 8 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestPostBatch_SendsArray(t *testing.T) {
	var got []device.Snapshot
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/device/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	})

	err := c.PostBatch(context.Background(), []device.Snapshot{{Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
}

func TestPostDevice_Non2xxIsStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.PostDevice(context.Background(), device.Snapshot{Name: "x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError || se.Body != "boom" {
		t.Fatalf("expected StatusError 500, got %v", err)
	}
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("expected error to match ErrBackendUnreachable")
	}
}

func TestPostDevice_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.PostDevice(context.Background(), device.Snapshot{}); !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("expected ErrBackendUnreachable, got %v", err)
	}
}

func TestPost_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	start := time.Now()
	if err := c.PostDevice(context.Background(), device.Snapshot{}); !errors.Is(err, ErrBackendUnreachable) {
		t.Fatalf("expected ErrBackendUnreachable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestProbe_StatusHandling(t *testing.T) {
	cases := []struct {
		status int
		ok     bool
	}{
		{status: http.StatusOK, ok: true},
		{status: http.StatusNoContent, ok: true},
		{status: http.StatusMethodNotAllowed, ok: true},
		{status: http.StatusNotFound, ok: false},
		{status: http.StatusBadGateway, ok: false},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || r.URL.Path != "/api/device" {
				t.Errorf("unexpected probe %s %s", r.Method, r.URL.Path)
			}
			w.WriteHeader(tc.status)
		})
		err := c.Probe(context.Background())
		if tc.ok && err != nil {
			t.Fatalf("status %d: expected reachable, got %v", tc.status, err)
		}
		if !tc.ok && !errors.Is(err, ErrBackendUnreachable) {
			t.Fatalf("status %d: expected ErrBackendUnreachable, got %v", tc.status, err)
		}
	}
}

func TestNew_ValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://example", "://bad"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
	c, err := New(Config{BaseURL: "http://backend:5000/inventory"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got := c.endpoint(batchPath); got != "http://backend:5000/inventory/api/device/batch" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}
