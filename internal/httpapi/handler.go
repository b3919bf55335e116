package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"invsync/agent-go/internal/connectivity"
	"invsync/agent-go/internal/discovery"
	"invsync/agent-go/internal/metrics"
	"invsync/agent-go/internal/reporter"
	"invsync/agent-go/internal/uploadqueue"
)

type Monitor interface {
	Status() connectivity.Status
	IsOnline() bool
	Drain(ctx context.Context) (connectivity.DrainResult, error)
}

type Queue interface {
	List(ctx context.Context) ([]uploadqueue.Record, error)
	Count(ctx context.Context) (int, error)
	Path() string
	Volatile() bool
	Capacity() int
}

type Reporter interface {
	RunInventory(ctx context.Context) (reporter.InventoryReport, error)
	RunDiscovery(ctx context.Context, ranges []string) (reporter.DiscoveryReport, error)
}

type Deps struct {
	Monitor  Monitor
	Queue    Queue
	Reporter Reporter
	Metrics  *metrics.Metrics
}

// Handler serves the agent's local status and control API.
type Handler struct {
	log      zerolog.Logger
	monitor  Monitor
	queue    Queue
	reporter Reporter
	metrics  *metrics.Metrics

	// actionTimeout bounds scan, inventory and drain requests.
	actionTimeout time.Duration
}

func NewHandler(log zerolog.Logger, deps Deps) *Handler {
	return &Handler{
		log:           log,
		monitor:       deps.Monitor,
		queue:         deps.Queue,
		reporter:      deps.Reporter,
		metrics:       deps.Metrics,
		actionTimeout: 10 * time.Minute,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))

		// Health
		r.Get("/healthz", h.handleHealthz)
		r.Get("/readyz", h.handleReadyZ)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

		r.Get("/api/v1/status", h.handleStatus)
		r.Get("/api/v1/queue", h.handleQueue)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(h.actionTimeout))

		r.Post("/api/v1/scan", h.handleScan)
		r.Post("/api/v1/inventory", h.handleInventory)
		r.Post("/api/v1/drain", h.handleDrain)
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		h.metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

// decodeJSONStrict decodes an optional body; an empty body leaves dst untouched.
func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "connectivity monitor not configured", nil)
		return
	}
	if !h.monitor.IsOnline() {
		h.writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "backend not reachable", map[string]any{"state": h.monitor.Status().State})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type queueStatus struct {
	Count    int    `json:"count"`
	Capacity int    `json:"capacity"`
	Path     string `json:"path"`
	Volatile bool   `json:"volatile"`
}

type statusResponse struct {
	Connectivity *connectivity.Status `json:"connectivity,omitempty"`
	Queue        *queueStatus         `json:"queue,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if h.monitor != nil {
		st := h.monitor.Status()
		resp.Connectivity = &st
	}
	if h.queue != nil {
		n, err := h.queue.Count(r.Context())
		if err != nil {
			h.log.Error().Err(err).Msg("count queue failed")
			h.writeError(w, http.StatusInternalServerError, "queue_error", "failed to read upload queue", nil)
			return
		}
		resp.Queue = &queueStatus{
			Count:    n,
			Capacity: h.queue.Capacity(),
			Path:     h.queue.Path(),
			Volatile: h.queue.Volatile(),
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type queuedRecord struct {
	ID            string     `json:"id"`
	Device        string     `json:"device"`
	IPAddress     string     `json:"ipAddress,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "upload queue not configured", nil)
		return
	}
	records, err := h.queue.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list queue failed")
		h.writeError(w, http.StatusInternalServerError, "queue_error", "failed to read upload queue", nil)
		return
	}

	resp := make([]queuedRecord, 0, len(records))
	for _, rec := range records {
		resp = append(resp, queuedRecord{
			ID:            rec.ID,
			Device:        rec.Snapshot.Name,
			IPAddress:     rec.Snapshot.IPAddress,
			CreatedAt:     rec.CreatedAt,
			Attempts:      rec.Attempts,
			LastAttemptAt: rec.LastAttemptAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type scanRequest struct {
	Ranges []string `json:"ranges,omitempty"`
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	for _, rng := range req.Ranges {
		if _, err := discovery.ParseRange(rng); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_range", err.Error(), map[string]any{"range": rng})
			return
		}
	}
	if h.reporter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "reporter_unavailable", "reporter not configured", nil)
		return
	}

	rep, err := h.reporter.RunDiscovery(r.Context(), req.Ranges)
	if err != nil {
		switch {
		case errors.Is(err, discovery.ErrInvalidRange), errors.Is(err, discovery.ErrRangeTooLarge):
			h.writeError(w, http.StatusBadRequest, "invalid_range", err.Error(), nil)
			return
		case errors.Is(err, discovery.ErrProbeUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "probe_unavailable", err.Error(), nil)
			return
		case len(rep.Hosts) == 0:
			h.log.Error().Err(err).Msg("discovery run failed")
			h.writeError(w, http.StatusInternalServerError, "scan_failed", "discovery run failed", map[string]any{"error": err.Error()})
			return
		}
		// Partial results from a canceled or timed-out scan are still reported.
		h.log.Warn().Err(err).Int("hosts", len(rep.Hosts)).Msg("discovery run incomplete")
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleInventory(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "reporter_unavailable", "reporter not configured", nil)
		return
	}
	rep, err := h.reporter.RunInventory(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("inventory run failed")
		h.writeError(w, http.StatusBadGateway, "inventory_failed", "inventory could not be uploaded or queued", map[string]any{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		h.writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "connectivity monitor not configured", nil)
		return
	}
	res, err := h.monitor.Drain(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("manual drain incomplete")
		h.writeError(w, http.StatusInternalServerError, "drain_failed", "drain did not complete", map[string]any{"error": err.Error(), "result": res})
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}
