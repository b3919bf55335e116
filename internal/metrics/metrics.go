package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes agent metrics that are safe to scrape via Prometheus.
// Every method is a no-op on a nil receiver so components can run without metrics.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	scansTotal          prometheus.Counter
	scanDuration        prometheus.Histogram
	hostsDiscovered     prometheus.Counter
	uploadsTotal        *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	queueStored         prometheus.Counter
	queueEvicted        prometheus.Counter
	drainsTotal         prometheus.Counter
	drainPurged         prometheus.Counter
	backendOnline       prometheus.Gauge
	diffsTotal          *prometheus.CounterVec
}

// New creates a fresh registry with all agent metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests processed by the local status API",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agent",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests served by the local status API",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		scansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "discovery_scans_total",
			Help:      "Total number of range scans started",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agent",
			Name:      "discovery_scan_duration_seconds",
			Help:      "Duration of range scans from start to finish",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		hostsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "discovery_hosts_total",
			Help:      "Hosts that answered a probe and had a resolvable MAC",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "uploads_total",
			Help:      "Snapshot uploads by source and outcome",
		}, []string{"source", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Name:      "upload_queue_depth",
			Help:      "Records currently waiting in the upload queue",
		}),
		queueStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "upload_queue_stored_total",
			Help:      "Snapshots stored in the upload queue after a failed upload",
		}),
		queueEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "upload_queue_evicted_total",
			Help:      "Records evicted because the queue was at capacity",
		}),
		drainsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "upload_queue_drains_total",
			Help:      "Queue drain passes executed",
		}),
		drainPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "upload_queue_purged_total",
			Help:      "Records dropped by the retention or attempt ceiling policy",
		}),
		backendOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent",
			Name:      "backend_online",
			Help:      "1 when the last connectivity probe reached the backend",
		}),
		diffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "snapshot_diffs_total",
			Help:      "Snapshot diff invocations by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpRequestDuration,
		m.scansTotal,
		m.scanDuration,
		m.hostsDiscovered,
		m.uploadsTotal,
		m.queueDepth,
		m.queueStored,
		m.queueEvicted,
		m.drainsTotal,
		m.drainPurged,
		m.backendOnline,
		m.diffsTotal,
	)
	return m
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveScan records one finished range scan.
func (m *Metrics) ObserveScan(duration time.Duration, hosts int) {
	if m == nil {
		return
	}
	m.scansTotal.Inc()
	m.scanDuration.Observe(duration.Seconds())
	m.hostsDiscovered.Add(float64(hosts))
}

// IncUpload counts an upload attempt; source is "inventory", "discovery" or "drain".
func (m *Metrics) IncUpload(source string, ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	m.uploadsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) IncQueueStored(evicted int) {
	if m == nil {
		return
	}
	m.queueStored.Inc()
	if evicted > 0 {
		m.queueEvicted.Add(float64(evicted))
	}
}

func (m *Metrics) ObserveDrain(purged int) {
	if m == nil {
		return
	}
	m.drainsTotal.Inc()
	if purged > 0 {
		m.drainPurged.Add(float64(purged))
	}
}

func (m *Metrics) SetBackendOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.backendOnline.Set(1)
		return
	}
	m.backendOnline.Set(0)
}

// IncDiff counts a diff by result: "baseline", "unchanged", "changed" or "coarse".
func (m *Metrics) IncDiff(result string) {
	if m == nil {
		return
	}
	m.diffsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
