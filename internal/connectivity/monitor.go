package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/metrics"
	"invsync/agent-go/internal/uploadqueue"
)

type State int

const (
	StateUnknown State = iota
	StateOffline
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Backend is the slice of the API client the monitor needs.
type Backend interface {
	Probe(ctx context.Context) error
	PostDevice(ctx context.Context, snapshot device.Snapshot) error
}

// Queue is the slice of the upload queue the drain needs.
type Queue interface {
	List(ctx context.Context) ([]uploadqueue.Record, error)
	Remove(ctx context.Context, ids ...string) error
	IncrementAttempt(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Purge(ctx context.Context, olderThan time.Time, maxAttempts int) ([]uploadqueue.Record, error)
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	// UploadDelay separates uploads within a drain; zero means 200ms, negative means none.
	UploadDelay time.Duration
	Retention   time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Uploaded  int `json:"uploaded"`
	Failed    int `json:"failed"`
	Purged    int `json:"purged"`
}

// Monitor probes the backend on an interval and drains the upload queue when it is reachable.
type Monitor struct {
	log         zerolog.Logger
	backend     Backend
	queue       Queue
	interval    time.Duration
	batchSize   int
	uploadDelay time.Duration
	retention   time.Duration
	maxAttempts int
	now         func() time.Time
	metrics     *metrics.Metrics

	// probeMu serializes probes so a manual check and a tick never overlap.
	probeMu sync.Mutex
	drains  singleflight.Group

	mu        sync.RWMutex
	state     State
	lastProbe time.Time
	lastDrain *DrainResult
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(log zerolog.Logger, backend Backend, queue Queue, opts Options, m *metrics.Metrics) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	uploadDelay := opts.UploadDelay
	if uploadDelay == 0 {
		uploadDelay = 200 * time.Millisecond
	}
	if uploadDelay < 0 {
		uploadDelay = 0
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Monitor{
		log:         log,
		backend:     backend,
		queue:       queue,
		interval:    interval,
		batchSize:   batchSize,
		uploadDelay: uploadDelay,
		retention:   retention,
		maxAttempts: maxAttempts,
		now:         now,
		metrics:     m,
	}
}

// Start runs one probe immediately and then one per interval until Stop or ctx is done.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(runCtx)
	}()
}

// run ticks until ctx is done. Each check runs detached from ctx so Stop never
// interrupts a probe or drain halfway; the API client bounds every request.
func (m *Monitor) run(ctx context.Context) {
	checkCtx := context.WithoutCancel(ctx)
	m.CheckNow(checkCtx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(checkCtx)
		}
	}
}

// Stop cancels the timer and waits for the loop to exit, including a check that is
// still running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) IsOnline() bool {
	return m.State() == StateOnline
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status is a point-in-time view for the local status API.
type Status struct {
	State     string       `json:"state"`
	LastProbe time.Time    `json:"lastProbe"`
	LastDrain *DrainResult `json:"lastDrain,omitempty"`
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: m.state.String(), LastProbe: m.lastProbe}
	if m.lastDrain != nil {
		d := *m.lastDrain
		st.LastDrain = &d
	}
	return st
}

// CheckNow probes the backend and updates the state. Coming online drains the queue,
// and so does any online probe that finds queued records.
func (m *Monitor) CheckNow(ctx context.Context) State {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	err := m.backend.Probe(ctx)

	next := StateOnline
	if err != nil {
		next = StateOffline
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.lastProbe = m.now()
	m.mu.Unlock()
	m.metrics.SetBackendOnline(next == StateOnline)

	if prev != next {
		ev := m.log.Info()
		if next == StateOffline {
			ev = m.log.Warn().Err(err)
		}
		ev.Str("from", prev.String()).Str("to", next.String()).Msg("backend connectivity changed")
	}

	if next != StateOnline {
		return next
	}

	if prev != StateOnline {
		m.drainAndLog(ctx)
		return next
	}

	n, err := m.queue.Count(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to count upload queue")
		return next
	}
	if n > 0 {
		m.drainAndLog(ctx)
	}
	return next
}

func (m *Monitor) drainAndLog(ctx context.Context) {
	if _, err := m.Drain(ctx); err != nil {
		m.log.Error().Err(err).Msg("upload queue drain failed")
	}
}

// Drain uploads up to one batch of queued records, oldest first, then applies the
// retention and attempt ceiling. Concurrent callers share the drain already in flight,
// so it runs to completion even when the caller that started it goes away.
func (m *Monitor) Drain(ctx context.Context) (DrainResult, error) {
	drainCtx := context.WithoutCancel(ctx)
	v, err, _ := m.drains.Do("drain", func() (any, error) {
		return m.drain(drainCtx)
	})
	res, _ := v.(DrainResult)
	return res, err
}

func (m *Monitor) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	records, err := m.queue.List(ctx)
	if err != nil {
		return res, err
	}

	if len(records) > 0 {
		batch := records
		if len(batch) > m.batchSize {
			batch = batch[:m.batchSize]
		}

		var uploaded []string
		for i, rec := range batch {
			if i > 0 && m.uploadDelay > 0 {
				time.Sleep(m.uploadDelay)
			}

			res.Attempted++
			if err := m.backend.PostDevice(ctx, rec.Snapshot); err != nil {
				res.Failed++
				m.metrics.IncUpload("drain", false)
				m.log.Debug().Err(err).Str("record_id", rec.ID).Int("attempts", rec.Attempts+1).Msg("queued upload failed")
				if err := m.queue.IncrementAttempt(ctx, rec.ID); err != nil {
					m.log.Error().Err(err).Str("record_id", rec.ID).Msg("failed to record upload attempt")
				}
				continue
			}
			res.Uploaded++
			m.metrics.IncUpload("drain", true)
			uploaded = append(uploaded, rec.ID)
		}

		if len(uploaded) > 0 {
			if err := m.queue.Remove(ctx, uploaded...); err != nil {
				return res, err
			}
		}
	}

	purged, err := m.queue.Purge(ctx, m.now().Add(-m.retention), m.maxAttempts)
	if err != nil {
		return res, err
	}
	res.Purged = len(purged)
	if res.Purged > 0 {
		m.log.Warn().
			Int("purged", res.Purged).
			Dur("retention", m.retention).
			Int("max_attempts", m.maxAttempts).
			Msg("dropped queued snapshots past retention or attempt limit")
	}

	m.metrics.ObserveDrain(res.Purged)
	if remaining, err := m.queue.Count(ctx); err == nil {
		m.metrics.SetQueueDepth(remaining)
	}

	if res.Attempted > 0 || res.Purged > 0 {
		m.log.Info().
			Int("attempted", res.Attempted).
			Int("uploaded", res.Uploaded).
			Int("failed", res.Failed).
			Int("purged", res.Purged).
			Msg("upload queue drained")
	}

	m.mu.Lock()
	d := res
	m.lastDrain = &d
	m.mu.Unlock()

	return res, nil
}
