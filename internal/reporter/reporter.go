package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/diff"
	"invsync/agent-go/internal/discovery"
	"invsync/agent-go/internal/metrics"
	"invsync/agent-go/internal/uploadqueue"
)

// Collector produces the local device snapshot.
type Collector interface {
	Collect(ctx context.Context) (device.Snapshot, error)
}

type Differ interface {
	Diff(ctx context.Context, current device.Snapshot) (diff.Result, error)
}

type Uploader interface {
	PostDevice(ctx context.Context, snapshot device.Snapshot) error
	PostBatch(ctx context.Context, snapshots []device.Snapshot) error
}

// Queue is the subset of *uploadqueue.Queue the reporter writes to.
type Queue interface {
	Store(ctx context.Context, snapshot device.Snapshot) (uploadqueue.Record, error)
	Path() string
	Volatile() bool
}

type Scanner interface {
	ScanAll(ctx context.Context, ranges []string, perHostTimeout time.Duration, mode discovery.PortMode) ([]device.ScanResult, error)
}

type Options struct {
	// InventoryInterval and DiscoveryInterval drive Run; zero disables the cycle.
	InventoryInterval time.Duration
	DiscoveryInterval time.Duration

	DiscoveryRanges []string
	HostTimeout     time.Duration
	PortMode        discovery.PortMode

	// QueueDiscoveryFailures stores discovery snapshots that could not be uploaded.
	QueueDiscoveryFailures bool

	// BaselinePath is only reported in the startup log line.
	BaselinePath string
	Now          func() time.Time
}

// Reporter runs local-inventory and network-discovery cycles and routes their results
// through direct upload, falling back to the upload queue.
type Reporter struct {
	log       zerolog.Logger
	collector Collector
	differ    Differ
	uploader  Uploader
	queue     Queue
	scanner   Scanner
	opts      Options
	now       func() time.Time
	metrics   *metrics.Metrics

	locationOnce sync.Once
}

type Deps struct {
	Collector Collector
	Differ    Differ
	Uploader  Uploader
	Queue     Queue
	Scanner   Scanner
}

func New(log zerolog.Logger, deps Deps, opts Options, m *metrics.Metrics) *Reporter {
	if opts.HostTimeout <= 0 {
		opts.HostTimeout = time.Second
	}
	if opts.PortMode == "" {
		opts.PortMode = discovery.PortModeNone
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reporter{
		log:       log,
		collector: deps.Collector,
		differ:    deps.Differ,
		uploader:  deps.Uploader,
		queue:     deps.Queue,
		scanner:   deps.Scanner,
		opts:      opts,
		now:       now,
		metrics:   m,
	}
}

// InventoryReport summarizes one local-inventory cycle.
type InventoryReport struct {
	Snapshot device.Snapshot `json:"snapshot"`
	Diff     diff.Result     `json:"diff"`
	Uploaded bool            `json:"uploaded"`
	QueuedID string          `json:"queuedId,omitempty"`
}

// DiscoveryReport summarizes one network-discovery cycle.
type DiscoveryReport struct {
	Hosts    []device.ScanResult `json:"hosts"`
	Uploaded int                 `json:"uploaded"`
	Failed   int                 `json:"failed"`
	Queued   int                 `json:"queued"`
}

// RunInventory collects the local snapshot, diffs it against the baseline and uploads it.
// A failed upload is stored in the queue; the cycle only fails when the snapshot can be
// neither uploaded nor queued.
func (r *Reporter) RunInventory(ctx context.Context) (InventoryReport, error) {
	if r.collector == nil {
		return InventoryReport{}, errors.New("no collector configured")
	}
	r.reportLocations()

	snap, err := r.collector.Collect(ctx)
	if err != nil {
		return InventoryReport{}, fmt.Errorf("collect inventory: %w", err)
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = r.now().UTC()
	}
	rep := InventoryReport{Snapshot: snap}

	if r.differ != nil {
		res, err := r.differ.Diff(ctx, snap)
		if err != nil {
			r.log.Error().Err(err).Msg("baseline update failed")
		}
		rep.Diff = res
	}

	err = r.upload(ctx, snap)
	r.metrics.IncUpload("inventory", err == nil)
	if err == nil {
		rep.Uploaded = true
		r.log.Info().Str("device", snap.Name).Bool("changed", rep.Diff.Changed()).Msg("inventory uploaded")
		return rep, nil
	}
	r.log.Warn().Err(err).Str("device", snap.Name).Msg("inventory upload failed; queueing")

	if r.queue == nil {
		return rep, err
	}
	rec, qerr := r.queue.Store(ctx, snap)
	if qerr != nil {
		return rep, errors.Join(err, fmt.Errorf("queue inventory: %w", qerr))
	}
	rep.QueuedID = rec.ID
	return rep, nil
}

// RunDiscovery scans ranges (all local ranges when empty) and uploads one identity
// snapshot per discovered host, batched with a per-device fallback.
func (r *Reporter) RunDiscovery(ctx context.Context, ranges []string) (DiscoveryReport, error) {
	if r.scanner == nil {
		return DiscoveryReport{}, errors.New("no scanner configured")
	}
	if len(ranges) == 0 {
		ranges = r.opts.DiscoveryRanges
	}

	hosts, scanErr := r.scanner.ScanAll(ctx, ranges, r.opts.HostTimeout, r.opts.PortMode)
	if scanErr != nil && len(hosts) == 0 {
		return DiscoveryReport{}, fmt.Errorf("scan: %w", scanErr)
	}
	rep := DiscoveryReport{Hosts: hosts}
	if len(hosts) == 0 {
		return rep, nil
	}

	now := r.now().UTC()
	snaps := make([]device.Snapshot, 0, len(hosts))
	for _, h := range hosts {
		snaps = append(snaps, h.Snapshot(now))
	}

	if r.uploader == nil {
		return rep, errors.Join(scanErr, errors.New("no uploader configured"))
	}

	// Scan cancellation should not prevent uploading what was found.
	uctx := context.WithoutCancel(ctx)
	if err := r.uploader.PostBatch(uctx, snaps); err == nil {
		rep.Uploaded = len(snaps)
		for range snaps {
			r.metrics.IncUpload("discovery", true)
		}
	} else {
		r.log.Debug().Err(err).Int("devices", len(snaps)).Msg("batch upload failed; falling back to per-device")
		for _, s := range snaps {
			err := r.uploader.PostDevice(uctx, s)
			r.metrics.IncUpload("discovery", err == nil)
			if err == nil {
				rep.Uploaded++
				continue
			}
			rep.Failed++
			if !r.opts.QueueDiscoveryFailures || r.queue == nil {
				continue
			}
			if _, qerr := r.queue.Store(uctx, s); qerr != nil {
				r.log.Error().Err(qerr).Str("ip", s.IPAddress).Msg("failed to queue discovered device")
				continue
			}
			rep.Queued++
		}
	}

	ev := r.log.Info()
	if rep.Failed > 0 {
		ev = r.log.Warn()
	}
	ev.Int("hosts", len(hosts)).
		Int("uploaded", rep.Uploaded).
		Int("failed", rep.Failed).
		Int("queued", rep.Queued).
		Msg("discovery cycle complete")

	return rep, scanErr
}

func (r *Reporter) upload(ctx context.Context, snap device.Snapshot) error {
	if r.uploader == nil {
		return errors.New("no uploader configured")
	}
	return r.uploader.PostDevice(ctx, snap)
}

// reportLocations logs where local state lives, once per Reporter.
func (r *Reporter) reportLocations() {
	r.locationOnce.Do(func() {
		ev := r.log.Info()
		if r.queue != nil {
			ev = ev.Str("queue_path", r.queue.Path()).Bool("queue_volatile", r.queue.Volatile())
		}
		if r.opts.BaselinePath != "" {
			ev = ev.Str("baseline_path", r.opts.BaselinePath)
		}
		ev.Msg("local state locations")
	})
}

// Run drives both cycles on their intervals until ctx is done. Consecutive failures of a
// cycle back off that cycle's next run.
func (r *Reporter) Run(ctx context.Context) {
	if r == nil {
		return
	}
	inv := newCycle(r.opts.InventoryInterval, func(ctx context.Context) error {
		_, err := r.RunInventory(ctx)
		return err
	})
	disc := newCycle(r.opts.DiscoveryInterval, func(ctx context.Context) error {
		_, err := r.RunDiscovery(ctx, nil)
		return err
	})
	if inv == nil && disc == nil {
		return
	}

	var wg sync.WaitGroup
	for name, c := range map[string]*cycle{"inventory": inv, "discovery": disc} {
		if c == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx, r.log.With().Str("cycle", name).Logger())
		}()
	}
	wg.Wait()
}

type cycle struct {
	interval time.Duration
	fn       func(context.Context) error
}

func newCycle(interval time.Duration, fn func(context.Context) error) *cycle {
	if interval <= 0 {
		return nil
	}
	return &cycle{interval: interval, fn: fn}
}

func (c *cycle) run(ctx context.Context, log zerolog.Logger) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			log.Error().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("cycle failed")
		} else {
			consecutiveFailures = 0
		}

		timer.Reset(backoffDuration(c.interval, consecutiveFailures))
	}
}

// backoffDuration shortens the wait after a failure so a transient error is retried soon,
// then grows it back toward interval.
func backoffDuration(interval time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	if failures > 6 {
		failures = 6
	}
	d := 5 * time.Second * time.Duration(1<<failures)
	if d > interval {
		return interval
	}
	return d
}
