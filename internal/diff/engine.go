package diff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/fileutil"
	"invsync/agent-go/internal/metrics"
)

var (
	ErrStorageUnwritable = errors.New("diff storage is not writable")
	ErrCorruptBaseline   = errors.New("baseline snapshot is corrupt")
)

// CoarseReason is reported when a change happened but could not be itemized.
const CoarseReason = "snapshot changed, unable to compute diff"

const auditTimeLayout = "20060102T150405.000000000Z"

type EngineOptions struct {
	BaselinePath string
	// ChangesDir defaults to a Changes directory next to the baseline.
	ChangesDir     string
	AuditRetention time.Duration
	Now            func() time.Time
}

// Result is the outcome of one Diff call.
type Result struct {
	Changes ChangeSet `json:"changes"`
	// FirstRun is set when no baseline existed yet.
	FirstRun  bool   `json:"firstRun,omitempty"`
	Coarse    bool   `json:"coarse,omitempty"`
	Reason    string `json:"reason,omitempty"`
	AuditPath string `json:"auditPath,omitempty"`
}

// Changed reports whether anything is worth auditing.
func (r Result) Changed() bool {
	return r.Coarse || !r.Changes.IsNoChange()
}

// Engine diffs each new snapshot against the persisted baseline, replaces the baseline,
// and keeps timestamped audit artifacts for detected changes.
type Engine struct {
	log          zerolog.Logger
	baselinePath string
	changesDir   string
	retention    time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics

	mu sync.Mutex
}

func NewEngine(log zerolog.Logger, opts EngineOptions, m *metrics.Metrics) (*Engine, error) {
	baseline := strings.TrimSpace(opts.BaselinePath)
	if baseline == "" {
		return nil, fmt.Errorf("%w: empty baseline path", ErrStorageUnwritable)
	}
	changesDir := strings.TrimSpace(opts.ChangesDir)
	if changesDir == "" {
		changesDir = filepath.Join(filepath.Dir(baseline), "Changes")
	}
	retention := opts.AuditRetention
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := fileutil.ProbeWritable(baseline); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageUnwritable, baseline, err)
	}
	if err := fileutil.ProbeWritable(filepath.Join(changesDir, "probe")); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageUnwritable, changesDir, err)
	}

	return &Engine{
		log:          log,
		baselinePath: baseline,
		changesDir:   changesDir,
		retention:    retention,
		now:          now,
		metrics:      m,
	}, nil
}

func (e *Engine) BaselinePath() string { return e.baselinePath }
func (e *Engine) ChangesDir() string   { return e.changesDir }

// Diff compares current with the stored baseline and always stores current as the new
// baseline. Comparison problems degrade to a coarse result; only a failure to write the
// baseline is returned as an error.
func (e *Engine) Diff(ctx context.Context, current device.Snapshot) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	previous, err := LoadBaseline(e.baselinePath)
	switch {
	case err != nil:
		e.log.Error().Err(err).Str("path", e.baselinePath).Msg("baseline unreadable")
		res = Result{Changes: NoChange, Coarse: true, Reason: CoarseReason}
	case previous == nil:
		res = Result{Changes: NoChange, FirstRun: true}
	default:
		cs, cmpErr := Compare(&current, previous)
		if cmpErr != nil {
			e.log.Warn().Err(cmpErr).Msg("snapshot comparison failed; reporting coarse change")
			res = Result{Changes: NoChange, Coarse: true, Reason: CoarseReason}
		} else {
			res = Result{Changes: cs}
		}
	}

	if err := SaveBaseline(e.baselinePath, current); err != nil {
		return res, err
	}

	switch {
	case res.FirstRun:
		e.metrics.IncDiff("baseline")
		e.log.Info().Str("path", e.baselinePath).Msg("baseline established")
	case res.Coarse:
		e.metrics.IncDiff("coarse")
	case res.Changes.IsNoChange():
		e.metrics.IncDiff("unchanged")
	default:
		e.metrics.IncDiff("changed")
		e.log.Info().Strs("paths", res.Changes.Paths()).Msg("device changes detected")
	}

	if res.Changed() {
		path, err := e.writeAudit(current, res)
		if err != nil {
			e.log.Error().Err(err).Msg("failed to write change audit")
		} else {
			res.AuditPath = path
		}
	}

	if removed, err := e.sweep(); err != nil {
		e.log.Warn().Err(err).Str("dir", e.changesDir).Msg("audit retention sweep failed")
	} else if removed > 0 {
		e.log.Debug().Int("removed", removed).Msg("expired change audits removed")
	}

	return res, nil
}

type auditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Coarse    bool      `json:"coarse,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Changes   ChangeSet `json:"changes"`
}

func (e *Engine) writeAudit(current device.Snapshot, res Result) (string, error) {
	ts := e.now().UTC()
	path := filepath.Join(e.changesDir, ts.Format(auditTimeLayout)+".json")
	rec := auditRecord{
		Timestamp: ts,
		Device:    current.Name,
		Coarse:    res.Coarse,
		Reason:    res.Reason,
		Changes:   res.Changes,
	}
	if err := fileutil.WriteJSON(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

// sweep removes audit artifacts older than the retention window. The age comes from
// the file name, falling back to the modification time for foreign names.
func (e *Engine) sweep() (int, error) {
	entries, err := os.ReadDir(e.changesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := e.now().Add(-e.retention)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		stamp, err := time.Parse(auditTimeLayout, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			info, infoErr := entry.Info()
			if infoErr != nil {
				continue
			}
			stamp = info.ModTime()
		}
		if !stamp.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(e.changesDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// LoadBaseline reads the stored snapshot. A missing file returns (nil, nil).
func LoadBaseline(path string) (*device.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var snap device.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBaseline, err)
	}
	return &snap, nil
}

// SaveBaseline stores snapshot as the new baseline. NaN and infinite measurements
// cannot be encoded as JSON and are stored as zero (a nil GPU memory size).
func SaveBaseline(path string, snapshot device.Snapshot) error {
	if err := fileutil.WriteJSON(path, finiteSnapshot(snapshot)); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

func finiteSnapshot(s device.Snapshot) device.Snapshot {
	finite := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}

	h := &s.Hardware
	h.RAMGB = finite(h.RAMGB)
	h.DiskGB = finite(h.DiskGB)
	h.RAMModules = slices.Clone(h.RAMModules)
	for i := range h.RAMModules {
		h.RAMModules[i].CapacityGB = finite(h.RAMModules[i].CapacityGB)
	}
	h.Disks = slices.Clone(h.Disks)
	for i := range h.Disks {
		h.Disks[i].TotalGB = finite(h.Disks[i].TotalGB)
		h.Disks[i].FreeGB = finite(h.Disks[i].FreeGB)
	}
	h.GPUs = slices.Clone(h.GPUs)
	for i, g := range h.GPUs {
		if g.MemoryGB != nil && (math.IsNaN(*g.MemoryGB) || math.IsInf(*g.MemoryGB, 0)) {
			h.GPUs[i].MemoryGB = nil
		}
	}
	return s
}
