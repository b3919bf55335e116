package diff

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, now *time.Time) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := NewEngine(zerolog.Nop(), EngineOptions{
		BaselinePath: filepath.Join(dir, "baseline.json"),
		Now:          func() time.Time { return *now },
	}, nil)
	require.NoError(t, err)
	return e
}

func auditFiles(t *testing.T, e *Engine) []string {
	t.Helper()
	entries, err := os.ReadDir(e.ChangesDir())
	require.NoError(t, err)
	var out []string
	for _, entry := range entries {
		out = append(out, entry.Name())
	}
	return out
}

func TestEngine_FirstRunEstablishesBaseline(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &now)

	res, err := e.Diff(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	assert.True(t, res.FirstRun)
	assert.False(t, res.Changed())
	assert.Empty(t, res.AuditPath)
	assert.Empty(t, auditFiles(t, e))

	stored, err := LoadBaseline(e.BaselinePath())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "ws-042", stored.Name)
}

func TestEngine_BaselineRoundTripIsNoChange(t *testing.T) {
	snap := sampleSnapshot()
	path := filepath.Join(t.TempDir(), "baseline.json")
	require.NoError(t, SaveBaseline(path, snap))

	loaded, err := LoadBaseline(path)
	require.NoError(t, err)
	cs, err := Compare(&snap, loaded)
	require.NoError(t, err)
	assert.True(t, cs.IsNoChange())
}

func TestEngine_ChangeWritesAuditAndRewritesBaseline(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &now)
	ctx := context.Background()

	_, err := e.Diff(ctx, sampleSnapshot())
	require.NoError(t, err)

	now = now.Add(time.Hour)
	unchanged, err := e.Diff(ctx, sampleSnapshot())
	require.NoError(t, err)
	assert.False(t, unchanged.Changed())
	assert.Empty(t, auditFiles(t, e))

	now = now.Add(time.Hour)
	next := sampleSnapshot()
	next.Hardware.Disks = next.Hardware.Disks[:1]
	res, err := e.Diff(ctx, next)
	require.NoError(t, err)
	require.True(t, res.Changed())
	require.False(t, res.Coarse)
	require.NotEmpty(t, res.AuditPath)

	files := auditFiles(t, e)
	require.Equal(t, []string{now.Format(auditTimeLayout) + ".json"}, files)

	raw, err := os.ReadFile(res.AuditPath)
	require.NoError(t, err)
	var audit map[string]any
	require.NoError(t, json.Unmarshal(raw, &audit))
	assert.Equal(t, "ws-042", audit["device"])
	assert.Contains(t, audit["changes"], "hardwareInfo.disks")

	stored, err := LoadBaseline(e.BaselinePath())
	require.NoError(t, err)
	assert.Len(t, stored.Hardware.Disks, 1)
}

func TestEngine_CorruptBaselineDegradesToCoarse(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &now)
	require.NoError(t, os.WriteFile(e.BaselinePath(), []byte(`{"name": 12`), 0o600))

	res, err := e.Diff(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	assert.True(t, res.Coarse)
	assert.Equal(t, CoarseReason, res.Reason)
	assert.True(t, res.Changes.IsNoChange())
	require.NotEmpty(t, res.AuditPath)

	stored, err := LoadBaseline(e.BaselinePath())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "ws-042", stored.Name)
}

func TestEngine_SweepsExpiredAudits(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &now)

	old := filepath.Join(e.ChangesDir(), now.Add(-49*time.Hour).Format(auditTimeLayout)+".json")
	recent := filepath.Join(e.ChangesDir(), now.Add(-47*time.Hour).Format(auditTimeLayout)+".json")
	foreign := filepath.Join(e.ChangesDir(), "notes.txt")
	for _, p := range []string{old, recent, foreign} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
	}

	_, err := e.Diff(context.Background(), sampleSnapshot())
	require.NoError(t, err)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired audit should be removed")
	_, err = os.Stat(recent)
	assert.NoError(t, err)
	_, err = os.Stat(foreign)
	assert.NoError(t, err)
}

func TestNewEngine_UnwritableBaseline(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := NewEngine(zerolog.Nop(), EngineOptions{BaselinePath: filepath.Join(blocker, "baseline.json")}, nil)
	require.ErrorIs(t, err, ErrStorageUnwritable)
}

func TestEngine_CanceledContext(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Diff(ctx, sampleSnapshot())
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(e.BaselinePath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngine_NonFiniteMeasurementStillReplacesBaseline(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(t, &now)
	ctx := context.Background()

	_, err := e.Diff(ctx, sampleSnapshot())
	require.NoError(t, err)

	broken := sampleSnapshot()
	broken.Name = "ws-042-renamed"
	broken.Hardware.Disks[0].TotalGB = math.NaN()
	broken.Hardware.GPUs[0].MemoryGB = ptr(math.Inf(1))

	now = now.Add(time.Hour)
	res, err := e.Diff(ctx, broken)
	require.NoError(t, err)
	assert.True(t, res.Coarse)
	assert.True(t, math.IsNaN(broken.Hardware.Disks[0].TotalGB), "caller's snapshot must not be modified")

	stored, err := LoadBaseline(e.BaselinePath())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "ws-042-renamed", stored.Name)
	assert.Zero(t, stored.Hardware.Disks[0].TotalGB)
	assert.Nil(t, stored.Hardware.GPUs[0].MemoryGB)
}
