package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"invsync/agent-go/internal/device"
	"invsync/agent-go/internal/fileutil"
	"invsync/agent-go/internal/metrics"
)

var (
	ErrStorageUnwritable = errors.New("upload queue storage is not writable")
	ErrCorruptState      = errors.New("persisted upload queue is corrupt")
	ErrRecordNotFound    = errors.New("upload record not found")
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Record is one snapshot waiting to be re-sent to the backend.
type Record struct {
	ID            string          `json:"id"`
	Snapshot      device.Snapshot `json:"snapshot"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// Backend persists the whole record set. Load returns records oldest first and
// reports unreadable content as ErrCorruptState.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
	Close() error
}

type Options struct {
	MaxRecords int
	// Backend is "file" (default) or "sqlite".
	Backend string
	Now     func() time.Time
	NewID   func() string
}

// Queue is a capacity-bounded FIFO of pending uploads. Every operation loads the
// persisted set, mutates it and writes it back under one mutex.
// Two processes sharing a storage path are not coordinated.
type Queue struct {
	mu         sync.Mutex
	log        zerolog.Logger
	backend    Backend
	path       string
	volatile   bool
	maxRecords int
	now        func() time.Time
	newID      func() string
	metrics    *metrics.Metrics
}

// Open validates path and opens the configured backend on it.
// An unwritable path fails with ErrStorageUnwritable; a volatile one only logs a warning.
func Open(log zerolog.Logger, path string, opts Options, m *metrics.Metrics) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStorageUnwritable)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	if err := fileutil.ProbeWritable(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageUnwritable, path, err)
	}

	var backend Backend
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		backend = NewFileBackend(path)
	case BackendSQLite:
		b, err := OpenSQLiteBackend(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnwritable, err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown upload queue backend %q", opts.Backend)
	}

	q := New(log, backend, opts, m)
	q.path = path
	q.volatile = isVolatilePath(path)
	if q.volatile {
		q.log.Warn().Str("path", path).Msg("upload queue is in a temporary directory; queued snapshots will not survive a restart")
	}
	return q, nil
}

// New wraps an already opened backend.
func New(log zerolog.Logger, backend Backend, opts Options, m *metrics.Metrics) *Queue {
	maxRecords := opts.MaxRecords
	if maxRecords <= 0 {
		maxRecords = 500
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Queue{
		log:        log,
		backend:    backend,
		maxRecords: maxRecords,
		now:        now,
		newID:      newID,
		metrics:    m,
	}
}

func (q *Queue) Path() string   { return q.path }
func (q *Queue) Volatile() bool { return q.volatile }
func (q *Queue) Capacity() int  { return q.maxRecords }

func (q *Queue) Close() error {
	return q.backend.Close()
}

// Store appends snapshot with Attempts=0 and evicts the oldest records beyond capacity.
func (q *Queue) Store(ctx context.Context, snapshot device.Snapshot) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:        q.newID(),
		Snapshot:  snapshot,
		CreatedAt: q.now().UTC(),
	}
	records = append(records, rec)

	evicted := 0
	if len(records) > q.maxRecords {
		evicted = len(records) - q.maxRecords
		records = records[evicted:]
	}

	if err := q.save(ctx, records); err != nil {
		return Record{}, err
	}
	if evicted > 0 {
		q.log.Warn().Int("evicted", evicted).Int("capacity", q.maxRecords).Msg("upload queue full; oldest records evicted")
	}
	q.metrics.IncQueueStored(evicted)
	return rec, nil
}

// List returns every record, oldest first.
func (q *Queue) List(ctx context.Context) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return err
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := records[:0]
	for _, r := range records {
		if _, ok := drop[r.ID]; ok {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == len(records) {
		return nil
	}
	return q.save(ctx, kept)
}

// IncrementAttempt bumps Attempts and stamps LastAttemptAt for id.
func (q *Queue) IncrementAttempt(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID != id {
			continue
		}
		now := q.now().UTC()
		records[i].Attempts++
		records[i].LastAttemptAt = &now
		return q.save(ctx, records)
	}
	return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Purge drops records created before olderThan or with more than maxAttempts attempts,
// and returns what it dropped.
func (q *Queue) Purge(ctx context.Context, olderThan time.Time, maxAttempts int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return nil, err
	}

	var purged []Record
	kept := make([]Record, 0, len(records))
	for _, r := range records {
		if r.CreatedAt.Before(olderThan) || r.Attempts > maxAttempts {
			purged = append(purged, r)
			continue
		}
		kept = append(kept, r)
	}
	if len(purged) == 0 {
		return nil, nil
	}
	if err := q.save(ctx, kept); err != nil {
		return nil, err
	}
	return purged, nil
}

func (q *Queue) load(ctx context.Context) ([]Record, error) {
	records, err := q.backend.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			q.log.Error().Err(err).Str("path", q.path).Msg("upload queue state unreadable; starting empty")
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

func (q *Queue) save(ctx context.Context, records []Record) error {
	if err := q.backend.Save(ctx, records); err != nil {
		return err
	}
	q.metrics.SetQueueDepth(len(records))
	return nil
}

// isVolatilePath reports whether path lives somewhere that is commonly wiped on reboot.
func isVolatilePath(path string) bool {
	clean := filepath.Clean(path)
	roots := []string{os.TempDir(), "/tmp", "/var/tmp", "/dev/shm", "/run"}
	for _, root := range roots {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
