package uploadqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"invsync/agent-go/internal/fileutil"
)

// FileBackend keeps the queue as one JSON array, rewritten atomically on every save.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Load(_ context.Context) ([]Record, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read upload queue: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return records, nil
}

func (b *FileBackend) Save(_ context.Context, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	if err := fileutil.WriteJSON(b.path, records); err != nil {
		return fmt.Errorf("save upload queue: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
