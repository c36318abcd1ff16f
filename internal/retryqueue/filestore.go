package retryqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// FileStore keeps the queue as one JSON array. Writes go to a temp file in the
// same directory, are fsynced, and renamed over the target, so the file always
// holds a complete earlier state.
type FileStore[T any] struct {
	path   string
	logger *log.Logger
}

// NewFileStore returns a store backed by path. Its directory is created on
// first save.
func NewFileStore[T any](path string, logger *log.Logger) *FileStore[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &FileStore[T]{path: path, logger: logger}
}

// Path returns the backing file.
func (s *FileStore[T]) Path() string {
	return s.path
}

// Load reads the queue. A missing file is an empty queue. Elements that fail to
// decode are dropped one by one; the rest of the queue survives.
func (s *FileStore[T]) Load() ([]T, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return []T{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Printf("queue file %s is not a JSON array, starting empty: %v", s.path, err)
		decodeFailures.Inc()
		return []T{}, nil
	}
	items := make([]T, 0, len(raw))
	for i, elem := range raw {
		var item T
		if err := json.Unmarshal(elem, &item); err != nil {
			s.logger.Printf("dropping undecodable queue entry %d: %v", i, err)
			decodeFailures.Inc()
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Save atomically replaces the file with items.
func (s *FileStore[T]) Save(items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
