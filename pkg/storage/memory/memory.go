package memory

import (
	"context"
	"sync"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
)

// Storage keeps settings in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	values  map[string]string
	ceiling int
	mu      sync.RWMutex

	// FailSet, when non-nil, is returned by every Set. Tests use it to
	// exercise persistence failure handling.
	FailSet error
}

// New creates an in-memory store with the default ceiling
func New() *Storage {
	return NewWithCeiling(config.StoreCeilingBytes)
}

// NewWithCeiling creates an in-memory store with a custom per-key ceiling
func NewWithCeiling(ceiling int) *Storage {
	return &Storage{
		values:  make(map[string]string),
		ceiling: ceiling,
	}
}

// Get returns the value stored under key
func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &storage.StorageError{Op: "get", Key: key, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key
func (s *Storage) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Op: "set", Key: key, Err: err}
	}
	if err := storage.CheckSize(key, value, s.ceiling); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSet != nil {
		return &storage.StorageError{Op: "set", Key: key, Err: s.FailSet}
	}
	s.values[key] = value
	return nil
}

// Delete removes key
func (s *Storage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

// MaxValueBytes returns the per-key ceiling
func (s *Storage) MaxValueBytes() int {
	return s.ceiling
}

// Stats returns store statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{Keys: len(s.values)}
	for _, v := range s.values {
		stats.SizeBytes += int64(len(v))
		if len(v) > stats.LargestValueBytes {
			stats.LargestValueBytes = len(v)
		}
	}
	return stats, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}
