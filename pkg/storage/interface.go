package storage

import (
	"context"
	"errors"
	"fmt"
)

// Store is a persistent key -> blob settings store with a hard per-key size ceiling.
// Implementations: memory (testing), badger (production), sqlite (single-file deployments)
type Store interface {
	// Get returns the value for key; ok is false when the key was never set
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, rejecting values above MaxValueBytes
	Set(ctx context.Context, key string, value string) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// MaxValueBytes returns the per-key ceiling
	MaxValueBytes() int

	// Stats returns store statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store
	Close() error
}

// Stats provides store health and usage info
type Stats struct {
	// Number of keys stored
	Keys int

	// Total size of all values in bytes
	SizeBytes int64

	// Size of the largest value in bytes
	LargestValueBytes int
}

// ErrValueTooLarge is returned when a value exceeds the per-key ceiling
var ErrValueTooLarge = errors.New("value exceeds store ceiling")

// StorageError wraps a backend failure with the operation and key involved
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CheckSize returns a StorageError wrapping ErrValueTooLarge when value
// does not fit under ceiling
func CheckSize(key, value string, ceiling int) error {
	if ceiling > 0 && len(value) > ceiling {
		return &StorageError{
			Op:  "set",
			Key: key,
			Err: fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(value), ceiling),
		}
	}
	return nil
}
