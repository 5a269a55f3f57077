package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
)

// keyPrefix namespaces settings keys inside the database
const keyPrefix = "settings/"

// checksumSize is the length of the xxhash header stored ahead of each value
const checksumSize = 8

// ErrChecksumMismatch is returned when a stored value fails verification
var ErrChecksumMismatch = errors.New("stored value checksum mismatch")

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db      *badger.DB
	ceiling int
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	MaxMemoryMB int64

	// MaxValueBytes is the per-key ceiling (0 = config.StoreCeilingBytes)
	MaxValueBytes int
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Three small blobs don't need Badger's 320 MB default footprint.
	// 16 MB memtable is the floor below which flushes get excessive.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = max(cfg.MaxMemoryMB*1024*1024/3, memTableSize)
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(2).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageError{Op: "open", Err: fmt.Errorf("failed to open badger: %w", err)}
	}

	ceiling := cfg.MaxValueBytes
	if ceiling <= 0 {
		ceiling = config.StoreCeilingBytes
	}

	return &Storage{db: db, ceiling: ceiling}, nil
}

// Get reads key and verifies its checksum
func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &storage.StorageError{Op: "get", Key: key, Err: err}
	}

	type getResult struct {
		value string
		ok    bool
		err   error
	}
	done := make(chan getResult, 1)

	go func() {
		var res getResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(makeKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				v, err := decodeValue(val)
				if err != nil {
					return err
				}
				res.value = v
				res.ok = true
				return nil
			})
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", false, &storage.StorageError{Op: "get", Key: key, Err: res.err}
		}
		return res.value, res.ok, nil
	case <-ctx.Done():
		return "", false, &storage.StorageError{Op: "get", Key: key, Err: fmt.Errorf("get operation cancelled: %w", ctx.Err())}
	}
}

// Set writes value under key, prefixed with its xxhash checksum
func (s *Storage) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Op: "set", Key: key, Err: err}
	}
	if err := storage.CheckSize(key, value, s.ceiling); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(makeKey(key), encodeValue(value))
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return &storage.StorageError{Op: "set", Key: key, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &storage.StorageError{Op: "set", Key: key, Err: fmt.Errorf("write operation cancelled: %w", ctx.Err())}
	}
}

// Delete removes key
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Op: "delete", Key: key, Err: err}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeKey(key))
	})
	if err != nil {
		return &storage.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// MaxValueBytes returns the per-key ceiling
func (s *Storage) MaxValueBytes() int {
	return s.ceiling
}

// Stats walks the settings keys and reports their sizes
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Op: "stats", Err: err}
	}

	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			size := int(it.Item().ValueSize()) - checksumSize
			stats.Keys++
			stats.SizeBytes += int64(size)
			if size > stats.LargestValueBytes {
				stats.LargestValueBytes = size
			}
		}
		return nil
	})
	if err != nil {
		return nil, &storage.StorageError{Op: "stats", Err: err}
	}
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns nil when there was nothing to reclaim.
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

func makeKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// encodeValue lays out a value as [xxhash (8 bytes)][payload]
func encodeValue(value string) []byte {
	buf := make([]byte, checksumSize+len(value))
	binary.BigEndian.PutUint64(buf[:checksumSize], xxhash.Sum64String(value))
	copy(buf[checksumSize:], value)
	return buf
}

func decodeValue(raw []byte) (string, error) {
	if len(raw) < checksumSize {
		return "", ErrChecksumMismatch
	}
	want := binary.BigEndian.Uint64(raw[:checksumSize])
	payload := raw[checksumSize:]
	if xxhash.Sum64(payload) != want {
		return "", ErrChecksumMismatch
	}
	return string(payload), nil
}
