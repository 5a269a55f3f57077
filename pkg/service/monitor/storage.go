package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
)

// StoreUsage reports how full the settings store is
type StoreUsage struct {
	Keys              int   `json:"keys"`
	LogicalBytes      int64 `json:"logical_bytes"`
	LargestValueBytes int   `json:"largest_value_bytes"`
	CeilingBytes      int   `json:"ceiling_bytes"`
	DiskBytes         int64 `json:"disk_bytes,omitempty"`
}

// StoreMonitor reports settings store usage, cached for cacheDuration so
// health polling does not scan the store or the data directory each time.
type StoreMonitor struct {
	store         storage.Store
	dataDir       string
	clock         config.Clock
	cacheDuration time.Duration

	mu        sync.Mutex
	cached    StoreUsage
	lastCheck time.Time
}

// NewStoreMonitor creates a monitor for store. dataDir may be empty for
// stores without files on disk.
func NewStoreMonitor(store storage.Store, dataDir string, clock config.Clock) *StoreMonitor {
	if clock == nil {
		clock = config.SystemClock{}
	}
	return &StoreMonitor{
		store:         store,
		dataDir:       dataDir,
		clock:         clock,
		cacheDuration: 10 * time.Second,
	}
}

// Usage returns current usage (cached)
func (sm *StoreMonitor) Usage(ctx context.Context) (StoreUsage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if !sm.lastCheck.IsZero() && now.Sub(sm.lastCheck) < sm.cacheDuration {
		return sm.cached, nil
	}

	stats, err := sm.store.Stats(ctx)
	if err != nil {
		return StoreUsage{}, err
	}
	usage := StoreUsage{
		Keys:              stats.Keys,
		LogicalBytes:      stats.SizeBytes,
		LargestValueBytes: stats.LargestValueBytes,
		CeilingBytes:      sm.store.MaxValueBytes(),
	}

	if sm.dataDir != "" {
		disk, err := calculateDirSize(sm.dataDir)
		if err != nil {
			return StoreUsage{}, err
		}
		usage.DiskBytes = disk
	}

	sm.cached = usage
	sm.lastCheck = now
	return usage, nil
}

// calculateDirSize sums actual disk usage of the files under path
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += actualFileSize(filePath, info)
		}
		return nil
	})
	return size, err
}
