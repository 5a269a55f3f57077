package config

import "time"

// Server defaults
const (
	DefaultHTTPAddr     = ":8080"
	DefaultStoreBackend = "badger"
	DefaultDataDir      = "./data/thermalstore"
	DefaultMaxMemoryMB  = 48
	DefaultLogLevel     = "info"
	DefaultMQTTClientID = "thermalstore"
)

// Retention bounds and defaults
const (
	DefaultRetentionDays = 60
	MinRetentionDays     = 14
	MaxRetentionDays     = 365

	DefaultFullResDays = 14
	MinFullResDays     = 3
	MaxFullResDays     = 60

	DefaultMaxPoints = 10000
	MinMaxPoints     = 2000
	MaxMaxPoints     = 20000

	DefaultTargetKB = 500
	MinTargetKB     = 300
	MaxTargetKB     = 900

	// LowResBoundaryDays is where hourly buckets give way to daily ones
	LowResBoundaryDays = 30

	// MaxRecentHours covers the longest retention; recent-sample windows
	// are clamped to it
	MaxRecentHours = MaxRetentionDays * 24
)

// Collector limits
const (
	// StoreCeilingBytes is the settings store's hard per-key size limit.
	// Independent of the tunable TargetKB.
	StoreCeilingBytes = 500 * 1024

	// MinFullResPoints is the raw-sample floor kept by promotion
	MinFullResPoints = 100

	// MinCollectorMaxPoints is the lowest accepted SetMaxPoints value
	MinCollectorMaxPoints = 100

	// MaxGuardIterations bounds the size guard loop
	MaxGuardIterations = 50
)

// Maintenance intervals
const (
	ModelUpdateInterval = 6 * time.Hour
	CleanupInterval     = 12 * time.Hour
	MaintenanceTimeout  = 2 * time.Minute

	// Failed maintenance runs retry after 30s, 60s, 120s
	MaintenanceRetries   = 3
	MaintenanceRetryBase = 30 * time.Second

	StoreGCInterval     = 10 * time.Minute
	StoreGCDiscardRatio = 0.5
)

// HTTP timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
	RequestTimeout     = 15 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 64
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
