package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nicktill/thermalstore/pkg/compaction"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/rs/zerolog"
)

// Settings store keys
const (
	RawDataKey        = "thermal_raw_data"
	AggregatedDataKey = "thermal_aggregated_data"
)

// Collector owns the raw sample buffer and the aggregated buckets.
// Every mutation validates, rebalances and persists under one lock.
type Collector struct {
	mu sync.RWMutex

	store     storage.Store
	clock     config.Clock
	retention config.RetentionSource
	compactor *compaction.Compactor
	metrics   *telemetry.Metrics
	log       zerolog.Logger

	raw       []thermal.DataPoint
	buckets   []thermal.AggregatedDataPoint
	maxPoints int

	lastReport compaction.Report
	persisted  map[string]uint64 // xxhash of the last blob written per key
}

// Option configures a Collector
type Option func(*Collector)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(c *Collector) {
		c.log = log
	}
}

// WithClock overrides the wall clock
func WithClock(clock config.Clock) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

// WithRetention sets the source of retention parameters
func WithRetention(src config.RetentionSource) Option {
	return func(c *Collector) {
		c.retention = src
	}
}

// WithMetrics attaches prometheus metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

// WithMaxPoints sets the collector's own point cap
func WithMaxPoints(n int) Option {
	return func(c *Collector) {
		c.maxPoints = max(n, config.MinCollectorMaxPoints)
	}
}

// New creates a collector backed by store. Call Load to restore state.
func New(store storage.Store, opts ...Option) *Collector {
	c := &Collector{
		store:     store,
		clock:     config.SystemClock{},
		retention: config.Static(config.DefaultRetention()),
		log:       zerolog.Nop(),
		maxPoints: config.MaxMaxPoints,
		persisted: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.compactor = compaction.New(compaction.WithLogger(c.log))
	return c
}

// AddSample validates p, appends it, rebalances and persists.
//
// An invalid sample returns an error wrapping thermal.ErrInvalidSample and
// leaves the buffers untouched. A persistence failure returns a
// *storage.StorageError; the sample is kept in memory and written on the
// next successful persist.
func (c *Collector) AddSample(ctx context.Context, p thermal.DataPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := thermal.Validate(p, c.clock.Now()); err != nil {
		var verr *thermal.ValidationError
		field := ""
		if errors.As(err, &verr) {
			field = verr.Field
		}
		c.metrics.SampleRejected(field)
		c.log.Warn().Err(err).Time("timestamp", p.Timestamp).Msg("Rejected invalid sample")
		return err
	}

	p.Timestamp = p.Timestamp.UTC()
	c.raw = append(c.raw, p)
	c.metrics.SampleIngested()

	c.rebalanceLocked()
	return c.persistLocked(ctx)
}

// Rebalance runs a retention pass and persists the result
func (c *Collector) Rebalance(ctx context.Context) (compaction.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := c.rebalanceLocked()
	return report, c.persistLocked(ctx)
}

// Load restores both buffers from the store and rebalances them.
// Undecodable blobs are logged and treated as empty.
func (c *Collector) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := loadBlob[[]thermal.DataPoint](ctx, c.store, RawDataKey, c.log)
	if err != nil {
		return err
	}
	buckets, err := loadBlob[[]thermal.AggregatedDataPoint](ctx, c.store, AggregatedDataKey, c.log)
	if err != nil {
		return err
	}

	c.raw = raw
	c.buckets = buckets
	c.compactor.Restore(buckets)

	c.log.Info().
		Int("raw", len(raw)).
		Int("buckets", len(buckets)).
		Int("mid_span_hours", c.compactor.MidSpanHours()).
		Msg("Thermal data loaded")

	c.rebalanceLocked()
	return c.persistLocked(ctx)
}

// SetSamples replaces the raw buffer
func (c *Collector) SetSamples(ctx context.Context, samples []thermal.DataPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.raw = append([]thermal.DataPoint(nil), samples...)
	c.rebalanceLocked()
	return c.persistLocked(ctx)
}

// Replace swaps both buffers, e.g. when restoring a backup.
// Invalid samples and malformed buckets are skipped and counted.
func (c *Collector) Replace(ctx context.Context, raw []thermal.DataPoint, buckets []thermal.AggregatedDataPoint) (skipped int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keptRaw := make([]thermal.DataPoint, 0, len(raw))
	for _, p := range raw {
		if thermal.Validate(p, now) != nil {
			skipped++
			continue
		}
		p.Timestamp = p.Timestamp.UTC()
		keptRaw = append(keptRaw, p)
	}

	seen := make(map[string]bool, len(buckets))
	keptBuckets := make([]thermal.AggregatedDataPoint, 0, len(buckets))
	for _, b := range buckets {
		if !validBucket(b) || seen[b.Key()] {
			skipped++
			continue
		}
		b.Start = b.Start.UTC()
		seen[b.Key()] = true
		keptBuckets = append(keptBuckets, b)
	}

	c.raw = keptRaw
	c.buckets = keptBuckets
	c.compactor.Restore(keptBuckets)

	c.log.Info().
		Int("raw", len(keptRaw)).
		Int("buckets", len(keptBuckets)).
		Int("skipped", skipped).
		Msg("Thermal data replaced")

	c.rebalanceLocked()
	return skipped, c.persistLocked(ctx)
}

// SetMaxPoints sets the collector's point cap, clamped to at least 100.
// Rebalances immediately when the store is now over budget.
func (c *Collector) SetMaxPoints(ctx context.Context, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxPoints = max(n, config.MinCollectorMaxPoints)

	budget := min(c.maxPoints, c.retention.RetentionConfig().MaxPoints)
	if len(c.raw)+len(c.buckets) <= budget {
		return nil
	}

	c.log.Info().
		Int("max_points", c.maxPoints).
		Int("entries", len(c.raw)+len(c.buckets)).
		Msg("Over new point budget, rebalancing")

	c.rebalanceLocked()
	return c.persistLocked(ctx)
}

// MaxPoints returns the collector's point cap
func (c *Collector) MaxPoints() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxPoints
}

// Clear drops the raw buffer, and the aggregated buckets too when
// clearAggregated is set
func (c *Collector) Clear(ctx context.Context, clearAggregated bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.raw = nil
	if clearAggregated {
		c.buckets = nil
		c.compactor.Reset()
	}

	c.log.Info().Bool("aggregated", clearAggregated).Msg("Thermal data cleared")
	return c.persistLocked(ctx)
}

// LastReport returns the report of the most recent rebalance pass
func (c *Collector) LastReport() compaction.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

func (c *Collector) rebalanceLocked() compaction.Report {
	start := time.Now()
	state := compaction.State{Raw: c.raw, Buckets: c.buckets}

	report := c.compactor.Rebalance(&state, c.clock.Now(), c.retention.RetentionConfig(), c.maxPoints)

	c.raw = state.Raw
	c.buckets = state.Buckets
	c.lastReport = report
	c.metrics.Rebalanced(time.Since(start), len(c.raw), len(c.buckets), report.SizeBytes, report.MidSpanHours)

	if err := report.Err(); err != nil {
		c.metrics.GuardExhausted()
		c.log.Warn().
			Err(err).
			Int("iterations", report.GuardIterations).
			Int("size_bytes", report.SizeBytes).
			Int("entries", report.Entries).
			Msg("Guard loop exhausted, store left over budget")
	}

	if report.Changed() {
		c.log.Debug().
			Int("expired", report.Expired+report.ExpiredBuckets).
			Int("promoted", report.Promoted).
			Int("aggregated", report.Aggregated).
			Int("rolled_up", report.RolledUp).
			Int("guard_iterations", report.GuardIterations).
			Int("raw", len(c.raw)).
			Int("buckets", len(c.buckets)).
			Msg("Rebalance pass complete")
	}
	return report
}

func validBucket(b thermal.AggregatedDataPoint) bool {
	if b.DataPointCount <= 0 || b.Start.IsZero() {
		return false
	}
	switch b.Kind {
	case thermal.BucketHour:
		for _, s := range compaction.MidSpans {
			if b.SpanHours == s {
				return true
			}
		}
		return false
	case thermal.BucketDay:
		return b.SpanHours == 24
	case thermal.BucketTwoDays:
		return b.SpanHours == 48
	}
	return false
}
