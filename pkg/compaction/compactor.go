package compaction

import (
	"encoding/json"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/rs/zerolog"
)

const day = 24 * time.Hour

// minDemoteBatch is the smallest raw batch the guard demotes per step
const minDemoteBatch = 50

// Compactor runs the retention pipeline over a collector's state.
//
// It holds the adaptive mid-tier span between passes. A Compactor is not
// safe for concurrent use; the collector serializes access.
type Compactor struct {
	midSpan       int
	floor         int
	maxIterations int
	log           zerolog.Logger
}

// Option configures a Compactor
type Option func(*Compactor)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(c *Compactor) {
		c.log = log
	}
}

// WithFloor overrides the full-resolution floor
func WithFloor(n int) Option {
	return func(c *Compactor) {
		c.floor = n
	}
}

// New creates a compactor with a 1-hour mid span
func New(opts ...Option) *Compactor {
	c := &Compactor{
		midSpan:       MidSpans[0],
		floor:         config.MinFullResPoints,
		maxIterations: config.MaxGuardIterations,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MidSpanHours returns the current mid-tier bucket span
func (c *Compactor) MidSpanHours() int {
	return c.midSpan
}

// Reset returns the mid span to one hour
func (c *Compactor) Reset() {
	c.midSpan = MidSpans[0]
}

// Restore derives the mid span from the widest stored hourly bucket
func (c *Compactor) Restore(buckets []thermal.AggregatedDataPoint) {
	c.midSpan = MidSpans[0]
	for _, b := range buckets {
		if b.Kind == thermal.BucketHour && b.SpanHours > c.midSpan && b.SpanHours <= MidSpans[len(MidSpans)-1] {
			c.midSpan = b.SpanHours
		}
	}
}

// Measure returns the serialized size and entry count of the state
func Measure(s *State) (sizeBytes, entries int) {
	return serializedSize(s.Raw) + serializedSize(s.Buckets), s.Entries()
}

func serializedSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// Rebalance runs one retention pass: tier partition, expiry, promotion,
// aggregation, merge and the size guard. It mutates state in place.
//
// maxPoints is the collector's own cap; the effective entry budget is the
// smaller of it and cfg.MaxPoints.
func (c *Compactor) Rebalance(state *State, now time.Time, cfg config.RetentionConfig, maxPoints int) Report {
	cfg = cfg.Normalize()
	budget := Budget{
		MaxEntries:  cfg.MaxPoints,
		TargetBytes: cfg.TargetBytes(),
	}
	if maxPoints > 0 && maxPoints < budget.MaxEntries {
		budget.MaxEntries = maxPoints
	}

	report := Report{Budget: budget}

	fullCut := now.Add(-time.Duration(cfg.FullResDays) * day)
	lowCut := now.Add(-time.Duration(cfg.LowResDays()) * day)
	retentionCut := now.Add(-time.Duration(cfg.RetentionDays) * day)

	sortPoints(state.Raw)

	// Partition raw samples by age
	var full, mid, low []thermal.DataPoint
	for _, p := range state.Raw {
		switch {
		case !p.Timestamp.Before(fullCut):
			full = append(full, p)
		case !p.Timestamp.Before(lowCut):
			mid = append(mid, p)
		case !p.Timestamp.Before(retentionCut):
			low = append(low, p)
		default:
			report.Expired++
		}
	}

	// Promotion: fill the floor from the most recent candidates
	var promoted []thermal.DataPoint
	if need := c.floor - len(full); need > 0 {
		for need > 0 && (len(mid) > 0 || len(low) > 0) {
			if len(mid) > 0 {
				promoted = append(promoted, mid[len(mid)-1])
				mid = mid[:len(mid)-1]
			} else {
				promoted = append(promoted, low[len(low)-1])
				low = low[:len(low)-1]
			}
			need--
		}
		report.Promoted = len(promoted)
	}

	set := newBucketSet(state.Buckets)

	// Buckets expire by their start, like raw samples by their timestamp.
	// Raw samples are always newer than bucketed ones, so a bucket never
	// outlives the raw samples that kept it out of the floor.
	for _, b := range state.Buckets {
		if b.Start.Before(retentionCut) {
			set.remove(b)
			report.ExpiredBuckets++
		}
	}

	// Hourly buckets entirely below the low-res boundary roll into days;
	// hourly buckets narrower than the current span are widened to it
	var rollup, narrow []thermal.AggregatedDataPoint
	for _, b := range set.byKey {
		if b.Kind != thermal.BucketHour {
			continue
		}
		switch {
		case !b.End().After(lowCut):
			rollup = append(rollup, b)
		case b.SpanHours < c.midSpan:
			narrow = append(narrow, b)
		}
	}
	if len(rollup) > 0 || len(narrow) > 0 {
		sortBuckets(rollup)
		sortBuckets(narrow)
		dayAccs := make(map[string]*accumulator)
		groupBuckets(dayAccs, rollup, thermal.BucketDay, daySpanHours)
		midAccs := make(map[string]*accumulator)
		groupBuckets(midAccs, narrow, thermal.BucketHour, c.midSpan)
		for _, b := range rollup {
			set.remove(b)
		}
		for _, b := range narrow {
			set.remove(b)
		}
		set.merge(dayAccs)
		set.merge(midAccs)
		report.RolledUp = len(rollup)
	}

	// Aggregate remaining candidates into their tier
	if len(mid) > 0 || len(low) > 0 {
		accs := make(map[string]*accumulator)
		groupPoints(accs, mid, thermal.BucketHour, c.midSpan)
		groupPoints(accs, low, thermal.BucketDay, daySpanHours)
		set.merge(accs)
		report.Aggregated = len(mid) + len(low)
	}

	raw := make([]thermal.DataPoint, 0, len(promoted)+len(full))
	for i := len(promoted) - 1; i >= 0; i-- {
		raw = append(raw, promoted[i])
	}
	raw = append(raw, full...)

	state.Raw = raw
	state.Buckets = set.sorted()

	c.guard(state, now, lowCut, budget, &report)

	report.MidSpanHours = c.midSpan
	return report
}

// guard coarsens the state until it fits the budget, applying one action
// per iteration in order: widen the mid span, convert days to 2-day
// buckets, demote the oldest raw samples above the floor, drop the oldest
// coarse bucket.
func (c *Compactor) guard(state *State, now, lowCut time.Time, budget Budget, report *Report) {
	size, entries := Measure(state)

	for report.GuardIterations < c.maxIterations {
		if size <= budget.TargetBytes && entries <= budget.MaxEntries {
			break
		}

		action, ok := c.step(state, lowCut, budget, size, entries, report)
		if !ok {
			c.log.Debug().
				Int("size_bytes", size).
				Int("entries", entries).
				Msg("No guard action available")
			break
		}

		report.GuardIterations++
		report.Actions = append(report.Actions, action)
		size, entries = Measure(state)

		c.log.Debug().
			Str("action", string(action)).
			Int("iteration", report.GuardIterations).
			Int("size_bytes", size).
			Int("entries", entries).
			Msg("Guard step applied")
	}

	report.SizeBytes = size
	report.Entries = entries
	report.Exhausted = size > budget.TargetBytes || entries > budget.MaxEntries
}

func (c *Compactor) step(state *State, lowCut time.Time, budget Budget, size, entries int, report *Report) (GuardAction, bool) {
	var hours, days, twoDays []thermal.AggregatedDataPoint
	for _, b := range state.Buckets {
		switch b.Kind {
		case thermal.BucketHour:
			hours = append(hours, b)
		case thermal.BucketDay:
			days = append(days, b)
		case thermal.BucketTwoDays:
			twoDays = append(twoDays, b)
		}
	}

	if next := nextMidSpan(c.midSpan); next > 0 && len(hours) > 0 {
		c.midSpan = next
		c.replace(state, hours, thermal.BucketHour, next)
		return ActionWidenSpan, true
	}

	if len(days) > 0 {
		c.replace(state, days, thermal.BucketTwoDays, twoDaysSpanHours)
		return ActionDayToTwo, true
	}

	if avail := len(state.Raw) - c.floor; avail > 0 {
		c.demoteRaw(state, lowCut, c.demoteCount(state, budget, size, entries, avail))
		return ActionDemoteRaw, true
	}

	oldest := twoDays
	if len(oldest) == 0 {
		oldest = days
	}
	if len(oldest) > 0 {
		victim := oldest[0] // Buckets are sorted oldest first
		set := newBucketSet(state.Buckets)
		set.remove(victim)
		state.Buckets = set.sorted()
		report.DroppedBuckets++
		report.DroppedSamples += victim.DataPointCount
		c.log.Info().
			Str("bucket", victim.Key()).
			Int("samples", victim.DataPointCount).
			Msg("Dropped oldest coarse bucket")
		return ActionDropBucket, true
	}

	return "", false
}

// replace re-aggregates buckets into kind/span and swaps them in atomically
func (c *Compactor) replace(state *State, buckets []thermal.AggregatedDataPoint, kind thermal.BucketKind, span int) {
	accs := make(map[string]*accumulator)
	groupBuckets(accs, buckets, kind, span)

	set := newBucketSet(state.Buckets)
	for _, b := range buckets {
		set.remove(b)
	}
	set.merge(accs)
	state.Buckets = set.sorted()
}

// demoteCount sizes a raw demotion batch to cover the current excess
func (c *Compactor) demoteCount(state *State, budget Budget, size, entries, avail int) int {
	need := entries - budget.MaxEntries
	if excess := size - budget.TargetBytes; excess > 0 && len(state.Raw) > 0 {
		perPoint := max(serializedSize(state.Raw)/len(state.Raw), 1)
		need = max(need, (excess+perPoint-1)/perPoint)
	}
	return min(avail, max(need, minDemoteBatch))
}

// demoteRaw aggregates the n oldest raw samples into their tier's buckets
func (c *Compactor) demoteRaw(state *State, lowCut time.Time, n int) {
	victims := state.Raw[:n]

	var mid, low []thermal.DataPoint
	for _, p := range victims {
		if p.Timestamp.Before(lowCut) {
			low = append(low, p)
		} else {
			mid = append(mid, p)
		}
	}

	accs := make(map[string]*accumulator)
	groupPoints(accs, mid, thermal.BucketHour, c.midSpan)
	groupPoints(accs, low, thermal.BucketDay, daySpanHours)

	set := newBucketSet(state.Buckets)
	set.merge(accs)
	state.Buckets = set.sorted()
	state.Raw = append([]thermal.DataPoint(nil), state.Raw[n:]...)
}
