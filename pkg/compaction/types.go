package compaction

import (
	"errors"
	"fmt"

	"github.com/nicktill/thermalstore/pkg/thermal"
)

// ErrGuardExhausted is reported when the size guard could not bring the
// store under budget. The store is left in the best state reached.
var ErrGuardExhausted = errors.New("size guard exhausted")

// MidSpans is the sequence the mid-tier bucket span widens along
var MidSpans = []int{1, 2, 3, 4, 6, 8, 12}

const (
	daySpanHours     = 24
	twoDaysSpanHours = 48
)

// State is the collector's mutable data: raw samples (oldest first) and
// aggregated buckets (ordered by start, kind, span)
type State struct {
	Raw     []thermal.DataPoint
	Buckets []thermal.AggregatedDataPoint
}

// Entries returns the total number of stored records
func (s *State) Entries() int {
	return len(s.Raw) + len(s.Buckets)
}

// RepresentedSamples counts every raw sample the state stands for
func (s *State) RepresentedSamples() int {
	n := len(s.Raw)
	for _, b := range s.Buckets {
		n += b.DataPointCount
	}
	return n
}

// Budget bounds the stored state
type Budget struct {
	MaxEntries  int
	TargetBytes int
}

// GuardAction names a coarsening step of the guard loop
type GuardAction string

const (
	ActionWidenSpan  GuardAction = "widen_span"
	ActionDayToTwo   GuardAction = "day_to_2day"
	ActionDemoteRaw  GuardAction = "demote_raw"
	ActionDropBucket GuardAction = "drop_bucket"
)

// Report describes what a rebalance pass did
type Report struct {
	Expired        int // Raw samples older than retention
	ExpiredBuckets int
	Promoted       int // Candidates kept at full resolution to satisfy the floor
	Aggregated     int // Raw samples folded into buckets by tier
	RolledUp       int // Hourly buckets rolled into daily ones

	GuardIterations int
	Actions         []GuardAction
	DroppedBuckets  int
	DroppedSamples  int // Samples represented by dropped buckets
	Exhausted       bool

	MidSpanHours int
	SizeBytes    int
	Entries      int
	Budget       Budget
}

// Changed reports whether the pass modified the state
func (r Report) Changed() bool {
	return r.Expired > 0 || r.ExpiredBuckets > 0 || r.Aggregated > 0 ||
		r.RolledUp > 0 || len(r.Actions) > 0
}

// Err returns ErrGuardExhausted with context when the budget was not met
func (r Report) Err() error {
	if !r.Exhausted {
		return nil
	}
	return fmt.Errorf("%w after %d iterations: %d bytes (target %d), %d entries (max %d)",
		ErrGuardExhausted, r.GuardIterations, r.SizeBytes, r.Budget.TargetBytes, r.Entries, r.Budget.MaxEntries)
}
