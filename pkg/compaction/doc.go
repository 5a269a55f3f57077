/*
Package compaction implements the retention pipeline for thermal history.

# Tiers

Samples move through three resolutions as they age:

	┌─────────────────────────────────────────────────────────────┐
	│ Full resolution (0 - fullResDays)                           │
	│ • Every raw sample, used by the analyzer                    │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ aggregate
	┌─────────────────────────────────────────────────────────────┐
	│ Hourly buckets (fullResDays - 30 days, capped at retention) │
	│ • Adaptive span: 1, 2, 3, 4, 6, 8 or 12 hours               │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ roll up
	┌─────────────────────────────────────────────────────────────┐
	│ Daily buckets, later 2-day buckets (30 days - retention)    │
	└─────────────────────────────────────────────────────────────┘

Anything past retentionDays is dropped.

# Promotion

If fewer than 100 samples are younger than fullResDays, the most recent
older samples stay raw until the floor is met. The analyzer always has a
usable window, even right after a long gap in data.

# Merging

A bucket is identified by (kind, span, start). New inputs for an existing
key are folded into the stored bucket (weighted by DataPointCount) and the
result replaces it. Running a pass twice with no new samples produces
identical state.

# Size Guard

After tiering, the guard loop runs while the serialized state exceeds
targetKB or the entry count exceeds the point budget. Each iteration
applies the first available action:

 1. Widen the hourly span to the next step and re-aggregate hourly buckets
 2. Convert daily buckets into 2-day buckets
 3. Demote the oldest raw samples above the floor into buckets
 4. Drop the oldest 2-day (else daily) bucket

The loop stops after 50 iterations. An unmet budget is reported through
Report.Err as ErrGuardExhausted; it is never fatal.

# Usage

	c := compaction.New(compaction.WithLogger(log))
	report := c.Rebalance(&state, clock.Now(), retention, maxPoints)
	if err := report.Err(); err != nil {
	    log.Warn().Err(err).Msg("Guard loop exhausted")
	}
*/
package compaction
