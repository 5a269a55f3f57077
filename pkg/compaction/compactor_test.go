package compaction

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func point(ts time.Time, indoor float64, heating bool) thermal.DataPoint {
	return thermal.DataPoint{
		Timestamp:          ts,
		IndoorTemperature:  indoor,
		OutdoorTemperature: 5,
		TargetTemperature:  21,
		HeatingActive:      heating,
		WeatherConditions:  &thermal.WeatherConditions{WindSpeed: 3, Humidity: 60},
	}
}

// series builds n samples ending at end, spaced step apart, oldest first
func series(end time.Time, n int, step time.Duration) []thermal.DataPoint {
	out := make([]thermal.DataPoint, n)
	for i := 0; i < n; i++ {
		ts := end.Add(-time.Duration(n-1-i) * step)
		out[i] = point(ts, 18+float64(i%10)*0.2, i%2 == 0)
	}
	return out
}

func generous() config.RetentionConfig {
	return config.RetentionConfig{RetentionDays: 60, FullResDays: 14, MaxPoints: 20000, TargetKB: 900}
}

func snapshot(t *testing.T, s *State) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return string(data)
}

func TestRebalance_KeepsRecentSamplesRaw(t *testing.T) {
	state := &State{Raw: series(testNow, 200, 30*time.Minute)}

	report := New().Rebalance(state, testNow, generous(), 0)

	assert.Len(t, state.Raw, 200)
	assert.Empty(t, state.Buckets)
	assert.False(t, report.Changed())
	assert.NoError(t, report.Err())
}

func TestRebalance_AggregatesMidTierIntoHourBuckets(t *testing.T) {
	// 150 recent samples plus 12 samples 20 days old within two hours
	old := testNow.Add(-20 * day).Truncate(time.Hour)
	var raw []thermal.DataPoint
	for i := 0; i < 12; i++ {
		raw = append(raw, point(old.Add(time.Duration(i)*10*time.Minute), 20, i < 3))
	}
	raw = append(raw, series(testNow, 150, 10*time.Minute)...)
	state := &State{Raw: raw}

	report := New().Rebalance(state, testNow, generous(), 0)

	assert.Equal(t, 12, report.Aggregated)
	assert.Len(t, state.Raw, 150)
	require.Len(t, state.Buckets, 2)

	first := state.Buckets[0]
	assert.Equal(t, thermal.BucketHour, first.Kind)
	assert.Equal(t, 1, first.SpanHours)
	assert.Equal(t, old, first.Start)
	assert.Equal(t, 6, first.DataPointCount)
	assert.InDelta(t, 20.0, first.AvgIndoorTemp, 1e-9)
	assert.InDelta(t, 0.5, first.HeatingHours, 1e-9) // 3 of 6 heating over 1h
	assert.Equal(t, 162, state.RepresentedSamples())
}

func TestRebalance_LowTierIntoDayBuckets(t *testing.T) {
	old := testNow.Add(-40 * day).Truncate(day)
	var raw []thermal.DataPoint
	for i := 0; i < 48; i++ {
		raw = append(raw, point(old.Add(time.Duration(i)*30*time.Minute), 19, true))
	}
	raw = append(raw, series(testNow, 120, 10*time.Minute)...)
	state := &State{Raw: raw}

	New().Rebalance(state, testNow, generous(), 0)

	require.Len(t, state.Buckets, 1)
	b := state.Buckets[0]
	assert.Equal(t, thermal.BucketDay, b.Kind)
	assert.Equal(t, 24, b.SpanHours)
	assert.Equal(t, 48, b.DataPointCount)
	assert.InDelta(t, 24.0, b.HeatingHours, 1e-9)
}

func TestRebalance_ExpiresPastRetention(t *testing.T) {
	raw := []thermal.DataPoint{point(testNow.Add(-61*day), 20, false)}
	raw = append(raw, series(testNow, 120, 10*time.Minute)...)
	state := &State{
		Raw: raw,
		Buckets: []thermal.AggregatedDataPoint{
			{Kind: thermal.BucketDay, SpanHours: 24, Start: testNow.Add(-70 * day).Truncate(day), DataPointCount: 10},
		},
	}

	report := New().Rebalance(state, testNow, generous(), 0)

	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.ExpiredBuckets)
	assert.Len(t, state.Raw, 120)
	assert.Empty(t, state.Buckets)
}

func TestRebalance_PromotionFloor(t *testing.T) {
	// 10 recent samples, 300 samples 20 days old
	var raw []thermal.DataPoint
	raw = append(raw, series(testNow.Add(-20*day), 300, 5*time.Minute)...)
	raw = append(raw, series(testNow, 10, 10*time.Minute)...)
	state := &State{Raw: raw}

	report := New().Rebalance(state, testNow, generous(), 0)

	assert.Equal(t, 90, report.Promoted)
	assert.Len(t, state.Raw, config.MinFullResPoints)
	assert.Equal(t, 310, state.RepresentedSamples())

	// The promoted samples are the most recent candidates
	assert.True(t, state.Raw[0].Timestamp.Equal(raw[210].Timestamp))
	for _, b := range state.Buckets {
		assert.True(t, b.Start.Before(state.Raw[0].Timestamp))
	}
}

func TestRebalance_PromotionFloorProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		n := 1 + rng.Intn(400)
		var raw []thermal.DataPoint
		for i := 0; i < n; i++ {
			age := time.Duration(rng.Int63n(int64(59 * day)))
			raw = append(raw, point(testNow.Add(-age), 15+rng.Float64()*10, rng.Intn(2) == 0))
		}
		state := &State{Raw: raw}
		c := New()

		c.Rebalance(state, testNow, generous(), 0)

		total := state.RepresentedSamples()
		assert.Equal(t, n, total, "round %d", round)
		assert.GreaterOrEqual(t, len(state.Raw), min(config.MinFullResPoints, total), "round %d", round)

		// A later pass after a gap in data pushes the oldest entries past retention
		later := testNow.Add(time.Duration(rng.Int63n(int64(3 * day))))
		c.Rebalance(state, later, generous(), 0)

		total = state.RepresentedSamples()
		assert.GreaterOrEqual(t, len(state.Raw), min(config.MinFullResPoints, total), "round %d after gap", round)
	}
}

func TestRebalance_BucketsExpireBeforeNewerRaw(t *testing.T) {
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	// 150 low-tier samples early on Jan 2, just inside the 60-day window
	first := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	state := &State{Raw: series(first.Add(149*time.Minute), 150, time.Minute)}
	c := New()

	c.Rebalance(state, now, generous(), 0)
	require.Len(t, state.Raw, config.MinFullResPoints)
	require.Len(t, state.Buckets, 1)
	require.Equal(t, 150, state.RepresentedSamples())

	// Retention cut at Jan 2 01:00: the older bucket goes, newer raw stays
	report := c.Rebalance(state, now.Add(5*time.Hour), generous(), 0)
	assert.Equal(t, 1, report.ExpiredBuckets)
	assert.Empty(t, state.Buckets)
	assert.Len(t, state.Raw, 90)
	assert.Equal(t, len(state.Raw), state.RepresentedSamples())

	// Everything has aged out
	c.Rebalance(state, now.Add(13*time.Hour), generous(), 0)
	assert.Empty(t, state.Raw)
	assert.Zero(t, state.RepresentedSamples())
}

func TestRebalance_Idempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var raw []thermal.DataPoint
	for i := 0; i < 3000; i++ {
		age := time.Duration(rng.Int63n(int64(58 * day)))
		raw = append(raw, point(testNow.Add(-age), 15+rng.Float64()*10, rng.Intn(3) == 0))
	}
	state := &State{Raw: raw}
	cfg := config.RetentionConfig{RetentionDays: 60, FullResDays: 7, MaxPoints: 2000, TargetKB: 300}

	c := New()
	first := c.Rebalance(state, testNow, cfg, 0)
	require.NoError(t, first.Err())
	before := snapshot(t, state)

	second := c.Rebalance(state, testNow, cfg, 0)
	assert.Equal(t, before, snapshot(t, state))
	assert.False(t, second.Changed())
	assert.Zero(t, second.GuardIterations)
}

func TestRebalance_MergeKeepsExistingSamples(t *testing.T) {
	start := testNow.Add(-20 * day).Truncate(time.Hour)
	existing := thermal.AggregatedDataPoint{
		Kind: thermal.BucketHour, SpanHours: 1, Start: start,
		AvgIndoorTemp: 18, AvgOutdoorTemp: 5, AvgTargetTemp: 21,
		HeatingHours: 1, DataPointCount: 3,
	}
	raw := []thermal.DataPoint{point(start.Add(30*time.Minute), 22, false)}
	raw = append(raw, series(testNow, 120, 10*time.Minute)...)
	state := &State{Raw: raw, Buckets: []thermal.AggregatedDataPoint{existing}}

	New().Rebalance(state, testNow, generous(), 0)

	require.Len(t, state.Buckets, 1)
	b := state.Buckets[0]
	assert.Equal(t, existing.Key(), b.Key())
	assert.Equal(t, 4, b.DataPointCount)
	assert.InDelta(t, 19.0, b.AvgIndoorTemp, 1e-9) // (18*3 + 22) / 4
	assert.InDelta(t, 0.75, b.HeatingHours, 1e-9)  // 3 heating of 4
}

func TestGuard_WidensMidSpan(t *testing.T) {
	var buckets []thermal.AggregatedDataPoint
	midStart := testNow.Add(-20 * day).Truncate(day)
	for h := 0; h < 24; h++ {
		buckets = append(buckets, thermal.AggregatedDataPoint{
			Kind: thermal.BucketHour, SpanHours: 1, Start: midStart.Add(time.Duration(h) * time.Hour),
			AvgIndoorTemp: 20, HeatingHours: 0.5, DataPointCount: 6,
		})
	}
	lowStart := testNow.Add(-50 * day).Truncate(2 * day)
	for d := 0; d < 4; d++ {
		buckets = append(buckets, thermal.AggregatedDataPoint{
			Kind: thermal.BucketDay, SpanHours: 24, Start: lowStart.Add(time.Duration(d) * day),
			AvgIndoorTemp: 19, HeatingHours: 12, DataPointCount: 48,
		})
	}
	state := &State{Raw: series(testNow, 100, 10*time.Minute), Buckets: buckets}

	c := New()
	report := c.Rebalance(state, testNow, generous(), 110)

	require.NoError(t, report.Err())
	assert.LessOrEqual(t, state.Entries(), 110)
	assert.Equal(t, ActionWidenSpan, report.Actions[0])
	assert.Greater(t, c.MidSpanHours(), 1)
	assert.Equal(t, 100+24*6+4*48, state.RepresentedSamples())

	for _, b := range state.Buckets {
		if b.Kind == thermal.BucketHour {
			assert.Equal(t, c.MidSpanHours(), b.SpanHours)
			assert.InDelta(t, 0.5*float64(b.SpanHours), b.HeatingHours, 1e-9)
		}
	}
}

func TestGuard_DayToTwoDays(t *testing.T) {
	lowStart := testNow.Add(-50 * day).Truncate(2 * day)
	var buckets []thermal.AggregatedDataPoint
	for d := 0; d < 10; d++ {
		buckets = append(buckets, thermal.AggregatedDataPoint{
			Kind: thermal.BucketDay, SpanHours: 24, Start: lowStart.Add(time.Duration(d) * day),
			AvgIndoorTemp: float64(18 + d%2), HeatingHours: 6, DataPointCount: 24,
		})
	}
	state := &State{Raw: series(testNow, 100, 10*time.Minute), Buckets: buckets}

	report := New().Rebalance(state, testNow, generous(), 105)

	require.NoError(t, report.Err())
	assert.Equal(t, []GuardAction{ActionDayToTwo}, report.Actions)
	require.Len(t, state.Buckets, 5)
	for _, b := range state.Buckets {
		assert.Equal(t, thermal.BucketTwoDays, b.Kind)
		assert.Equal(t, 48, b.DataPointCount)
		assert.InDelta(t, 18.5, b.AvgIndoorTemp, 1e-9)
		assert.InDelta(t, 12.0, b.HeatingHours, 1e-9)
	}
}

func TestGuard_DemotesRawAboveFloor(t *testing.T) {
	state := &State{Raw: series(testNow, 3000, 5*time.Minute)}

	report := New().Rebalance(state, testNow, generous(), 2000)

	require.NoError(t, report.Err())
	assert.Contains(t, report.Actions, ActionDemoteRaw)
	assert.LessOrEqual(t, state.Entries(), 2000)
	assert.GreaterOrEqual(t, len(state.Raw), config.MinFullResPoints)
	assert.Equal(t, 3000, state.RepresentedSamples())
}

func TestGuard_DropsOldestCoarseBucket(t *testing.T) {
	lowStart := testNow.Add(-50 * day).Truncate(2 * day)
	var buckets []thermal.AggregatedDataPoint
	for d := 0; d < 5; d++ {
		buckets = append(buckets, thermal.AggregatedDataPoint{
			Kind: thermal.BucketTwoDays, SpanHours: 48, Start: lowStart.Add(time.Duration(d) * 2 * day),
			DataPointCount: 10,
		})
	}
	state := &State{Raw: series(testNow, 100, 10*time.Minute), Buckets: buckets}

	report := New().Rebalance(state, testNow, generous(), 103)

	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.DroppedBuckets)
	assert.Equal(t, 20, report.DroppedSamples)
	require.Len(t, state.Buckets, 3)
	assert.Equal(t, lowStart.Add(4*day), state.Buckets[0].Start)
}

func TestGuard_ExhaustionIsReported(t *testing.T) {
	// Nothing can be coarsened: raw at the floor, budget below it
	state := &State{Raw: series(testNow, 100, 10*time.Minute)}

	report := New().Rebalance(state, testNow, generous(), 50)

	assert.True(t, report.Exhausted)
	require.ErrorIs(t, report.Err(), ErrGuardExhausted)
	assert.Len(t, state.Raw, 100)
}

// twoDayBuckets builds n consecutive 2-day buckets starting at from
func twoDayBuckets(from time.Time, n int) []thermal.AggregatedDataPoint {
	out := make([]thermal.AggregatedDataPoint, n)
	for i := range out {
		out[i] = thermal.AggregatedDataPoint{
			Kind: thermal.BucketTwoDays, SpanHours: 48, Start: from.Add(time.Duration(i) * 2 * day),
			AvgIndoorTemp: 19, HeatingHours: 10, DataPointCount: 20,
		}
	}
	return out
}

func TestGuard_StopsAtIterationCap(t *testing.T) {
	// A year of retention holds more 2-day buckets than the loop may drop
	cfg := config.RetentionConfig{RetentionDays: 365, FullResDays: 14, MaxPoints: 2000, TargetKB: 900}
	state := &State{
		Raw:     series(testNow, 100, 10*time.Minute),
		Buckets: twoDayBuckets(testNow.Add(-300*day).Truncate(2*day), 120),
	}

	report := New().Rebalance(state, testNow, cfg, 100)

	assert.Equal(t, config.MaxGuardIterations, report.GuardIterations)
	assert.Len(t, report.Actions, config.MaxGuardIterations)
	assert.True(t, report.Exhausted)
	require.ErrorIs(t, report.Err(), ErrGuardExhausted)
	assert.Equal(t, config.MaxGuardIterations, report.DroppedBuckets)
	assert.Len(t, state.Buckets, 120-config.MaxGuardIterations)
	assert.Len(t, state.Raw, config.MinFullResPoints)
}

func TestGuard_TerminatesOnRandomOversizedInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	kinds := []thermal.BucketKind{thermal.BucketHour, thermal.BucketDay, thermal.BucketTwoDays}
	spans := map[thermal.BucketKind]int{thermal.BucketHour: 1, thermal.BucketDay: 24, thermal.BucketTwoDays: 48}

	for round := 0; round < 10; round++ {
		var raw []thermal.DataPoint
		nRaw := 500 + rng.Intn(4000)
		for i := 0; i < nRaw; i++ {
			age := time.Duration(rng.Int63n(int64(14 * day)))
			raw = append(raw, point(testNow.Add(-age), 15+rng.Float64()*10, rng.Intn(2) == 0))
		}
		seen := map[string]bool{}
		var buckets []thermal.AggregatedDataPoint
		nBuckets := rng.Intn(2000)
		for i := 0; i < nBuckets; i++ {
			kind := kinds[rng.Intn(len(kinds))]
			span := spans[kind]
			age := 15*day + time.Duration(rng.Int63n(int64(44*day)))
			b := thermal.AggregatedDataPoint{
				Kind: kind, SpanHours: span, Start: bucketStart(testNow.Add(-age), span),
				AvgIndoorTemp: 20, DataPointCount: 1 + rng.Intn(50),
			}
			if seen[b.Key()] {
				continue
			}
			seen[b.Key()] = true
			buckets = append(buckets, b)
		}
		state := &State{Raw: raw, Buckets: buckets}
		cfg := config.RetentionConfig{RetentionDays: 60, FullResDays: 14, MaxPoints: 2000, TargetKB: 300}

		report := New().Rebalance(state, testNow, cfg, 100+rng.Intn(2000))

		assert.LessOrEqual(t, report.GuardIterations, config.MaxGuardIterations, "round %d", round)
		if !report.Exhausted {
			assert.LessOrEqual(t, report.Entries, report.Budget.MaxEntries, "round %d", round)
			assert.LessOrEqual(t, report.SizeBytes, report.Budget.TargetBytes, "round %d", round)
		}
	}
}

func TestRestore_DerivesMidSpan(t *testing.T) {
	c := New()
	c.Restore([]thermal.AggregatedDataPoint{
		{Kind: thermal.BucketHour, SpanHours: 4},
		{Kind: thermal.BucketDay, SpanHours: 24},
		{Kind: thermal.BucketHour, SpanHours: 2},
	})
	assert.Equal(t, 4, c.MidSpanHours())

	c.Reset()
	assert.Equal(t, 1, c.MidSpanHours())
}

func TestNextMidSpan(t *testing.T) {
	assert.Equal(t, 2, nextMidSpan(1))
	assert.Equal(t, 6, nextMidSpan(4))
	assert.Equal(t, 12, nextMidSpan(8))
	assert.Equal(t, 0, nextMidSpan(12))
}
