package compaction

import (
	"sort"
	"time"

	"github.com/nicktill/thermalstore/pkg/thermal"
)

// accumulator collects count-weighted sums for one bucket window
type accumulator struct {
	kind  thermal.BucketKind
	span  int
	start time.Time

	count    int
	indoor   float64
	outdoor  float64
	target   float64
	wind     float64
	humidity float64
	heating  float64 // Weighted heating fraction sum

	energy    float64
	hasEnergy bool
}

func newAccumulator(kind thermal.BucketKind, span int, start time.Time) *accumulator {
	return &accumulator{kind: kind, span: span, start: start}
}

func (a *accumulator) addPoint(p thermal.DataPoint) {
	a.count++
	a.indoor += p.IndoorTemperature
	a.outdoor += p.OutdoorTemperature
	a.target += p.TargetTemperature
	a.wind += p.WindSpeed()
	if p.WeatherConditions != nil {
		a.humidity += p.WeatherConditions.Humidity
	}
	if p.HeatingActive {
		a.heating++
	}
	if p.EnergyUsage != nil {
		a.energy += *p.EnergyUsage
		a.hasEnergy = true
	}
}

func (a *accumulator) addBucket(b thermal.AggregatedDataPoint) {
	w := float64(b.DataPointCount)
	a.count += b.DataPointCount
	a.indoor += b.AvgIndoorTemp * w
	a.outdoor += b.AvgOutdoorTemp * w
	a.target += b.AvgTargetTemp * w
	a.wind += b.AvgWindSpeed * w
	a.humidity += b.AvgHumidity * w
	a.heating += b.HeatingFraction() * w
	if b.EnergyUsage != nil {
		a.energy += *b.EnergyUsage
		a.hasEnergy = true
	}
}

func (a *accumulator) bucket() thermal.AggregatedDataPoint {
	n := float64(a.count)
	b := thermal.AggregatedDataPoint{
		Kind:           a.kind,
		SpanHours:      a.span,
		Start:          a.start,
		AvgIndoorTemp:  a.indoor / n,
		AvgOutdoorTemp: a.outdoor / n,
		AvgTargetTemp:  a.target / n,
		AvgWindSpeed:   a.wind / n,
		AvgHumidity:    a.humidity / n,
		HeatingHours:   a.heating / n * float64(a.span),
		DataPointCount: a.count,
	}
	if a.hasEnergy {
		e := a.energy
		b.EnergyUsage = &e
	}
	return b
}

// bucketSet indexes buckets by merge key while a pass rebuilds them
type bucketSet struct {
	byKey map[string]thermal.AggregatedDataPoint
}

func newBucketSet(buckets []thermal.AggregatedDataPoint) *bucketSet {
	s := &bucketSet{byKey: make(map[string]thermal.AggregatedDataPoint, len(buckets))}
	for _, b := range buckets {
		s.byKey[b.Key()] = b
	}
	return s
}

// merge folds each accumulator into the stored bucket with the same key.
// The stored bucket's samples are carried into the replacement, so merging
// never loses history and a pass without new inputs changes nothing.
func (s *bucketSet) merge(accs map[string]*accumulator) {
	for key, acc := range accs {
		if acc.count == 0 {
			continue
		}
		if existing, ok := s.byKey[key]; ok {
			acc.addBucket(existing)
		}
		s.byKey[key] = acc.bucket()
	}
}

func (s *bucketSet) remove(b thermal.AggregatedDataPoint) {
	delete(s.byKey, b.Key())
}

// sorted returns buckets ordered by start, then kind, then span
func (s *bucketSet) sorted() []thermal.AggregatedDataPoint {
	out := make([]thermal.AggregatedDataPoint, 0, len(s.byKey))
	for _, b := range s.byKey {
		out = append(out, b)
	}
	sortBuckets(out)
	return out
}

func sortBuckets(buckets []thermal.AggregatedDataPoint) {
	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.SpanHours < b.SpanHours
	})
}

// groupPoints accumulates raw points into buckets of the given kind and span
func groupPoints(accs map[string]*accumulator, points []thermal.DataPoint, kind thermal.BucketKind, span int) {
	for _, p := range points {
		start := bucketStart(p.Timestamp, span)
		key := thermal.BucketKey(kind, span, start)
		acc, ok := accs[key]
		if !ok {
			acc = newAccumulator(kind, span, start)
			accs[key] = acc
		}
		acc.addPoint(p)
	}
}

// groupBuckets re-aggregates existing buckets into a coarser kind and span
func groupBuckets(accs map[string]*accumulator, buckets []thermal.AggregatedDataPoint, kind thermal.BucketKind, span int) {
	for _, b := range buckets {
		start := bucketStart(b.Start, span)
		key := thermal.BucketKey(kind, span, start)
		acc, ok := accs[key]
		if !ok {
			acc = newAccumulator(kind, span, start)
			accs[key] = acc
		}
		acc.addBucket(b)
	}
}

// bucketStart truncates t (in UTC) to a multiple of span hours
func bucketStart(t time.Time, span int) time.Time {
	return t.UTC().Truncate(time.Duration(span) * time.Hour)
}

// nextMidSpan returns the span after current, or 0 when already widest
func nextMidSpan(current int) int {
	for i, s := range MidSpans {
		if s == current && i+1 < len(MidSpans) {
			return MidSpans[i+1]
		}
	}
	return 0
}

func sortPoints(points []thermal.DataPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
}
