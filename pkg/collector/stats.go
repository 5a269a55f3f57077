package collector

import (
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/thermal"
)

// Stats summarizes the raw buffer over a recent window. Aggregated
// history is not included.
type Stats struct {
	DataPointCount       int        `json:"dataPointCount"`
	AvgIndoorTemp        float64    `json:"avgIndoorTemp"`
	AvgOutdoorTemp       float64    `json:"avgOutdoorTemp"`
	HeatingActivePercent float64    `json:"heatingActivePercent"`
	OldestTimestamp      *time.Time `json:"oldestTimestamp,omitempty"`
	NewestTimestamp      *time.Time `json:"newestTimestamp,omitempty"`
	SamplesPerDay        float64    `json:"samplesPerDay"`
}

// Combined is the analysis view of all stored history
type Combined struct {
	Raw             []thermal.DataPoint           `json:"rawData"`
	Aggregated      []thermal.AggregatedDataPoint `json:"aggregatedData"`
	TotalDataPoints int                           `json:"totalDataPoints"`
}

// Samples returns a copy of the raw buffer, oldest first
func (c *Collector) Samples() []thermal.DataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]thermal.DataPoint(nil), c.raw...)
}

// Buckets returns a copy of the aggregated buckets
func (c *Collector) Buckets() []thermal.AggregatedDataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]thermal.AggregatedDataPoint(nil), c.buckets...)
}

// CombinedData returns both buffers plus the number of samples they
// represent, counting each bucket by its DataPointCount
func (c *Collector) CombinedData() Combined {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := len(c.raw)
	for _, b := range c.buckets {
		total += b.DataPointCount
	}
	return Combined{
		Raw:             append([]thermal.DataPoint(nil), c.raw...),
		Aggregated:      append([]thermal.AggregatedDataPoint(nil), c.buckets...),
		TotalDataPoints: total,
	}
}

// RecentSamples returns raw samples no older than hours, which is
// clamped to config.MaxRecentHours
func (c *Collector) RecentSamples(hours float64) []thermal.DataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !(hours <= config.MaxRecentHours) {
		hours = config.MaxRecentHours
	}
	cutoff := c.clock.Now().Add(-time.Duration(hours * float64(time.Hour)))
	var out []thermal.DataPoint
	for _, p := range c.raw {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Statistics describes raw samples from the last days days (all when days <= 0)
func (c *Collector) Statistics(days int) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var cutoff time.Time
	if days > 0 {
		cutoff = c.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	}

	var stats Stats
	var indoor, outdoor float64
	var heating int
	var oldest, newest time.Time
	for _, p := range c.raw {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		stats.DataPointCount++
		indoor += p.IndoorTemperature
		outdoor += p.OutdoorTemperature
		if p.HeatingActive {
			heating++
		}
		if oldest.IsZero() || p.Timestamp.Before(oldest) {
			oldest = p.Timestamp
		}
		if newest.IsZero() || p.Timestamp.After(newest) {
			newest = p.Timestamp
		}
	}

	if stats.DataPointCount == 0 {
		return stats
	}

	n := float64(stats.DataPointCount)
	stats.AvgIndoorTemp = indoor / n
	stats.AvgOutdoorTemp = outdoor / n
	stats.HeatingActivePercent = float64(heating) / n * 100
	stats.OldestTimestamp = &oldest
	stats.NewestTimestamp = &newest

	spanDays := newest.Sub(oldest).Hours() / 24
	if spanDays < 1 {
		spanDays = 1
	}
	stats.SamplesPerDay = n / spanDays
	return stats
}
