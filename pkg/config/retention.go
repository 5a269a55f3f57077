package config

import (
	"sync/atomic"
	"time"
)

// RetentionConfig holds the tunable retention parameters.
// Values are read fresh on every rebalance pass so they can change live.
type RetentionConfig struct {
	RetentionDays int `mapstructure:"days" json:"retentionDays"`
	FullResDays   int `mapstructure:"full_res_days" json:"fullResDays"`
	MaxPoints     int `mapstructure:"max_points" json:"maxPoints"`
	TargetKB      int `mapstructure:"target_kb" json:"targetKB"`
}

// DefaultRetention returns the stock retention settings
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		RetentionDays: DefaultRetentionDays,
		FullResDays:   DefaultFullResDays,
		MaxPoints:     DefaultMaxPoints,
		TargetKB:      DefaultTargetKB,
	}
}

// Normalize fills zero values with defaults and clamps everything into bounds
func (c RetentionConfig) Normalize() RetentionConfig {
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.FullResDays == 0 {
		c.FullResDays = DefaultFullResDays
	}
	if c.MaxPoints == 0 {
		c.MaxPoints = DefaultMaxPoints
	}
	if c.TargetKB == 0 {
		c.TargetKB = DefaultTargetKB
	}

	c.RetentionDays = clamp(c.RetentionDays, MinRetentionDays, MaxRetentionDays)
	c.FullResDays = clamp(c.FullResDays, MinFullResDays, min(MaxFullResDays, c.RetentionDays))
	c.MaxPoints = clamp(c.MaxPoints, MinMaxPoints, MaxMaxPoints)
	c.TargetKB = clamp(c.TargetKB, MinTargetKB, MaxTargetKB)
	return c
}

// TargetBytes returns the soft size target in bytes
func (c RetentionConfig) TargetBytes() int {
	return c.TargetKB * 1024
}

// LowResDays returns the age at which data moves to daily resolution.
// Never earlier than the full-resolution window, never later than retention.
func (c RetentionConfig) LowResDays() int {
	return max(c.FullResDays, min(LowResBoundaryDays, c.RetentionDays))
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// RetentionSource supplies the current retention parameters
type RetentionSource interface {
	RetentionConfig() RetentionConfig
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now in UTC
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a settable clock for deterministic tests
type FixedClock struct {
	t atomic.Int64
}

// NewFixedClock creates a clock frozen at t
func NewFixedClock(t time.Time) *FixedClock {
	c := &FixedClock{}
	c.Set(t)
	return c
}

// Now returns the frozen time
func (c *FixedClock) Now() time.Time {
	return time.Unix(0, c.t.Load()).UTC()
}

// Set moves the clock to t
func (c *FixedClock) Set(t time.Time) {
	c.t.Store(t.UnixNano())
}

// Advance moves the clock forward by d
func (c *FixedClock) Advance(d time.Duration) {
	c.t.Add(int64(d))
}

// Static is a RetentionSource that always returns the same settings
type Static RetentionConfig

// RetentionConfig returns the normalized settings
func (s Static) RetentionConfig() RetentionConfig {
	return RetentionConfig(s).Normalize()
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
