package thermal

import (
	"fmt"
	"time"
)

// WeatherConditions captured alongside each sample
type WeatherConditions struct {
	WindSpeed     float64 `json:"windSpeed"`     // m/s, >= 0
	Humidity      float64 `json:"humidity"`      // %, 0-100
	CloudCover    float64 `json:"cloudCover"`    // %, 0-100
	Precipitation float64 `json:"precipitation"` // mm, >= 0
}

// DataPoint is a single raw environmental/operational sample.
// Points are immutable once accepted by the collector.
type DataPoint struct {
	Timestamp          time.Time          `json:"timestamp"`
	IndoorTemperature  float64            `json:"indoorTemperature"`
	OutdoorTemperature float64            `json:"outdoorTemperature"`
	TargetTemperature  float64            `json:"targetTemperature"`
	HeatingActive      bool               `json:"heatingActive"`
	WeatherConditions  *WeatherConditions `json:"weatherConditions"`
	EnergyUsage        *float64           `json:"energyUsage,omitempty"`
}

// WindSpeed returns the sample's wind speed, or 0 if weather is missing
func (p DataPoint) WindSpeed() float64 {
	if p.WeatherConditions == nil {
		return 0
	}
	return p.WeatherConditions.WindSpeed
}

// BucketKind is the resolution tier of an aggregated bucket
type BucketKind string

const (
	BucketHour    BucketKind = "hour" // Mid tier, adaptive span 1-12h
	BucketDay     BucketKind = "day"  // Low tier
	BucketTwoDays BucketKind = "2day" // Low tier after guard coarsening
)

// AggregatedDataPoint stores averaged samples for one time bucket.
//
// (Kind, SpanHours, Start) identifies the bucket; the store never holds
// two buckets with the same key. DataPointCount is the number of raw
// samples represented and doubles as the weight for re-aggregation.
type AggregatedDataPoint struct {
	Kind      BucketKind `json:"kind"`
	SpanHours int        `json:"spanHours"`
	Start     time.Time  `json:"start"`

	AvgIndoorTemp  float64 `json:"avgIndoorTemp"`
	AvgOutdoorTemp float64 `json:"avgOutdoorTemp"`
	AvgTargetTemp  float64 `json:"avgTargetTemp"`
	AvgWindSpeed   float64 `json:"avgWindSpeed"`
	AvgHumidity    float64 `json:"avgHumidity"`

	// Duty-cycle heating time: heating fraction x SpanHours
	HeatingHours float64  `json:"heatingHours"`
	EnergyUsage  *float64 `json:"energyUsage,omitempty"`

	DataPointCount int `json:"dataPointCount"`
}

// Key returns the merge key for the bucket
func (a AggregatedDataPoint) Key() string {
	return BucketKey(a.Kind, a.SpanHours, a.Start)
}

// End returns the exclusive end of the bucket window
func (a AggregatedDataPoint) End() time.Time {
	return a.Start.Add(time.Duration(a.SpanHours) * time.Hour)
}

// HeatingFraction returns the share of the bucket during which heating ran
func (a AggregatedDataPoint) HeatingFraction() float64 {
	if a.SpanHours <= 0 {
		return 0
	}
	return a.HeatingHours / float64(a.SpanHours)
}

// BucketKey builds the unique (kind, span, start) identifier
func BucketKey(kind BucketKind, spanHours int, start time.Time) string {
	return fmt.Sprintf("%s/%d@%d", kind, spanHours, start.Unix())
}
