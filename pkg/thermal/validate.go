package thermal

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sample limits
const (
	MinIndoorTemp  = -10.0
	MaxIndoorTemp  = 40.0
	MinOutdoorTemp = -50.0
	MaxOutdoorTemp = 50.0
	MinTargetTemp  = 5.0
	MaxTargetTemp  = 30.0
	MaxPercent     = 100.0
)

// ErrInvalidSample is wrapped by every validation failure
var ErrInvalidSample = errors.New("invalid thermal sample")

// ValidationError describes which field of a sample was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidSample, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSample
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a sample against the accepted ranges.
// now bounds the timestamp: samples from the future are rejected.
func Validate(p DataPoint, now time.Time) error {
	if p.Timestamp.IsZero() {
		return invalid("timestamp", "is missing")
	}
	if p.Timestamp.After(now) {
		return invalid("timestamp", "%s is in the future", p.Timestamp.Format(time.RFC3339))
	}

	if err := checkRange("indoorTemperature", p.IndoorTemperature, MinIndoorTemp, MaxIndoorTemp); err != nil {
		return err
	}
	if err := checkRange("outdoorTemperature", p.OutdoorTemperature, MinOutdoorTemp, MaxOutdoorTemp); err != nil {
		return err
	}
	if err := checkRange("targetTemperature", p.TargetTemperature, MinTargetTemp, MaxTargetTemp); err != nil {
		return err
	}

	w := p.WeatherConditions
	if w == nil {
		return invalid("weatherConditions", "is missing")
	}
	if err := checkRange("weatherConditions.windSpeed", w.WindSpeed, 0, math.MaxFloat64); err != nil {
		return err
	}
	if err := checkRange("weatherConditions.humidity", w.Humidity, 0, MaxPercent); err != nil {
		return err
	}
	if err := checkRange("weatherConditions.cloudCover", w.CloudCover, 0, MaxPercent); err != nil {
		return err
	}
	if err := checkRange("weatherConditions.precipitation", w.Precipitation, 0, math.MaxFloat64); err != nil {
		return err
	}

	if p.EnergyUsage != nil {
		if err := checkRange("energyUsage", *p.EnergyUsage, 0, math.MaxFloat64); err != nil {
			return err
		}
	}

	return nil
}

func checkRange(field string, v, min, max float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "is not finite")
	}
	if v < min || v > max {
		return invalid(field, "%.2f outside [%.2f, %.2f]", v, min, max)
	}
	return nil
}

// wirePoint mirrors DataPoint with every field optional so that absent
// fields can be told apart from zero values.
type wirePoint struct {
	Timestamp          *string      `json:"timestamp"`
	IndoorTemperature  *float64     `json:"indoorTemperature"`
	OutdoorTemperature *float64     `json:"outdoorTemperature"`
	TargetTemperature  *float64     `json:"targetTemperature"`
	HeatingActive      *bool        `json:"heatingActive"`
	WeatherConditions  *wireWeather `json:"weatherConditions"`
	EnergyUsage        *float64     `json:"energyUsage"`
}

type wireWeather struct {
	WindSpeed     *float64 `json:"windSpeed"`
	Humidity      *float64 `json:"humidity"`
	CloudCover    *float64 `json:"cloudCover"`
	Precipitation *float64 `json:"precipitation"`
}

// ParseDataPoint decodes a JSON sample from a device payload and validates it.
// Every field except energyUsage must be present.
func ParseDataPoint(data []byte, now time.Time) (DataPoint, error) {
	var w wirePoint
	if err := json.Unmarshal(data, &w); err != nil {
		return DataPoint{}, fmt.Errorf("%w: decode: %v", ErrInvalidSample, err)
	}

	p, err := w.toDataPoint()
	if err != nil {
		return DataPoint{}, err
	}
	if err := Validate(p, now); err != nil {
		return DataPoint{}, err
	}
	return p, nil
}

func (w wirePoint) toDataPoint() (DataPoint, error) {
	required := []struct {
		name string
		set  bool
	}{
		{"timestamp", w.Timestamp != nil},
		{"indoorTemperature", w.IndoorTemperature != nil},
		{"outdoorTemperature", w.OutdoorTemperature != nil},
		{"targetTemperature", w.TargetTemperature != nil},
		{"heatingActive", w.HeatingActive != nil},
		{"weatherConditions", w.WeatherConditions != nil},
	}
	for _, r := range required {
		if !r.set {
			return DataPoint{}, invalid(r.name, "is missing")
		}
	}

	ww := w.WeatherConditions
	weatherFields := []struct {
		name string
		set  bool
	}{
		{"weatherConditions.windSpeed", ww.WindSpeed != nil},
		{"weatherConditions.humidity", ww.Humidity != nil},
		{"weatherConditions.cloudCover", ww.CloudCover != nil},
		{"weatherConditions.precipitation", ww.Precipitation != nil},
	}
	for _, r := range weatherFields {
		if !r.set {
			return DataPoint{}, invalid(r.name, "is missing")
		}
	}

	ts, err := time.Parse(time.RFC3339Nano, *w.Timestamp)
	if err != nil {
		return DataPoint{}, invalid("timestamp", "%q does not parse", *w.Timestamp)
	}

	return DataPoint{
		Timestamp:          ts.UTC(),
		IndoorTemperature:  *w.IndoorTemperature,
		OutdoorTemperature: *w.OutdoorTemperature,
		TargetTemperature:  *w.TargetTemperature,
		HeatingActive:      *w.HeatingActive,
		WeatherConditions: &WeatherConditions{
			WindSpeed:     *ww.WindSpeed,
			Humidity:      *ww.Humidity,
			CloudCover:    *ww.CloudCover,
			Precipitation: *ww.Precipitation,
		},
		EnergyUsage: w.EnergyUsage,
	}, nil
}
