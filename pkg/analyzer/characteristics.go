package analyzer

import (
	"encoding/json"
	"math"
	"time"
)

// Learning constants
const (
	// MinSamples is the fewest raw samples a learning pass needs
	MinSamples = 24

	// MinPairGap is the shortest interval between samples used as a pair
	MinPairGap = 6 * time.Minute

	// ConfidenceSamples is the sample count at which confidence saturates
	// (one week of hourly data)
	ConfidenceSamples = 168

	// BlendNew weights this pass's mean; the previous value gets 1-BlendNew
	BlendNew = 0.8

	// OutdoorDriftDamping scales the outdoor drift term in predictions
	OutdoorDriftDamping = 0.1

	// MassVariationScale maps Δindoor/h spread to thermal mass
	MassVariationScale = 0.5

	minOutdoorDelta = 0.5
	minWindSpeed    = 2.0
)

// Characteristics is the learned thermal model of the building
type Characteristics struct {
	HeatingRate       float64   `json:"heatingRate"`       // 1/h per °C of target gap
	CoolingRate       float64   `json:"coolingRate"`       // 1/h per °C of indoor-outdoor gap
	OutdoorTempImpact float64   `json:"outdoorTempImpact"` // Δindoor per Δoutdoor
	WindImpact        float64   `json:"windImpact"`        // °C/h per m/s of wind
	ThermalMass       float64   `json:"thermalMass"`       // 0-1
	ModelConfidence   float64   `json:"modelConfidence"`   // 0-1
	LastUpdated       time.Time `json:"lastUpdated"`
}

// DefaultCharacteristics returns the model used before any learning
func DefaultCharacteristics() Characteristics {
	return Characteristics{
		HeatingRate:       0.5,
		CoolingRate:       0.2,
		OutdoorTempImpact: 0.1,
		WindImpact:        0.05,
		ThermalMass:       0.5,
		ModelConfidence:   0,
	}
}

// Confidence returns the model confidence backed by n raw samples
func Confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(1, float64(n)/ConfidenceSamples)
}

// Blend merges this pass's mean into the previous value
func Blend(mean, previous float64) float64 {
	return BlendNew*mean + (1-BlendNew)*previous
}

// Estimate is a time-to-target answer. Minutes is +Inf when the target
// cannot be reached.
type Estimate struct {
	Minutes    float64
	Confidence float64
}

// Reachable reports whether the target can be reached
func (e Estimate) Reachable() bool {
	return !math.IsInf(e.Minutes, 0) && !math.IsNaN(e.Minutes)
}

// MarshalJSON encodes an unreachable estimate with null minutes
func (e Estimate) MarshalJSON() ([]byte, error) {
	out := struct {
		Minutes    *float64 `json:"minutes"`
		Confidence float64  `json:"confidence"`
		Reachable  bool     `json:"reachable"`
	}{
		Confidence: e.Confidence,
		Reachable:  e.Reachable(),
	}
	if out.Reachable {
		m := e.Minutes
		out.Minutes = &m
	}
	return json.Marshal(out)
}
