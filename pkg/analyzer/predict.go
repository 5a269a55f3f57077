package analyzer

import "math"

// PredictTemperature steps the indoor temperature forward by minutes
// using the current model
func (a *Analyzer) PredictTemperature(current, target, outdoor float64, heatingActive bool, windSpeed, minutes float64) float64 {
	m := a.Characteristics()
	hours := minutes / 60

	var delta float64
	if heatingActive && current < target {
		delta = m.HeatingRate * (target - current) * hours
	} else {
		delta = -m.CoolingRate*(current-outdoor)*hours - m.WindImpact*windSpeed*hours
	}
	delta += m.OutdoorTempImpact * (outdoor - current) * hours * OutdoorDriftDamping

	return current + delta
}

// TimeToTarget estimates how long reaching target takes: heating when
// target is above current, passive cooling when below.
//
// A target on the wrong side of the driving gradient (cooling towards or
// below a warmer outdoor temperature) is unreachable at model confidence.
// A non-positive rate from the learned parameters is unreachable with
// zero confidence.
func (a *Analyzer) TimeToTarget(current, target, outdoor, windSpeed float64) Estimate {
	m := a.Characteristics()
	unreachable := Estimate{Minutes: math.Inf(1), Confidence: 0}

	diff := target - current
	if diff == 0 {
		return Estimate{Minutes: 0, Confidence: m.ModelConfidence}
	}

	drift := m.OutdoorTempImpact * (outdoor - current) * OutdoorDriftDamping

	var rate float64 // °C per hour toward target
	if diff > 0 {
		if m.HeatingRate <= 0 {
			return unreachable
		}
		rate = m.HeatingRate*diff + drift
	} else {
		gradient := current - outdoor
		if gradient <= 0 || target < outdoor {
			return Estimate{Minutes: math.Inf(1), Confidence: m.ModelConfidence}
		}
		if m.CoolingRate <= 0 {
			return unreachable
		}
		rate = m.CoolingRate*gradient + m.WindImpact*windSpeed - drift
	}

	if rate <= 0 || math.IsNaN(rate) {
		return unreachable
	}
	return Estimate{
		Minutes:    math.Abs(diff) / rate * 60,
		Confidence: m.ModelConfidence,
	}
}
