package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/rs/zerolog"
)

// CharacteristicsKey is the settings store key of the learned model
const CharacteristicsKey = "thermal_characteristics"

// Analyzer learns Characteristics from raw samples and answers
// prediction queries with them
type Analyzer struct {
	mu      sync.RWMutex
	model   Characteristics
	store   storage.Store
	clock   config.Clock
	metrics *telemetry.Metrics
	log     zerolog.Logger

	// persistMu orders store writes; mu is never held during I/O
	persistMu sync.Mutex
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(a *Analyzer) {
		a.log = log
	}
}

// WithClock overrides the wall clock
func WithClock(clock config.Clock) Option {
	return func(a *Analyzer) {
		a.clock = clock
	}
}

// WithMetrics attaches prometheus metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// New creates an analyzer with the default model. Call Load to restore
// the persisted one.
func New(store storage.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		model: DefaultCharacteristics(),
		store: store,
		clock: config.SystemClock{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Load restores the persisted model. An undecodable record is logged and
// the defaults are kept.
func (a *Analyzer) Load(ctx context.Context) error {
	blob, ok, err := a.store.Get(ctx, CharacteristicsKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var model Characteristics
	if err := json.Unmarshal([]byte(blob), &model); err != nil {
		a.log.Warn().Err(err).Msg("Discarding undecodable thermal characteristics")
		return nil
	}

	a.mu.Lock()
	a.model = model
	a.mu.Unlock()

	a.metrics.SetModelConfidence(model.ModelConfidence)
	a.log.Info().
		Float64("heating_rate", model.HeatingRate).
		Float64("cooling_rate", model.CoolingRate).
		Float64("confidence", model.ModelConfidence).
		Msg("Thermal characteristics loaded")
	return nil
}

// Characteristics returns the current model
func (a *Analyzer) Characteristics() Characteristics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Persist writes the current model to the store
func (a *Analyzer) Persist(ctx context.Context) error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.RLock()
	model := a.model
	a.mu.RUnlock()
	return a.persist(ctx, model)
}

func (a *Analyzer) persist(ctx context.Context, model Characteristics) error {
	blob, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode characteristics: %w", err)
	}
	if err := a.store.Set(ctx, CharacteristicsKey, string(blob)); err != nil {
		a.metrics.PersistFailed(CharacteristicsKey)
		a.log.Error().Err(err).Msg("Failed to persist thermal characteristics")
		return err
	}
	return nil
}

// observations are the typed ratios derived from one pass over the samples
type observations struct {
	heating   []float64
	cooling   []float64
	outdoor   []float64
	wind      []float64
	variation []float64 // Δindoor per hour for every usable pair
}

// UpdateModel runs one learning pass over samples.
//
// With fewer than MinSamples samples it returns the current model
// unchanged. Otherwise every characteristic with observations this pass is
// blended 80/20 with its previous value, and confidence is recomputed from
// the sample count. The whole record is replaced and persisted; a
// persistence failure is returned but the in-memory model is updated.
func (a *Analyzer) UpdateModel(ctx context.Context, samples []thermal.DataPoint) (Characteristics, error) {
	a.mu.Lock()

	if len(samples) < MinSamples {
		model := a.model
		a.mu.Unlock()
		a.log.Debug().
			Int("samples", len(samples)).
			Int("required", MinSamples).
			Msg("Not enough samples to update thermal model")
		return model, nil
	}

	sorted := append([]thermal.DataPoint(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	prev := a.model
	obs := observe(sorted, prev.CoolingRate)

	next := prev
	next.HeatingRate = blendMean(obs.heating, prev.HeatingRate)
	next.CoolingRate = blendMean(obs.cooling, prev.CoolingRate)
	next.OutdoorTempImpact = blendMean(obs.outdoor, prev.OutdoorTempImpact)
	next.WindImpact = blendMean(obs.wind, prev.WindImpact)
	if len(obs.variation) > 0 {
		next.ThermalMass = Blend(massFromVariation(obs.variation), prev.ThermalMass)
	}
	next.ModelConfidence = Confidence(len(samples))
	next.LastUpdated = a.clock.Now()

	a.model = next
	a.mu.Unlock()
	a.metrics.ModelUpdated(next.ModelConfidence)

	a.log.Info().
		Int("samples", len(samples)).
		Int("heating_obs", len(obs.heating)).
		Int("cooling_obs", len(obs.cooling)).
		Int("outdoor_obs", len(obs.outdoor)).
		Int("wind_obs", len(obs.wind)).
		Float64("heating_rate", next.HeatingRate).
		Float64("cooling_rate", next.CoolingRate).
		Float64("thermal_mass", next.ThermalMass).
		Float64("confidence", next.ModelConfidence).
		Msg("Thermal model updated")

	// Persist writes the latest model, which is next unless a concurrent
	// pass has already replaced it
	return next, a.Persist(ctx)
}

// observe derives typed ratio samples from consecutive pairs. Each pair
// uses the earlier sample's state as the cause of the observed change.
func observe(sorted []thermal.DataPoint, coolingRate float64) observations {
	var obs observations

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		gap := cur.Timestamp.Sub(prev.Timestamp)
		if gap < MinPairGap {
			continue
		}

		hours := gap.Hours()
		dIndoor := cur.IndoorTemperature - prev.IndoorTemperature
		perHour := dIndoor / hours
		appendFinite(&obs.variation, perHour)

		if prev.HeatingActive && prev.TargetTemperature > prev.IndoorTemperature {
			appendFinite(&obs.heating, perHour/(prev.TargetTemperature-prev.IndoorTemperature))
		}

		if !prev.HeatingActive && dIndoor < 0 && prev.IndoorTemperature > prev.OutdoorTemperature {
			gradient := prev.IndoorTemperature - prev.OutdoorTemperature
			actual := math.Abs(dIndoor) / hours
			appendFinite(&obs.cooling, actual/gradient)

			if wind := prev.WindSpeed(); wind > minWindSpeed {
				if excess := actual - coolingRate*gradient; excess > 0 {
					appendFinite(&obs.wind, excess/wind)
				}
			}
		}

		if dOutdoor := cur.OutdoorTemperature - prev.OutdoorTemperature; math.Abs(dOutdoor) > minOutdoorDelta {
			appendFinite(&obs.outdoor, dIndoor/dOutdoor)
		}
	}

	return obs
}

func appendFinite(dst *[]float64, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	*dst = append(*dst, v)
}

func blendMean(values []float64, previous float64) float64 {
	if len(values) == 0 {
		return previous
	}
	return Blend(mean(values), previous)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// massFromVariation maps the spread of Δindoor/h to a 0-1 thermal mass:
// a steady interior means a heavy building
func massFromVariation(rates []float64) float64 {
	m := mean(rates)
	var sq float64
	for _, r := range rates {
		sq += (r - m) * (r - m)
	}
	stddev := math.Sqrt(sq / float64(len(rates)))
	return clamp01(1 - stddev/MassVariationScale)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
