package service

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/thermalstore/pkg/analyzer"
	"github.com/nicktill/thermalstore/pkg/collector"
	"github.com/nicktill/thermalstore/pkg/compaction"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/service/monitor"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/rs/zerolog"
)

// Maintenance stage names, as reported by health and metrics
const (
	StageModel     = "model"
	StageRebalance = "rebalance"
)

// RetryPolicy controls how failed maintenance runs are retried.
// Attempt n (n >= 1) waits BaseDelay * 2^(n-1).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries three times after 30s, 60s and 120s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: config.MaintenanceRetries,
		BaseDelay:  config.MaintenanceRetryBase,
	}
}

// ModelListener is notified after every model update
type ModelListener func(analyzer.Characteristics)

// Service wires the collector and the analyzer together, runs periodic
// maintenance and exposes the operations the optimizer consumes.
type Service struct {
	store     storage.Store
	collector *collector.Collector
	analyzer  *analyzer.Analyzer

	clock    config.Clock
	metrics  *telemetry.Metrics
	log      zerolog.Logger
	schedule config.ScheduleConfig
	retry    RetryPolicy

	retention config.RetentionSource
	dataDir   string

	modelMonitor   *monitor.MaintenanceMonitor
	cleanupMonitor *monitor.MaintenanceMonitor
	storeMonitor   *monitor.StoreMonitor

	listenersMu sync.RWMutex
	listeners   []ModelListener
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithClock overrides the wall clock
func WithClock(clock config.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetrics attaches prometheus metrics
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRetention sets the retention source read on every rebalance pass
func WithRetention(src config.RetentionSource) Option {
	return func(s *Service) {
		s.retention = src
	}
}

// WithSchedule sets the maintenance cadence
func WithSchedule(schedule config.ScheduleConfig) Option {
	return func(s *Service) {
		s.schedule = schedule
	}
}

// WithRetry sets the maintenance retry policy
func WithRetry(p RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithDataDir sets the store directory reported in health checks
func WithDataDir(dir string) Option {
	return func(s *Service) {
		s.dataDir = dir
	}
}

// New creates the service over store. Call Start before use.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: config.SystemClock{},
		log:   zerolog.Nop(),
		schedule: config.ScheduleConfig{
			ModelInterval:   config.ModelUpdateInterval,
			CleanupInterval: config.CleanupInterval,
		},
		retry:     DefaultRetryPolicy(),
		retention: config.Static(config.DefaultRetention()),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.collector = collector.New(store,
		collector.WithLogger(s.log.With().Str("component", "collector").Logger()),
		collector.WithClock(s.clock),
		collector.WithRetention(s.retention),
		collector.WithMetrics(s.metrics),
	)
	s.analyzer = analyzer.New(store,
		analyzer.WithLogger(s.log.With().Str("component", "analyzer").Logger()),
		analyzer.WithClock(s.clock),
		analyzer.WithMetrics(s.metrics),
	)
	s.modelMonitor = monitor.NewMaintenanceMonitor(StageModel, s.schedule.ModelInterval, s.clock)
	s.cleanupMonitor = monitor.NewMaintenanceMonitor(StageRebalance, s.schedule.CleanupInterval, s.clock)
	s.storeMonitor = monitor.NewStoreMonitor(store, s.dataDir, s.clock)
	return s
}

// Start restores persisted state into the collector and the analyzer
func (s *Service) Start(ctx context.Context) error {
	if err := s.collector.Load(ctx); err != nil {
		return err
	}
	return s.analyzer.Load(ctx)
}

// Collector returns the underlying collector
func (s *Service) Collector() *collector.Collector {
	return s.collector
}

// OnModelUpdate registers fn to be called after every model update
func (s *Service) OnModelUpdate(fn ModelListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(model analyzer.Characteristics) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(model)
	}
}

// AddSample ingests one sample
func (s *Service) AddSample(ctx context.Context, p thermal.DataPoint) error {
	return s.collector.AddSample(ctx, p)
}

// Characteristics returns the learned model
func (s *Service) Characteristics() analyzer.Characteristics {
	return s.analyzer.Characteristics()
}

// PredictTemperature steps the indoor temperature forward by minutes
func (s *Service) PredictTemperature(current, target, outdoor float64, heatingActive bool, weather *thermal.WeatherConditions, minutes float64) float64 {
	return s.analyzer.PredictTemperature(current, target, outdoor, heatingActive, windSpeed(weather), minutes)
}

// TimeToTarget estimates the minutes needed to reach target
func (s *Service) TimeToTarget(current, target, outdoor float64, weather *thermal.WeatherConditions) analyzer.Estimate {
	return s.analyzer.TimeToTarget(current, target, outdoor, windSpeed(weather))
}

func windSpeed(w *thermal.WeatherConditions) float64 {
	if w == nil {
		return 0
	}
	return w.WindSpeed
}

// Statistics summarizes the last days of raw samples
func (s *Service) Statistics(days int) collector.Stats {
	return s.collector.Statistics(days)
}

// RecentSamples returns raw samples no older than hours
func (s *Service) RecentSamples(hours float64) []thermal.DataPoint {
	return s.collector.RecentSamples(hours)
}

// UpdateModel runs one learning pass over the raw buffer. Listeners are
// notified even when persisting fails, as the in-memory model has changed.
func (s *Service) UpdateModel(ctx context.Context) (analyzer.Characteristics, error) {
	model, err := s.analyzer.UpdateModel(ctx, s.collector.Samples())
	s.notify(model)
	return model, err
}

// ForceModelUpdate runs a learning pass and persists the model even when
// the pass was a no-op, so calibration results are durable immediately
func (s *Service) ForceModelUpdate(ctx context.Context) (analyzer.Characteristics, error) {
	model, err := s.analyzer.UpdateModel(ctx, s.collector.Samples())
	if err != nil {
		s.notify(model)
		return model, err
	}
	if err := s.analyzer.Persist(ctx); err != nil {
		s.notify(model)
		return model, err
	}
	s.log.Info().Float64("confidence", model.ModelConfidence).Msg("Forced thermal model update")
	s.notify(model)
	return model, nil
}

// Cleanup runs a retention pass and persists the result
func (s *Service) Cleanup(ctx context.Context) (compaction.Report, error) {
	return s.collector.Rebalance(ctx)
}

// Clear drops stored samples, and aggregated history when clearAggregated is set
func (s *Service) Clear(ctx context.Context, clearAggregated bool) error {
	return s.collector.Clear(ctx, clearAggregated)
}

// SetMaxPoints sets the collector's point cap
func (s *Service) SetMaxPoints(ctx context.Context, n int) error {
	return s.collector.SetMaxPoints(ctx, n)
}

// Close closes the settings store
func (s *Service) Close() error {
	return s.store.Close()
}
