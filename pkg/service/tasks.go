package service

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/service/monitor"
)

// GarbageCollector is implemented by stores that reclaim space periodically
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunModelUpdates updates the model every ModelInterval until ctx is done.
// A first update runs immediately.
func (s *Service) RunModelUpdates(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	s.runPeriodic(ctx, StageModel, s.schedule.ModelInterval, s.modelMonitor, func(ctx context.Context) error {
		_, err := s.UpdateModel(ctx)
		return err
	})
}

// RunCleanup runs a retention pass every CleanupInterval until ctx is done.
// A first pass runs immediately.
func (s *Service) RunCleanup(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	s.runPeriodic(ctx, StageRebalance, s.schedule.CleanupInterval, s.cleanupMonitor, func(ctx context.Context) error {
		report, err := s.Cleanup(ctx)
		if err != nil {
			return err
		}
		s.log.Info().
			Int("expired", report.Expired+report.ExpiredBuckets).
			Int("aggregated", report.Aggregated).
			Int("guard_iterations", report.GuardIterations).
			Int("size_bytes", report.SizeBytes).
			Int("entries", report.Entries).
			Msg("Scheduled cleanup completed")
		return nil
	})
}

func (s *Service) runPeriodic(ctx context.Context, stage string, interval time.Duration, mon *monitor.MaintenanceMonitor, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Str("stage", stage).Dur("interval", interval).Msg("Maintenance scheduler started")
	s.runWithRetry(ctx, stage, mon, fn)

	for {
		select {
		case <-ticker.C:
			s.runWithRetry(ctx, stage, mon, fn)
		case <-ctx.Done():
			s.log.Info().Str("stage", stage).Msg("Stopping maintenance scheduler")
			return
		}
	}
}

// runWithRetry runs fn, retrying with exponential backoff. Each attempt
// gets its own timeout; giving up waits for the next scheduled run.
func (s *Service) runWithRetry(ctx context.Context, stage string, mon *monitor.MaintenanceMonitor, fn func(context.Context) error) {
	log := s.log.With().Str("stage", stage).Logger()

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retry.BaseDelay * time.Duration(1<<(attempt-1))
			log.Info().
				Dur("delay", delay).
				Int("attempt", attempt+1).
				Int("max_attempts", s.retry.MaxRetries+1).
				Msg("Retrying maintenance")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, config.MaintenanceTimeout)
		err := fn(attemptCtx)
		cancel()
		s.metrics.MaintenanceRun(stage, err)

		if err == nil {
			mon.RecordSuccess()
			log.Debug().Dur("took", time.Since(start).Round(time.Millisecond)).Msg("Maintenance completed")
			return
		}

		mon.RecordFailure(err)
		log.Error().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", s.retry.MaxRetries+1).
			Msg("Maintenance failed")

		if status := mon.Status(); status.ConsecutiveErrors > monitor.MaxConsecutiveFailures {
			log.Warn().Int("consecutive_errors", status.ConsecutiveErrors).Msg("Maintenance keeps failing")
		}
		if ctx.Err() != nil {
			return
		}
	}

	log.Error().Int("attempts", s.retry.MaxRetries+1).Msg("Maintenance gave up, will retry on next schedule")
}

// RunStoreGC reclaims store space every interval until ctx is done.
// Stores without garbage collection return immediately.
func (s *Service) RunStoreGC(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	gc, ok := s.store.(GarbageCollector)
	if !ok {
		s.log.Debug().Msg("Store has no garbage collection, skipping GC scheduler")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("Store GC scheduler started")

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			err := gc.RunGC(config.StoreGCDiscardRatio)
			s.metrics.MaintenanceRun("gc", err)
			if err != nil {
				s.log.Error().Err(err).Msg("Store GC failed")
				continue
			}
			s.log.Debug().Dur("took", time.Since(start).Round(time.Millisecond)).Msg("Store GC completed")
		case <-ctx.Done():
			s.log.Info().Msg("Stopping store GC scheduler")
			return
		}
	}
}
