package service

import (
	"context"

	"github.com/nicktill/thermalstore/pkg/service/monitor"
)

// Health status values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// GuardStatus summarizes the last retention pass
type GuardStatus struct {
	Exhausted    bool `json:"exhausted"`
	Iterations   int  `json:"iterations"`
	SizeBytes    int  `json:"size_bytes"`
	Entries      int  `json:"entries"`
	MaxEntries   int  `json:"max_entries"`
	TargetBytes  int  `json:"target_bytes"`
	MidSpanHours int  `json:"mid_span_hours"`
}

// Health is the service's health report
type Health struct {
	Status          string              `json:"status"`
	Maintenance     []monitor.Status    `json:"maintenance"`
	Guard           GuardStatus         `json:"guard"`
	Store           *monitor.StoreUsage `json:"store,omitempty"`
	StoreError      string              `json:"store_error,omitempty"`
	ModelConfidence float64             `json:"model_confidence"`
}

// Healthy reports whether every maintenance stage is healthy
func (h Health) Healthy() bool {
	return h.Status == StatusHealthy
}

// Health reports maintenance, guard and store state. A store that
// cannot report its usage degrades the service.
func (s *Service) Health(ctx context.Context) Health {
	report := s.collector.LastReport()
	h := Health{
		Status: StatusHealthy,
		Maintenance: []monitor.Status{
			s.cleanupMonitor.Status(),
			s.modelMonitor.Status(),
		},
		Guard: GuardStatus{
			Exhausted:    report.Exhausted,
			Iterations:   report.GuardIterations,
			SizeBytes:    report.SizeBytes,
			Entries:      report.Entries,
			MaxEntries:   report.Budget.MaxEntries,
			TargetBytes:  report.Budget.TargetBytes,
			MidSpanHours: report.MidSpanHours,
		},
		ModelConfidence: s.analyzer.Characteristics().ModelConfidence,
	}

	for _, st := range h.Maintenance {
		if !st.Healthy {
			h.Status = StatusDegraded
		}
	}

	usage, err := s.storeMonitor.Usage(ctx)
	if err != nil {
		h.Status = StatusDegraded
		h.StoreError = err.Error()
	} else {
		h.Store = &usage
	}
	return h
}
