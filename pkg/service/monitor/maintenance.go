package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
)

// MaxConsecutiveFailures is the failure streak after which a stage is unhealthy
const MaxConsecutiveFailures = 3

// MaintenanceMonitor tracks the health of one maintenance stage.
//
// A stage is healthy once it has succeeded, its last success is no older
// than twice its interval, and it has not failed more than
// MaxConsecutiveFailures times in a row.
type MaintenanceMonitor struct {
	stage    string
	interval time.Duration
	clock    config.Clock

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewMaintenanceMonitor creates a monitor for stage, which runs every interval
func NewMaintenanceMonitor(stage string, interval time.Duration, clock config.Clock) *MaintenanceMonitor {
	if clock == nil {
		clock = config.SystemClock{}
	}
	return &MaintenanceMonitor{
		stage:    stage,
		interval: interval,
		clock:    clock,
	}
}

// Stage returns the monitored stage name
func (m *MaintenanceMonitor) Stage() string {
	return m.stage
}

// RecordSuccess records a successful run
func (m *MaintenanceMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed run
func (m *MaintenanceMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.clock.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy reports whether the stage is running properly
func (m *MaintenanceMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *MaintenanceMonitor) healthyLocked() bool {
	if m.lastSuccess.IsZero() {
		return false
	}
	if m.clock.Now().Sub(m.lastSuccess) > 2*m.interval {
		return false
	}
	return m.consecutiveErrors <= MaxConsecutiveFailures
}

// Status is a stage's health for the health endpoint
type Status struct {
	Stage             string `json:"stage"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the stage's current health
func (m *MaintenanceMonitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		Stage:   m.stage,
		Healthy: m.healthyLocked(),
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = m.clock.Now().Sub(m.lastSuccess).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}

	return status
}
