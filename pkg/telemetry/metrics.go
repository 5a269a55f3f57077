package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thermalstore"

// Metrics holds the process's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	samplesIngested prometheus.Counter
	samplesRejected *prometheus.CounterVec
	guardExhausted  prometheus.Counter
	hardLimitEvents prometheus.Counter
	persistFailures *prometheus.CounterVec
	rebalanceTime   prometheus.Histogram
	rawSamples      prometheus.Gauge
	buckets         prometheus.Gauge
	storedBytes     prometheus.Gauge
	midSpanHours    prometheus.Gauge

	modelUpdates    prometheus.Counter
	modelConfidence prometheus.Gauge

	maintenanceRuns *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Samples accepted by the collector.",
		}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_rejected_total",
			Help:      "Samples rejected by validation, by offending field.",
		}, []string{"field"}),
		guardExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_exhausted_total",
			Help:      "Rebalance passes that ended over budget.",
		}),
		hardLimitEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_limit_events_total",
			Help:      "Emergency trims caused by the store's per-key ceiling.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed settings store writes, by key.",
		}, []string{"key"}),
		rebalanceTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_duration_seconds",
			Help:      "Duration of rebalance passes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		rawSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raw_samples",
			Help:      "Samples held at full resolution.",
		}),
		buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregated_buckets",
			Help:      "Aggregated buckets held.",
		}),
		storedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_bytes",
			Help:      "Serialized size of raw and aggregated data.",
		}),
		midSpanHours: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mid_span_hours",
			Help:      "Current span of mid-tier buckets.",
		}),
		modelUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_updates_total",
			Help:      "Learning passes that changed the thermal model.",
		}),
		modelConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_confidence",
			Help:      "Confidence of the learned thermal model (0-1).",
		}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Scheduled maintenance runs by stage and result.",
		}, []string{"stage", "result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.samplesIngested,
		m.samplesRejected,
		m.guardExhausted,
		m.hardLimitEvents,
		m.persistFailures,
		m.rebalanceTime,
		m.rawSamples,
		m.buckets,
		m.storedBytes,
		m.midSpanHours,
		m.modelUpdates,
		m.modelConfidence,
		m.maintenanceRuns,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SampleIngested() {
	if m == nil {
		return
	}
	m.samplesIngested.Inc()
}

func (m *Metrics) SampleRejected(field string) {
	if m == nil {
		return
	}
	if field == "" {
		field = "unknown"
	}
	m.samplesRejected.WithLabelValues(field).Inc()
}

func (m *Metrics) GuardExhausted() {
	if m == nil {
		return
	}
	m.guardExhausted.Inc()
}

func (m *Metrics) HardLimitEvent() {
	if m == nil {
		return
	}
	m.hardLimitEvents.Inc()
}

func (m *Metrics) PersistFailed(key string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(key).Inc()
}

// Rebalanced records a pass and the resulting store shape
func (m *Metrics) Rebalanced(d time.Duration, raw, buckets, sizeBytes, midSpan int) {
	if m == nil {
		return
	}
	m.rebalanceTime.Observe(d.Seconds())
	m.rawSamples.Set(float64(raw))
	m.buckets.Set(float64(buckets))
	m.storedBytes.Set(float64(sizeBytes))
	m.midSpanHours.Set(float64(midSpan))
}

func (m *Metrics) ModelUpdated(confidence float64) {
	if m == nil {
		return
	}
	m.modelUpdates.Inc()
	m.modelConfidence.Set(confidence)
}

// SetModelConfidence records the confidence without counting an update
func (m *Metrics) SetModelConfidence(confidence float64) {
	if m == nil {
		return
	}
	m.modelConfidence.Set(confidence)
}

func (m *Metrics) MaintenanceRun(stage string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.maintenanceRuns.WithLabelValues(stage, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and observes latency for route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
