package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/thermalstore/pkg/compaction"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/httpx"
	"github.com/nicktill/thermalstore/pkg/service"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// maxRequestBytes bounds JSON request bodies other than imports
const maxRequestBytes = 64 << 10

// Query parameter defaults
const (
	defaultRecentHours = 24.0
	defaultStatsDays   = 7
)

var startTime = time.Now()

// API serves the thermal model service over HTTP
type API struct {
	svc   *service.Service
	clock config.Clock
	log   zerolog.Logger
}

// NewAPI creates the API handlers
func NewAPI(svc *service.Service, clock config.Clock, log zerolog.Logger) *API {
	if clock == nil {
		clock = config.SystemClock{}
	}
	return &API{svc: svc, clock: clock, log: log}
}

// SampleResponse acknowledges an ingested sample
type SampleResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SamplesResponse lists raw samples
type SamplesResponse struct {
	Hours   float64             `json:"hours"`
	Count   int                 `json:"count"`
	Samples []thermal.DataPoint `json:"samples"`
}

// PredictRequest is the body of POST /v1/predict
type PredictRequest struct {
	CurrentTemperature *float64                   `json:"currentTemperature"`
	TargetTemperature  *float64                   `json:"targetTemperature"`
	OutdoorTemperature *float64                   `json:"outdoorTemperature"`
	HeatingActive      bool                       `json:"heatingActive"`
	WeatherConditions  *thermal.WeatherConditions `json:"weatherConditions,omitempty"`
	Minutes            *float64                   `json:"minutes"`
}

// PredictResponse is the answer of POST /v1/predict
type PredictResponse struct {
	PredictedTemperature float64 `json:"predictedTemperature"`
	Minutes              float64 `json:"minutes"`
	ModelConfidence      float64 `json:"modelConfidence"`
}

// TimeToTargetRequest is the body of POST /v1/time-to-target
type TimeToTargetRequest struct {
	CurrentTemperature *float64                   `json:"currentTemperature"`
	TargetTemperature  *float64                   `json:"targetTemperature"`
	OutdoorTemperature *float64                   `json:"outdoorTemperature"`
	WeatherConditions  *thermal.WeatherConditions `json:"weatherConditions,omitempty"`
}

// MaxPointsRequest is the body of PUT /v1/max-points
type MaxPointsRequest struct {
	MaxPoints int `json:"maxPoints"`
}

// MaxPointsResponse reports the effective point cap after clamping
type MaxPointsResponse struct {
	MaxPoints int `json:"maxPoints"`
}

// ClearResponse acknowledges DELETE /v1/data
type ClearResponse struct {
	Status     string `json:"status"`
	Aggregated bool   `json:"aggregated"`
}

// CleanupResponse describes a retention pass run on demand
type CleanupResponse struct {
	Expired         int                      `json:"expired"`
	ExpiredBuckets  int                      `json:"expired_buckets"`
	Promoted        int                      `json:"promoted"`
	Aggregated      int                      `json:"aggregated"`
	RolledUp        int                      `json:"rolled_up"`
	GuardIterations int                      `json:"guard_iterations"`
	Actions         []compaction.GuardAction `json:"actions"`
	DroppedBuckets  int                      `json:"dropped_buckets"`
	DroppedSamples  int                      `json:"dropped_samples"`
	Exhausted       bool                     `json:"exhausted"`
	MidSpanHours    int                      `json:"mid_span_hours"`
	SizeBytes       int                      `json:"size_bytes"`
	Entries         int                      `json:"entries"`
}

func newCleanupResponse(r compaction.Report) CleanupResponse {
	actions := r.Actions
	if actions == nil {
		actions = []compaction.GuardAction{}
	}
	return CleanupResponse{
		Expired:         r.Expired,
		ExpiredBuckets:  r.ExpiredBuckets,
		Promoted:        r.Promoted,
		Aggregated:      r.Aggregated,
		RolledUp:        r.RolledUp,
		GuardIterations: r.GuardIterations,
		Actions:         actions,
		DroppedBuckets:  r.DroppedBuckets,
		DroppedSamples:  r.DroppedSamples,
		Exhausted:       r.Exhausted,
		MidSpanHours:    r.MidSpanHours,
		SizeBytes:       r.SizeBytes,
		Entries:         r.Entries,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	service.Health
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// handleAddSample handles POST /v1/samples. The body uses the device
// payload format; every field except energyUsage is required.
func (a *API) handleAddSample(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		httpx.RespondError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	p, err := thermal.ParseDataPoint(body, a.clock.Now())
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	if err := a.svc.AddSample(r.Context(), p); err != nil {
		a.respondServiceError(w, err)
		return
	}

	httpx.RespondJSON(w, http.StatusAccepted, SampleResponse{Status: "accepted", Timestamp: p.Timestamp})
}

// handleRecentSamples handles GET /v1/samples/recent?hours=
func (a *API) handleRecentSamples(w http.ResponseWriter, r *http.Request) {
	hours := defaultRecentHours
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || !(parsed > 0) || math.IsInf(parsed, 0) {
			httpx.RespondFieldError(w, http.StatusBadRequest, "hours", fmt.Errorf("must be a positive number, got %q", v))
			return
		}
		hours = min(parsed, config.MaxRecentHours)
	}

	samples := a.svc.RecentSamples(hours)
	if samples == nil {
		samples = []thermal.DataPoint{}
	}
	httpx.RespondJSON(w, http.StatusOK, SamplesResponse{Hours: hours, Count: len(samples), Samples: samples})
}

// handleStats handles GET /v1/stats?days=
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			httpx.RespondFieldError(w, http.StatusBadRequest, "days", fmt.Errorf("must be a positive integer, got %q", v))
			return
		}
		days = parsed
	}

	httpx.RespondJSON(w, http.StatusOK, a.svc.Statistics(days))
}

// handleCharacteristics handles GET /v1/characteristics
func (a *API) handleCharacteristics(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, a.svc.Characteristics())
}

// handleModelUpdate handles POST /v1/model/update. The model is persisted
// even when the pass learned nothing.
func (a *API) handleModelUpdate(w http.ResponseWriter, r *http.Request) {
	model, err := a.svc.ForceModelUpdate(r.Context())
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, model)
}

// handlePredict handles POST /v1/predict
func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if !a.decode(w, r, &req) {
		return
	}

	if field, err := requirePresent(
		namedValue{"currentTemperature", req.CurrentTemperature},
		namedValue{"targetTemperature", req.TargetTemperature},
		namedValue{"outdoorTemperature", req.OutdoorTemperature},
		namedValue{"minutes", req.Minutes},
	); err != nil {
		httpx.RespondFieldError(w, http.StatusBadRequest, field, err)
		return
	}
	if *req.Minutes < 0 {
		httpx.RespondFieldError(w, http.StatusBadRequest, "minutes", errors.New("must not be negative"))
		return
	}

	predicted := a.svc.PredictTemperature(
		*req.CurrentTemperature, *req.TargetTemperature, *req.OutdoorTemperature,
		req.HeatingActive, req.WeatherConditions, *req.Minutes,
	)
	httpx.RespondJSON(w, http.StatusOK, PredictResponse{
		PredictedTemperature: predicted,
		Minutes:              *req.Minutes,
		ModelConfidence:      a.svc.Characteristics().ModelConfidence,
	})
}

// handleTimeToTarget handles POST /v1/time-to-target. An unreachable
// target is answered with null minutes.
func (a *API) handleTimeToTarget(w http.ResponseWriter, r *http.Request) {
	var req TimeToTargetRequest
	if !a.decode(w, r, &req) {
		return
	}

	if field, err := requirePresent(
		namedValue{"currentTemperature", req.CurrentTemperature},
		namedValue{"targetTemperature", req.TargetTemperature},
		namedValue{"outdoorTemperature", req.OutdoorTemperature},
	); err != nil {
		httpx.RespondFieldError(w, http.StatusBadRequest, field, err)
		return
	}

	est := a.svc.TimeToTarget(
		*req.CurrentTemperature, *req.TargetTemperature, *req.OutdoorTemperature, req.WeatherConditions,
	)
	httpx.RespondJSON(w, http.StatusOK, est)
}

// handleCleanup handles POST /v1/maintenance/cleanup
func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.Cleanup(r.Context())
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, newCleanupResponse(report))
}

// handleSetMaxPoints handles PUT /v1/max-points
func (a *API) handleSetMaxPoints(w http.ResponseWriter, r *http.Request) {
	var req MaxPointsRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.MaxPoints <= 0 {
		httpx.RespondFieldError(w, http.StatusBadRequest, "maxPoints", errors.New("must be a positive integer"))
		return
	}

	if err := a.svc.SetMaxPoints(r.Context(), req.MaxPoints); err != nil {
		a.respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, MaxPointsResponse{MaxPoints: a.svc.Collector().MaxPoints()})
}

// handleClear handles DELETE /v1/data?aggregated=
func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	aggregated := false
	if v := r.URL.Query().Get("aggregated"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			httpx.RespondFieldError(w, http.StatusBadRequest, "aggregated", fmt.Errorf("must be a boolean, got %q", v))
			return
		}
		aggregated = parsed
	}

	if err := a.svc.Clear(r.Context(), aggregated); err != nil {
		a.respondServiceError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, ClearResponse{Status: "cleared", Aggregated: aggregated})
}

// handleHealth returns service health status
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.svc.Health(r.Context())

	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, status, HealthResponse{
		Health:  health,
		Version: Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

// respondServiceError maps service errors to status codes: invalid input
// is the client's fault, store failures are reported as unavailable
func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	var verr *thermal.ValidationError
	var serr *storage.StorageError

	switch {
	case errors.As(err, &verr):
		httpx.RespondFieldError(w, http.StatusBadRequest, verr.Field, err)
	case errors.Is(err, thermal.ErrInvalidSample):
		httpx.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded):
		httpx.RespondError(w, http.StatusGatewayTimeout, err)
	case errors.As(err, &serr):
		a.log.Error().Err(err).Str("op", serr.Op).Str("key", serr.Key).Msg("Store failure")
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
	default:
		a.log.Error().Err(err).Msg("Request failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
	}
}

type namedValue struct {
	name  string
	value *float64
}

// requirePresent returns the first missing value
func requirePresent(values ...namedValue) (string, error) {
	for _, v := range values {
		if v.value == nil {
			return v.name, errors.New("is missing")
		}
	}
	return "", nil
}
