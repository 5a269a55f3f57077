package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicktill/thermalstore/pkg/analyzer"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/httpx"
	"github.com/nicktill/thermalstore/pkg/service"
	"github.com/nicktill/thermalstore/pkg/storage/memory"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serverNow = time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	svc     *service.Service
	store   *memory.Storage
	hub     *Hub
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := config.NewFixedClock(serverNow)
	store := memory.New()
	metrics := telemetry.New()

	svc := service.New(store, service.WithClock(clock), service.WithMetrics(metrics))
	require.NoError(t, svc.Start(context.Background()))

	hub := NewHub(zerolog.Nop())
	svc.OnModelUpdate(hub.PublishModel)

	handler := NewRouter(svc, Options{
		Hub:     hub,
		Metrics: metrics,
		Clock:   clock,
		Log:     zerolog.Nop(),
		Addr:    ":8080",
	})
	return &testServer{svc: svc, store: store, hub: hub, handler: handler}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func samplePayload(t *testing.T, ts time.Time, indoor float64) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"timestamp":          ts.Format(time.RFC3339),
		"indoorTemperature":  indoor,
		"outdoorTemperature": 4.0,
		"targetTemperature":  21.0,
		"heatingActive":      true,
		"weatherConditions": map[string]any{
			"windSpeed":     3.0,
			"humidity":      70.0,
			"cloudCover":    20.0,
			"precipitation": 0.0,
		},
	})
	require.NoError(t, err)
	return string(body)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpx.ErrorResponse {
	t.Helper()
	var resp httpx.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAddSample(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-10*time.Minute), 20.5))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/samples/recent?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SamplesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Samples, 1)
	assert.Equal(t, 20.5, resp.Samples[0].IndoorTemperature)
}

func TestAddSample_Rejected(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "out of range",
			body:  samplePayload(t, serverNow.Add(-time.Minute), 55),
			field: "indoorTemperature",
		},
		{
			name:  "future timestamp",
			body:  samplePayload(t, serverNow.Add(time.Hour), 20),
			field: "timestamp",
		},
		{
			name:  "missing target",
			body:  `{"timestamp":"2024-02-10T11:00:00Z","indoorTemperature":20,"outdoorTemperature":3,"heatingActive":false,"weatherConditions":{"windSpeed":1,"humidity":50,"cloudCover":0,"precipitation":0}}`,
			field: "targetTemperature",
		},
		{
			name: "not json",
			body: `{"timestamp":`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/samples", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.field, decodeError(t, rec).Field)
		})
	}

	assert.Empty(t, ts.svc.Collector().Samples())
}

func TestAddSample_StoreFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.FailSet = errors.New("disk full")

	rec := ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-time.Minute), 20))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "disk full")

	// The sample is kept in memory for the next persist
	assert.Len(t, ts.svc.Collector().Samples(), 1)
}

func TestQueryParamValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		method string
		path   string
		field  string
	}{
		{http.MethodGet, "/v1/samples/recent?hours=-1", "hours"},
		{http.MethodGet, "/v1/samples/recent?hours=abc", "hours"},
		{http.MethodGet, "/v1/samples/recent?hours=NaN", "hours"},
		{http.MethodGet, "/v1/stats?days=0", "days"},
		{http.MethodDelete, "/v1/data?aggregated=maybe", "aggregated"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.field, decodeError(t, rec).Field)
		})
	}
}

func TestStatsAndCharacteristics(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-time.Duration(i+1)*time.Hour), 20))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/v1/stats?days=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3.0, stats["dataPointCount"])

	rec = ts.do(t, http.MethodGet, "/v1/characteristics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var model analyzer.Characteristics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &model))
	assert.Equal(t, analyzer.DefaultCharacteristics().HeatingRate, model.HeatingRate)
}

func TestModelUpdate_Persists(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/model/update", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := ts.store.Get(context.Background(), analyzer.CharacteristicsKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPredict(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/predict",
		`{"currentTemperature":19,"targetTemperature":21,"outdoorTemperature":5,"heatingActive":true,"minutes":30}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, ts.svc.PredictTemperature(19, 21, 5, true, nil, 30), resp.PredictedTemperature, 1e-12)
	assert.Equal(t, 30.0, resp.Minutes)

	rec = ts.do(t, http.MethodPost, "/v1/predict", `{"currentTemperature":19,"targetTemperature":21,"outdoorTemperature":5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "minutes", decodeError(t, rec).Field)

	rec = ts.do(t, http.MethodPost, "/v1/predict",
		`{"currentTemperature":19,"targetTemperature":21,"outdoorTemperature":5,"minutes":-5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "minutes", decodeError(t, rec).Field)
}

func TestTimeToTarget(t *testing.T) {
	ts := newTestServer(t)

	// Heating from 18 to 21 with the default model
	rec := ts.do(t, http.MethodPost, "/v1/time-to-target",
		`{"currentTemperature":18,"targetTemperature":21,"outdoorTemperature":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var reachable map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reachable))
	assert.Equal(t, true, reachable["reachable"])
	assert.Greater(t, reachable["minutes"], 0.0)

	// Cooling toward 15 while it is 20 outside never gets there
	rec = ts.do(t, http.MethodPost, "/v1/time-to-target",
		`{"currentTemperature":18,"targetTemperature":15,"outdoorTemperature":20}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var unreachable map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unreachable))
	assert.Equal(t, false, unreachable["reachable"])
	assert.Nil(t, unreachable["minutes"])

	rec = ts.do(t, http.MethodPost, "/v1/time-to-target", `{"targetTemperature":21}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "currentTemperature", decodeError(t, rec).Field)
}

func TestMaxPointsAndClear(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-time.Minute), 20))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPut, "/v1/max-points", `{"maxPoints":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var mp MaxPointsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mp))
	assert.Equal(t, config.MinCollectorMaxPoints, mp.MaxPoints)

	rec = ts.do(t, http.MethodPut, "/v1/max-points", `{"maxPoints":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/data?aggregated=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.svc.Collector().Samples())
}

func TestCleanup(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 4; i++ {
		ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-time.Duration(i+1)*time.Hour), 20))
	}

	rec := ts.do(t, http.MethodPost, "/v1/maintenance/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Entries)
	assert.False(t, resp.Exhausted)
	assert.NotNil(t, resp.Actions)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	// No maintenance has run yet
	rec := ts.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, service.StatusDegraded, resp["status"])
	assert.Equal(t, Version, resp["version"])
	assert.Contains(t, resp, "maintenance")
	assert.Contains(t, resp, "guard")
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/samples", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:8080", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/characteristics", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-time.Minute), 20))

	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "thermalstore_samples_ingested_total 1")
	assert.Contains(t, body, "thermalstore_http_requests_total")
}

func TestExportImportRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/samples", samplePayload(t, serverNow.Add(-time.Minute), 20))

	rec := ts.do(t, http.MethodGet, "/v1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	exported := rec.Body.Bytes()

	ts.do(t, http.MethodDelete, "/v1/data?aggregated=true", "")
	require.Empty(t, ts.svc.Collector().Samples())

	req := httptest.NewRequest(http.MethodPost, "/v1/import", bytes.NewReader(exported))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.svc.Collector().Samples(), 1)
}

func TestWebSocket_ModelUpdates(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.hub.Run(ctx)

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// The current model is sent on connect
	var event ModelEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventModelUpdate, event.Type)
	assert.Equal(t, analyzer.DefaultCharacteristics().CoolingRate, event.Characteristics.CoolingRate)

	require.Eventually(t, ts.hub.HasClients, time.Second, 5*time.Millisecond)

	_, err = ts.svc.ForceModelUpdate(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventModelUpdate, event.Type)
	assert.Equal(t, analyzer.DefaultCharacteristics().HeatingRate, event.Characteristics.HeatingRate)
}
