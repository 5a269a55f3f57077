package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nicktill/thermalstore/pkg/analyzer"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/server"
	"github.com/nicktill/thermalstore/pkg/service"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var e2eNow = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

// startStack opens the store from cfg and serves it the way main does
func startStack(t *testing.T, cfg config.StorageConfig) (*service.Service, http.Handler) {
	t.Helper()
	store, dataDir, err := openStore(cfg, zerolog.Nop())
	require.NoError(t, err)

	clock := config.NewFixedClock(e2eNow)
	metrics := telemetry.New()
	svc := service.New(store,
		service.WithClock(clock),
		service.WithMetrics(metrics),
		service.WithDataDir(dataDir),
	)
	require.NoError(t, svc.Start(context.Background()))

	router := server.NewRouter(svc, server.Options{
		Metrics: metrics,
		Clock:   clock,
		Log:     zerolog.Nop(),
		Addr:    config.DefaultHTTPAddr,
	})
	return svc, router
}

func postSample(t *testing.T, router http.Handler, ts time.Time, indoor float64, heating bool) {
	t.Helper()
	body := fmt.Sprintf(`{
		"timestamp": %q,
		"indoorTemperature": %g,
		"outdoorTemperature": 2,
		"targetTemperature": 21,
		"heatingActive": %t,
		"weatherConditions": {"windSpeed": 4, "humidity": 80, "cloudCover": 90, "precipitation": 0.5}
	}`, ts.Format(time.RFC3339), indoor, heating)

	req := httptest.NewRequest(http.MethodPost, "/v1/samples", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

// TestE2E_LearnAndRestart ingests a heating run over HTTP, learns from it
// and checks both history and model survive a restart
func TestE2E_LearnAndRestart(t *testing.T) {
	for _, backend := range []string{"badger", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.StorageConfig{Backend: backend, Path: t.TempDir()}
			svc, router := startStack(t, cfg)

			const n = 30
			for i := 0; i < n; i++ {
				ts := e2eNow.Add(-time.Duration(n-i) * 10 * time.Minute)
				postSample(t, router, ts, 17+0.08*float64(i), true)
			}

			req := httptest.NewRequest(http.MethodPost, "/v1/model/update", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, http.StatusOK, w.Code)

			var learned analyzer.Characteristics
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &learned))
			assert.InDelta(t, float64(n)/168, learned.ModelConfidence, 1e-9)
			require.NoError(t, svc.Close())

			restarted, router := startStack(t, cfg)
			defer restarted.Close()

			assert.Len(t, restarted.Collector().Samples(), n)
			assert.InDelta(t, learned.HeatingRate, restarted.Characteristics().HeatingRate, 1e-12)

			req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
			w = httptest.NewRecorder()
			router.ServeHTTP(w, req)

			var health map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
			require.Contains(t, health, "store")
			store := health["store"].(map[string]any)
			// raw, aggregated and characteristics
			assert.Equal(t, 3.0, store["keys"])
		})
	}
}

func TestE2E_InvalidRequests(t *testing.T) {
	_, router := startStack(t, config.StorageConfig{Backend: "memory"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"empty sample", http.MethodPost, "/v1/samples", "", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/v1/samples", "", http.StatusMethodNotAllowed},
		{"unknown route", http.MethodGet, "/v1/nope", "", http.StatusNotFound},
		{"bad predict body", http.MethodPost, "/v1/predict", "[]", http.StatusBadRequest},
		{"bad export format", http.MethodGet, "/v1/export?format=xml", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, _, err := openStore(config.StorageConfig{Backend: "redis"}, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
