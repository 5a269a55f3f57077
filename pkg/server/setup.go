package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/export"
	"github.com/nicktill/thermalstore/pkg/service"
	"github.com/nicktill/thermalstore/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Options holds what the router needs besides the service
type Options struct {
	Hub     *Hub
	Metrics *telemetry.Metrics
	Clock   config.Clock
	Log     zerolog.Logger

	// Addr is the listen address; its port is allowed as a CORS origin
	Addr string

	// AccessLog enables combined-format request logging
	AccessLog bool
}

// NewRouter builds the HTTP handler serving the thermal model API
func NewRouter(svc *service.Service, opts Options) http.Handler {
	router := mux.NewRouter()
	SetupRoutes(router, svc, opts)

	var h http.Handler = router
	if opts.AccessLog {
		h = handlers.CombinedLoggingHandler(opts.Log.With().Str("component", "access").Logger(), h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{opts.Log}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, svc *service.Service, opts Options) {
	router.Use(corsMiddleware(portOf(opts.Addr)))

	a := NewAPI(svc, opts.Clock, opts.Log.With().Str("component", "api").Logger())
	exportHandler := export.NewHandler(svc.Collector(), opts.Clock, opts.Log.With().Str("component", "export").Logger())

	api := router.PathPrefix("/v1").Subrouter()
	route := func(path string, fn http.HandlerFunc, methods ...string) {
		// OPTIONS must match for the CORS middleware to answer preflights
		methods = append(methods, http.MethodOptions)
		api.Handle(path, opts.Metrics.WrapHandler(path, withTimeout(fn))).Methods(methods...)
	}

	// Ingestion and history
	route("/samples", a.handleAddSample, http.MethodPost)
	route("/samples/recent", a.handleRecentSamples, http.MethodGet)
	route("/stats", a.handleStats, http.MethodGet)
	route("/data", a.handleClear, http.MethodDelete)
	route("/max-points", a.handleSetMaxPoints, http.MethodPut)

	// Thermal model
	route("/characteristics", a.handleCharacteristics, http.MethodGet)
	route("/model/update", a.handleModelUpdate, http.MethodPost)
	route("/predict", a.handlePredict, http.MethodPost)
	route("/time-to-target", a.handleTimeToTarget, http.MethodPost)

	// Maintenance and health
	route("/maintenance/cleanup", a.handleCleanup, http.MethodPost)
	route("/health", a.handleHealth, http.MethodGet)

	// Export/import
	route("/export", exportHandler.HandleExport, http.MethodGet)
	route("/import", exportHandler.HandleImport, http.MethodPost)

	// Long-lived; the websocket needs the raw connection
	if opts.Hub != nil {
		api.HandleFunc("/ws", opts.Hub.ServeWS(svc.Characteristics)).Methods(http.MethodGet)
	}

	router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
}

// withTimeout bounds the request context by config.RequestTimeout
func withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
	}
	if port != "" {
		allowedOrigins["http://localhost:"+port] = true
		allowedOrigins["http://127.0.0.1:"+port] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}

// recoveryLogger adapts zerolog to gorilla/handlers' RecoveryHandlerLogger
type recoveryLogger struct {
	log zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(fmt.Sprint(v...))
}
