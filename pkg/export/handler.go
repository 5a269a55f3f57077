package export

import (
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/httpx"
	"github.com/rs/zerolog"
)

// MaxImportBytes bounds an import request body. Two blobs under the store
// ceiling plus pretty-printing fit comfortably.
const MaxImportBytes = 8 << 20

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	clock    config.Clock
	log      zerolog.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(sink Sink, clock config.Clock, log zerolog.Logger) *Handler {
	if clock == nil {
		clock = config.SystemClock{}
	}
	return &Handler{
		exporter: NewExporter(sink, clock),
		importer: NewImporter(sink, clock),
		clock:    clock,
		log:      log,
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: open)
//   - end: RFC3339 timestamp (default: open)
//   - aggregated: "false" to export raw samples only
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	start, err := parseTimeParam(query.Get("start"))
	if err != nil {
		httpx.RespondFieldError(w, http.StatusBadRequest, "start", err)
		return
	}
	end, err := parseTimeParam(query.Get("end"))
	if err != nil {
		httpx.RespondFieldError(w, http.StatusBadRequest, "end", err)
		return
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}

	opts := ExportOptions{
		Start:          start,
		End:            end,
		SkipAggregated: query.Get("aggregated") == "false",
		Format:         format,
	}

	timestamp := h.clock.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=thermalstore-export-%s.%s", timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// Headers may already be out; the status write is best effort
		h.log.Error().Err(err).Str("format", format).Msg("Export failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info().
		Int("samples", result.SamplesExported).
		Int("buckets", result.BucketsExported).
		Str("format", format).
		Str("range", result.TimeRange).
		Msg("History exported")
}

// HandleImport handles POST /v1/import. The body is a JSON export; it
// replaces all stored history.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxImportBytes)
	result, err := h.importer.ImportFromJSON(r.Context(), body)
	if err != nil {
		h.log.Error().Err(err).Msg("Import failed")
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if len(result.Errors) > 0 {
		h.log.Warn().
			Int("skipped", result.Skipped).
			Strs("errors", result.Errors).
			Msg("Import completed with invalid entries")
	}
	h.log.Info().
		Int("samples", result.SamplesStored).
		Int("buckets", result.BucketsStored).
		Str("range", result.TimeRange).
		Msg("History imported")

	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses RFC3339 or a bare local datetime; empty is the zero time
func parseTimeParam(param string) (time.Time, error) {
	if param == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q, want RFC3339", param)
}
