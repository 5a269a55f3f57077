package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/thermal"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Source supplies the history to export
type Source interface {
	Samples() []thermal.DataPoint
	Buckets() []thermal.AggregatedDataPoint
}

// Exporter writes stored history to JSON or CSV
type Exporter struct {
	source Source
	clock  config.Clock
}

// NewExporter creates a new exporter
func NewExporter(source Source, clock config.Clock) *Exporter {
	if clock == nil {
		clock = config.SystemClock{}
	}
	return &Exporter{source: source, clock: clock}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Time range to export; zero values leave that side open
	Start time.Time
	End   time.Time

	// SkipAggregated exports raw samples only
	SkipAggregated bool

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	SamplesExported int       `json:"samples_exported"`
	BucketsExported int       `json:"buckets_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata describes an export file
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	SampleCount int       `json:"sample_count"`
	BucketCount int       `json:"bucket_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Document is the JSON export layout, also accepted by the importer
type Document struct {
	Metadata       Metadata                      `json:"metadata"`
	RawData        []thermal.DataPoint           `json:"rawData"`
	AggregatedData []thermal.AggregatedDataPoint `json:"aggregatedData"`
}

func (e *Exporter) collect(opts ExportOptions) ([]thermal.DataPoint, []thermal.AggregatedDataPoint) {
	var samples []thermal.DataPoint
	for _, p := range e.source.Samples() {
		if inRange(p.Timestamp, p.Timestamp, opts) {
			samples = append(samples, p)
		}
	}

	var buckets []thermal.AggregatedDataPoint
	if !opts.SkipAggregated {
		for _, b := range e.source.Buckets() {
			if inRange(b.Start, b.End(), opts) {
				buckets = append(buckets, b)
			}
		}
	}
	return samples, buckets
}

// inRange reports whether [from, to] overlaps the requested window
func inRange(from, to time.Time, opts ExportOptions) bool {
	if !opts.Start.IsZero() && to.Before(opts.Start) {
		return false
	}
	if !opts.End.IsZero() && from.After(opts.End) {
		return false
	}
	return true
}

func describeRange(opts ExportOptions) string {
	format := func(t time.Time, open string) string {
		if t.IsZero() {
			return open
		}
		return t.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s to %s", format(opts.Start, "beginning"), format(opts.End, "now"))
}

// ExportToJSON exports history as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples, buckets := e.collect(opts)

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  e.clock.Now(),
			StartTime:   opts.Start,
			EndTime:     opts.End,
			SampleCount: len(samples),
			BucketCount: len(buckets),
			Format:      "json",
			Version:     FormatVersion,
		},
		RawData:        nonNil(samples),
		AggregatedData: nonNil(buckets),
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		SamplesExported: len(samples),
		BucketsExported: len(buckets),
		TimeRange:       describeRange(opts),
		Format:          "json",
		ExportedAt:      doc.Metadata.ExportedAt,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// csvHeader is shared by raw and aggregated rows. For raw rows heating is
// 0 or 1 and span_hours and data_point_count are empty.
var csvHeader = []string{
	"record", "timestamp", "span_hours",
	"indoor_temp", "outdoor_temp", "target_temp",
	"heating", "wind_speed", "humidity", "cloud_cover", "precipitation",
	"energy_usage", "data_point_count",
}

// ExportToCSV exports history as CSV to the given writer. CSV is
// export-only.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples, buckets := e.collect(opts)

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, p := range samples {
		heating := "0"
		if p.HeatingActive {
			heating = "1"
		}
		var wind, humidity, cloud, precip string
		if wc := p.WeatherConditions; wc != nil {
			wind, humidity = formatFloat(wc.WindSpeed), formatFloat(wc.Humidity)
			cloud, precip = formatFloat(wc.CloudCover), formatFloat(wc.Precipitation)
		}
		row := []string{
			"raw", p.Timestamp.Format(time.RFC3339), "",
			formatFloat(p.IndoorTemperature), formatFloat(p.OutdoorTemperature), formatFloat(p.TargetTemperature),
			heating, wind, humidity, cloud, precip,
			formatOptional(p.EnergyUsage), "",
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	for _, b := range buckets {
		row := []string{
			string(b.Kind), b.Start.Format(time.RFC3339), strconv.Itoa(b.SpanHours),
			formatFloat(b.AvgIndoorTemp), formatFloat(b.AvgOutdoorTemp), formatFloat(b.AvgTargetTemp),
			formatFloat(b.HeatingFraction()), formatFloat(b.AvgWindSpeed), formatFloat(b.AvgHumidity), "", "",
			formatOptional(b.EnergyUsage), strconv.Itoa(b.DataPointCount),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		SamplesExported: len(samples),
		BucketsExported: len(buckets),
		TimeRange:       describeRange(opts),
		Format:          "csv",
		ExportedAt:      e.clock.Now(),
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
