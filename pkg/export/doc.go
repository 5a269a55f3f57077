// Package export provides backup and restore of the stored thermal history.
//
// # Formats
//
// JSON exports carry metadata plus both buffers and can be re-imported:
//
//	{
//	  "metadata": {
//	    "exported_at": "2024-02-10T12:00:00Z",
//	    "sample_count": 1200,
//	    "bucket_count": 310,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "rawData": [ { "timestamp": "...", "indoorTemperature": 20.5, ... } ],
//	  "aggregatedData": [ { "kind": "hour", "spanHours": 2, "start": "...", ... } ]
//	}
//
// CSV exports flatten both buffers into one table with a record column
// ("raw", "hour", "day" or "2day"). CSV cannot be re-imported.
//
// # HTTP API
//
// GET /v1/export?format=json|csv&start=...&end=...&aggregated=false
//
//	curl "http://localhost:8080/v1/export?format=csv" -o history.csv
//
// POST /v1/import with Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// # Import semantics
//
// Import replaces both buffers. Samples that fail validation and malformed
// or duplicate buckets are skipped and counted; the first few validation
// messages are returned in ImportResult.Errors. The restored state then
// goes through a normal retention pass, so samples older than the
// full-resolution window are aggregated and anything past retention is
// dropped.
package export
