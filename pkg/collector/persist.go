package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/rs/zerolog"
)

// persistLocked writes both buffers. Blobs above the store ceiling take
// the emergency path: raw is cut to its newest points, and an oversized
// aggregated blob is dropped outright.
func (c *Collector) persistLocked(ctx context.Context) error {
	rawBlob, err := json.Marshal(c.raw)
	if err != nil {
		return fmt.Errorf("encode raw samples: %w", err)
	}
	aggBlob, err := json.Marshal(c.buckets)
	if err != nil {
		return fmt.Errorf("encode buckets: %w", err)
	}

	ceiling := c.store.MaxValueBytes()
	if ceiling > 0 && len(rawBlob) > ceiling {
		rawBlob, err = c.emergencyTrimRaw(rawBlob, ceiling)
		if err != nil {
			return err
		}
	}
	if ceiling > 0 && len(aggBlob) > ceiling {
		c.metrics.HardLimitEvent()
		c.log.Error().
			Int("buckets", len(c.buckets)).
			Int("size_bytes", len(aggBlob)).
			Int("ceiling_bytes", ceiling).
			Msg("Hard limit: aggregated data exceeds store ceiling, dropping all buckets (configuration conflict)")
		c.buckets = nil
		c.compactor.Reset()
		aggBlob = []byte("[]")
	}

	return errors.Join(
		c.write(ctx, RawDataKey, rawBlob),
		c.write(ctx, AggregatedDataKey, aggBlob),
	)
}

func (c *Collector) emergencyTrimRaw(blob []byte, ceiling int) ([]byte, error) {
	before := len(c.raw)
	avg := max(len(blob)/max(before, 1), 1)
	keep := max(config.MinFullResPoints, ceiling/avg)

	for {
		if keep < before {
			c.raw = append(c.raw[:0:0], c.raw[before-keep:]...)
		}
		var err error
		blob, err = json.Marshal(c.raw)
		if err != nil {
			return nil, fmt.Errorf("encode raw samples: %w", err)
		}
		// The average can undershoot; shrink until it fits or hits the floor
		if len(blob) <= ceiling || keep <= config.MinFullResPoints {
			break
		}
		before = len(c.raw)
		keep = max(config.MinFullResPoints, keep*9/10)
	}

	c.metrics.HardLimitEvent()
	c.log.Error().
		Int("kept", len(c.raw)).
		Int("size_bytes", len(blob)).
		Int("ceiling_bytes", ceiling).
		Msg("Hard limit: raw data exceeds store ceiling, trimmed oldest samples (configuration conflict)")
	return blob, nil
}

// write stores blob under key unless it is identical to the last write
func (c *Collector) write(ctx context.Context, key string, blob []byte) error {
	sum := xxhash.Sum64(blob)
	if prev, ok := c.persisted[key]; ok && prev == sum {
		return nil
	}

	if err := c.store.Set(ctx, key, string(blob)); err != nil {
		c.metrics.PersistFailed(key)
		c.log.Error().Err(err).Str("key", key).Int("size_bytes", len(blob)).Msg("Failed to persist thermal data")
		return err
	}
	c.persisted[key] = sum
	return nil
}

// loadBlob decodes the JSON stored under key. Missing keys and undecodable
// blobs both yield the zero value; only store failures are errors.
func loadBlob[T any](ctx context.Context, store storage.Store, key string, log zerolog.Logger) (T, error) {
	var v T
	blob, ok, err := store.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if !ok || blob == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(blob), &v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable stored data")
		var zero T
		return zero, nil
	}
	return v, nil
}
