/*
Package storage provides the settings store used to persist thermal data.

# Store Interface

The collector and analyzer keep their state as three JSON blobs:

  - thermal_raw_data: full-resolution samples
  - thermal_aggregated_data: hour/day/2day buckets
  - thermal_characteristics: the learned thermal model

All backends implement the Store interface:

	type Store interface {
	    Get(ctx context.Context, key string) (string, bool, error)
	    Set(ctx context.Context, key, value string) error
	    Delete(ctx context.Context, key string) error
	    MaxValueBytes() int
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

# Per-Key Ceiling

Every backend rejects values above MaxValueBytes (500 KiB by default) with a
StorageError wrapping ErrValueTooLarge. The collector sizes its blobs to fit
under this ceiling and falls back to an emergency trim when they don't.

# Backends

  - memory: map-backed, for tests and ephemeral runs
  - badger: BadgerDB tuned for small memory footprints
  - sqlite: a single-file database (WAL journal) for simple deployments

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	if err := store.Set(ctx, "thermal_raw_data", blob); err != nil {
	    var se *storage.StorageError
	    if errors.As(err, &se) {
	        // persistence failed; in-memory state is still valid
	    }
	}
*/
package storage
