package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/nicktill/thermalstore/pkg/storage/badger"
	"github.com/nicktill/thermalstore/pkg/storage/memory"
	"github.com/nicktill/thermalstore/pkg/storage/sqlite"
	"github.com/rs/zerolog"
)

// sqliteFile is the database file created under storage.path
const sqliteFile = "thermalstore.db"

// openStore opens the configured settings store backend. It returns the
// directory holding the store's files, empty for the memory backend.
func openStore(cfg config.StorageConfig, log zerolog.Logger) (storage.Store, string, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn().Msg("Using in-memory store, history is lost on restart")
		return memory.New(), "", nil

	case "badger":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := badger.New(badger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return nil, "", err
		}
		log.Info().Str("path", cfg.Path).Int64("max_memory_mb", cfg.MaxMemoryMB).Msg("BadgerDB store opened")
		return store, cfg.Path, nil

	case "sqlite":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(cfg.Path, sqliteFile)
		store, err := sqlite.New(sqlite.Config{Path: path}, log.With().Str("component", "sqlite").Logger())
		if err != nil {
			return nil, "", err
		}
		log.Info().Str("path", path).Msg("SQLite store opened")
		return store, cfg.Path, nil

	default:
		return nil, "", fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}
