package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/storage"
	"github.com/rs/zerolog"
)

const (
	// SchemaVersion is bumped on breaking layout changes
	SchemaVersion = 1

	defaultDirPerm = 0o755

	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version     INTEGER PRIMARY KEY,
		applied_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);`

	upsertSQL = `
	INSERT INTO settings (key, value, updated_at)
	VALUES (?, ?, datetime('now'))
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
)

// ErrSchemaMismatch is returned when the database was written by a newer layout
var ErrSchemaMismatch = errors.New("unsupported settings schema version")

// Config holds SQLite configuration
type Config struct {
	// Path to the database file; ":memory:" for an ephemeral database
	Path string

	// MaxValueBytes is the per-key ceiling (0 = config.StoreCeilingBytes)
	MaxValueBytes int
}

// Storage implements storage.Store on a single SQLite file
type Storage struct {
	db      *sql.DB
	ceiling int
	log     zerolog.Logger
}

// New opens (creating if needed) the database at cfg.Path
func New(cfg Config, log zerolog.Logger) (*Storage, error) {
	if cfg.Path == "" {
		return nil, &storage.StorageError{Op: "open", Err: errors.New("empty database path")}
	}

	dsn := ":memory:"
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
			return nil, &storage.StorageError{Op: "open", Err: fmt.Errorf("create directory: %w", err)}
		}
		dsn = cfg.Path + "?_journal=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &storage.StorageError{Op: "open", Err: err}
	}
	// A :memory: database lives per connection
	db.SetMaxOpenConns(1)

	if err := initSchema(db, log); err != nil {
		db.Close()
		return nil, &storage.StorageError{Op: "open", Err: err}
	}

	ceiling := cfg.MaxValueBytes
	if ceiling <= 0 {
		ceiling = config.StoreCeilingBytes
	}

	log.Info().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Msg("Settings database initialized")

	return &Storage{db: db, ceiling: ceiling, log: log}, nil
}

func initSchema(db *sql.DB, log zerolog.Logger) error {
	if _, err := db.Exec(createTablesSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_versions`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	switch {
	case !version.Valid:
		log.Debug().Int("version", SchemaVersion).Msg("Recording schema version")
		_, err := db.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`, SchemaVersion)
		return err
	case int(version.Int64) > SchemaVersion:
		return fmt.Errorf("%w: %d", ErrSchemaMismatch, version.Int64)
	}
	return nil
}

// Get returns the value stored under key
func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &storage.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

// Set upserts value under key
func (s *Storage) Set(ctx context.Context, key, value string) error {
	if err := storage.CheckSize(key, value, s.ceiling); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, value); err != nil {
		return &storage.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes key
func (s *Storage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return &storage.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// MaxValueBytes returns the per-key ceiling
func (s *Storage) MaxValueBytes() int {
	return s.ceiling
}

// Stats reports key count and value sizes
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(CAST(value AS BLOB))), 0), COALESCE(MAX(LENGTH(CAST(value AS BLOB))), 0) FROM settings`,
	).Scan(&stats.Keys, &stats.SizeBytes, &stats.LargestValueBytes)
	if err != nil {
		return nil, &storage.StorageError{Op: "stats", Err: err}
	}
	return stats, nil
}

// Close checkpoints the WAL and closes the database
func (s *Storage) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Debug().Err(err).Msg("WAL checkpoint failed")
	}
	if err := s.db.Close(); err != nil {
		return &storage.StorageError{Op: "close", Err: err}
	}
	return nil
}
