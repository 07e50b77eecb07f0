// Package store provides the local durable store for the CropDoc engine.
//
// This package implements the persistence layer shared by every component:
// diagnosis records, model quality ratings, and daily usage counters live in
// SQLite; the two "exactly one current value" slots (installed model artifact,
// subscription snapshot) live in a companion bbolt file where each slot is a
// fixed key in its own bucket, so replace-wholesale is a single transaction and
// the single-row invariant holds by construction.
//
// The SQLite database uses WAL (Write-Ahead Logging) mode for concurrent
// access and maintains its schema through versioned migrations.
//
// # Usage Example
//
//	st, err := store.Open(store.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Close()
//
//	// Persist a locally-produced diagnosis pending sync.
//	err = st.InsertDiagnosis(ctx, rec)
//
// # Concurrency
//
// The store is configured for safe concurrent access:
//   - WAL mode allows concurrent reads while writes are in progress
//   - Connection pool (10 max open, 5 max idle)
//   - 5-second busy timeout for lock contention
//   - Slot replacement is a single bolt Update, so readers never observe a
//     half-updated artifact pointer
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store wraps the SQL database and the slot file with helper methods for the
// engine's components.
type Store struct {
	db    *sql.DB
	slots *bolt.DB
	path  string // Path to the SQLite file (for diagnostic logging)
}

// Config holds store configuration.
type Config struct {
	// Dir is the directory holding cropdoc.db and slots.db.
	Dir string

	// MaxOpenConns is the maximum number of open SQLite connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle SQLite connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default store configuration.
func DefaultConfig() Config {
	return Config{
		Dir:             "/var/lib/cropdoc",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// Open creates the store, initializes the SQLite schema, and opens the slot
// file. The directory must already exist.
func Open(cfg Config) (*Store, error) {
	dbPath := filepath.Join(cfg.Dir, "cropdoc.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// SQLite pragmas for concurrency and durability.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10000",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:   db,
		path: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	slots, err := bolt.Open(filepath.Join(cfg.Dir, "slots.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open slot file: %w", err)
	}
	if err := slots.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketModelArtifact, bucketSubscription} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		slots.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create slot buckets: %w", err)
	}
	s.slots = slots

	return s, nil
}

// Close closes both underlying databases.
func (s *Store) Close() error {
	serr := s.slots.Close()
	derr := s.db.Close()
	if derr != nil {
		return derr
	}
	return serr
}

// Ping verifies the SQLite connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates the database schema if it doesn't exist.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "Initial schema", sql: initialSchema},
	}

	for _, m := range migrations {
		if err := s.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version     int
	description string
	sql         string
}

func (s *Store) runMigration(m migration) error {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	if exists {
		return nil // Migration already applied
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}
