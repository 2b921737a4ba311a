package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/blackwell-systems/iowatchdog/internal/timesource"
)

// RetentionDays is how long daily usage rows are kept.
const RetentionDays = 30

// ErrNotInitialized is returned when the schema has not been created yet.
var ErrNotInitialized = errors.New("database not initialized: start the watchdog with 'iowatchdog run' first")

// Store provides SQLite persistence for the watchdog.
//
// Writes are bracketed by MarkDirty, StartWrite, MarkWriteSuccessful and
// EndWrite so a caller can skip writes when nothing changed and retry a
// failed write on the next trigger.
type Store struct {
	db    *sql.DB
	clock *timesource.Source

	mu             sync.Mutex
	dirty          bool
	writeInProcess bool
}

// New creates a new Store with the specified database path.
// Use ":memory:" for in-memory databases (useful for testing).
func New(dbPath string, clock *timesource.Source) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if clock == nil {
		clock = timesource.New(nil)
	}
	return &Store{db: db, clock: clock}, nil
}

// Open creates the store, its schema, and drops usage rows past retention.
func Open(ctx context.Context, dbPath string, clock *timesource.Source) (*Store, error) {
	s, err := New(dbPath, clock)
	if err != nil {
		return nil, err
	}
	if err := s.CreateSchema(); err != nil {
		s.Close()
		return nil, err
	}
	if _, err := s.DeleteExpired(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateSchema creates all tables and indexes.
func (s *Store) CreateSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// MarkDirty records that in-memory state differs from the database.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// StartWrite begins a write. It returns false when there is nothing to write
// or another write is in progress.
func (s *Store) StartWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.writeInProcess {
		return false
	}
	s.writeInProcess = true
	return true
}

// MarkWriteSuccessful clears the dirty flag.
func (s *Store) MarkWriteSuccessful() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// EndWrite finishes the write started by StartWrite.
func (s *Store) EndWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeInProcess = false
}

// IsDirty reports whether a write is pending.
func (s *Store) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// wrapErr maps missing-table errors to ErrNotInitialized.
func wrapErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%s: %w", msg, ErrNotInitialized)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
