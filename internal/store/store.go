package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added idx_actions_scope_seq for per-scope head lookups
const currentSchemaVersion = 1

// DefaultCompressThreshold is the value size at or above which cache values
// are stored snappy-compressed.
const DefaultCompressThreshold = 1024

// DefaultMaxTries bounds local retries of a single storage mutation.
const DefaultMaxTries = 3

// DefaultBusyTimeout is how long SQLite waits on a lock before a statement
// fails with SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// ErrStorageCorruption reports a storage failure that local retries could not
// resolve, or on-disk state that failed an integrity check. The application
// layer decides whether to reset the cache.
var ErrStorageCorruption = errors.New("storage corruption")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides durable storage for cache entries and queued actions.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	compressThreshold int
	maxTries          uint
	retryInterval     time.Duration
	busyTimeout       time.Duration

	// rebuilt is true when Open had to rebuild cache accounting.
	rebuilt bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for retry and recovery messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithCompressThreshold sets the value size at which values are compressed.
// A threshold <= 0 disables compression.
func WithCompressThreshold(n int) Option {
	return func(s *Store) {
		s.compressThreshold = n
	}
}

// WithMaxTries sets how many times a mutation is attempted on transient
// SQLite errors before ErrStorageCorruption is returned.
func WithMaxTries(n uint) Option {
	return func(s *Store) {
		s.maxTries = n
	}
}

// WithBusyTimeout sets how long a statement waits on a lock held by another
// connection before it fails and the mutation is retried.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, then verifies
// integrity and cache accounting.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps ":memory:" databases from splitting into one per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:                db,
		logger:            slog.Default(),
		compressThreshold: DefaultCompressThreshold,
		maxTries:          DefaultMaxTries,
		retryInterval:     20 * time.Millisecond,
		busyTimeout:       DefaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := applyPragmas(db, s.busyTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := s.checkIntegrity(); err != nil {
		db.Close()
		return nil, err
	}

	rebuilt, err := s.CheckAccounting(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.rebuilt = rebuilt

	return s, nil
}

// Close closes the database connection.
// Should be called when the store is no longer needed.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RebuiltAccounting reports whether Open found inconsistent cache accounting
// and rebuilt it from an enumeration of the entries.
func (s *Store) RebuiltAccounting() bool {
	return s.rebuilt
}

// Update runs fn inside a read-write transaction.
//
// Transient SQLite errors roll the transaction back and retry fn up to the
// configured number of tries. Any other error from fn is returned unchanged
// and the transaction is rolled back. fn must not have side effects outside
// the transaction.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	retry := backoff.NewConstantBackOff(s.retryInterval)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		s.logger.Warn("transient storage error, retrying", "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(retry), backoff.WithMaxTries(s.maxTries))

	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %w", ErrStorageCorruption, err)
	}
	return err
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	return fn(&Tx{ctx: ctx, tx: tx, store: s})
}

func (s *Store) runTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Tx{ctx: ctx, tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isTransient reports whether err is a SQLite error worth retrying locally.
func isTransient(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		return true
	default:
		return false
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-scope index for databases created before it was
// part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_actions_scope_seq
		ON queued_actions(scope, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// checkIntegrity runs SQLite's quick_check. Anything but "ok" is corruption.
func (s *Store) checkIntegrity() error {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: quick_check: %w", ErrStorageCorruption, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrStorageCorruption, result)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
