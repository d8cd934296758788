// Package store implements LiteBucket's object store engine on an embedded
// SQLite database. Object content and per-version metadata live in one
// schema, so content durability is transactionally linked to metadata
// visibility: a version row is never visible without its bytes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/litebucket/litebucket/internal/metrics"
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	// maxTxRetries bounds the retry loop for transactions that hit a
	// concurrent writer. Retries beyond this surface to the caller.
	maxTxRetries = 3
)

// VersioningState is the versioning mode of a bucket.
type VersioningState string

const (
	VersioningDisabled  VersioningState = "Disabled"
	VersioningEnabled   VersioningState = "Enabled"
	VersioningSuspended VersioningState = "Suspended"
)

// NullVersionID is the version id of objects in unversioned buckets.
const NullVersionID = "null"

// ErrInconsistentLatest reports a violated latest-version invariant detected
// at read time: version rows exist for a key but none is marked latest. This
// is never repaired by guessing; it surfaces as an internal error.
var ErrInconsistentLatest = errors.New("version rows exist but no latest version is marked")

// ErrInvalidTransition reports a disallowed versioning state change, such as
// returning to Disabled after versioning was ever enabled.
var ErrInvalidTransition = errors.New("invalid versioning state transition")

// ErrRetriesExhausted reports a transaction that kept losing to concurrent
// writers until the retry budget ran out. Callers surface it as a retryable
// unavailability, not a hard failure.
var ErrRetriesExhausted = errors.New("transaction retries exhausted")

// Version is one stored version of an object. Data is populated only by
// Download; Head and listing leave it nil.
type Version struct {
	Bucket       string
	Key          string
	VersionID    string
	Seq          int64
	Data         []byte
	Size         int64
	ETag         string
	ContentType  string
	CreatedAt    time.Time
	IsLatest     bool
	DeleteMarker bool
}

// Options configures the store's connection pool behavior.
type Options struct {
	// MaxConns bounds the database connection pool. Callers block waiting
	// for a connection; the per-operation context bounds the wait.
	MaxConns int
	// BusyTimeoutMS is the SQLite busy_timeout pragma in milliseconds.
	BusyTimeoutMS int
}

// Store is the SQLite-backed object store. It holds no object state in
// memory; the database is the single source of truth and every operation
// re-reads it within its own transaction or statement.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// PRAGMAs, initializes the schema, and bounds the connection pool.
func Open(path string, opts Options) (*Store, error) {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 8
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	// _txlock=immediate makes every transaction take the write lock up
	// front, so concurrent writers queue on busy_timeout instead of failing
	// mid-transaction on a read-to-write upgrade. The PRAGMAs ride in the
	// DSN so the driver applies them to every pooled connection; a plain
	// db.Exec would configure whichever single connection it happened to
	// draw and leave the rest with busy_timeout=0.
	dsn := fmt.Sprintf(
		"%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		path, opts.BusyTimeoutMS,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns)

	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB creates the required tables and indexes.
// Safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *Store) initDB() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			name       TEXT PRIMARY KEY,
			versioning TEXT NOT NULL DEFAULT 'Disabled',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS versions (
			bucket        TEXT NOT NULL,
			key           TEXT NOT NULL,
			version_id    TEXT NOT NULL,
			seq           INTEGER NOT NULL,
			data          BLOB,
			size          INTEGER NOT NULL DEFAULT 0,
			etag          TEXT NOT NULL DEFAULT '',
			content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
			created_at    TEXT NOT NULL,
			is_latest     INTEGER NOT NULL DEFAULT 0,
			delete_marker INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (bucket, key, version_id),
			FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_latest
			ON versions(bucket, key) WHERE is_latest = 1;
		CREATE INDEX IF NOT EXISTS idx_versions_key_seq
			ON versions(bucket, key, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// EnsureBucket creates the bucket row if it does not already exist. Runs on
// every startup for each configured bucket; an existing row keeps its
// persisted versioning state.
func (s *Store) EnsureBucket(ctx context.Context, name string, initial VersioningState) error {
	if initial == "" {
		initial = VersioningDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets (name, versioning, created_at) VALUES (?, ?, ?)`,
		name, string(initial), time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("ensuring bucket %q: %w", name, err)
	}
	return nil
}

// BucketCreatedAt returns the creation timestamp recorded for the bucket,
// or the zero time if the bucket row does not exist.
func (s *Store) BucketCreatedAt(ctx context.Context, name string) (time.Time, error) {
	var createdAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM buckets WHERE name = ?`, name,
	).Scan(&createdAtStr)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading bucket %q: %w", name, err)
	}
	t, _ := time.Parse(timeFormat, createdAtStr)
	return t, nil
}

// Stats reports the number of bucket rows and current (latest,
// non-delete-marker) object rows in the database.
func (s *Store) Stats(ctx context.Context) (buckets, objects int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets`).Scan(&buckets); err != nil {
		return 0, 0, fmt.Errorf("counting buckets: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM versions WHERE is_latest = 1 AND delete_marker = 0`,
	).Scan(&objects)
	if err != nil {
		return 0, 0, fmt.Errorf("counting objects: %w", err)
	}
	return buckets, objects, nil
}

// HealthCheck verifies the database is operational.
func (s *Store) HealthCheck(ctx context.Context) error {
	var n int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

// withTx runs fn inside a transaction, retrying the whole transaction a
// bounded number of times when SQLite reports a concurrent writer. The
// embedded database serializes writers; retrying after a rollback re-reads
// all state, so read-then-write sequences inside fn never act on stale data.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// With _txlock=immediate the write lock is claimed here, so
			// contention surfaces at BeginTx rather than inside fn.
			if !isBusy(err) {
				return fmt.Errorf("beginning transaction: %w", err)
			}
			metrics.TxRetriesTotal.Inc()
			lastErr = err
			continue
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if !isBusy(err) {
				return err
			}
			metrics.TxRetriesTotal.Inc()
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			if !isBusy(err) {
				return fmt.Errorf("committing transaction: %w", err)
			}
			metrics.TxRetriesTotal.Inc()
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// isBusy reports whether err is SQLite's busy/locked contention signal.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// escapeLikePattern escapes special LIKE characters (%, _) in a pattern
// using backslash as the escape character. The caller must append
// ESCAPE '\' to the LIKE clause.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
