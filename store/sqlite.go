package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps all records in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process agents requiring durable state
//   - Prototyping before migrating to a shared server
//
// SQLiteStore enables WAL mode so readers are not blocked by the writer,
// and auto-creates its schema on first use.
//
// Schema:
//   - records: key → (value, timeline, inserted_at)
//   - store_meta: store-level metadata such as the lastUpdated watermark
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./agent.db" - file in current directory
//   - ":memory:"   - in-memory database (data lost on close)
//
// The store automatically creates the database file, creates required
// tables, enables WAL mode, and configures a 5s busy timeout.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	recordsTable := `
		CREATE TABLE IF NOT EXISTS records (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL,
			timeline TEXT NOT NULL DEFAULT '',
			inserted_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, recordsTable); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_records_timeline ON records(timeline)"); err != nil {
		return fmt.Errorf("failed to create idx_records_timeline: %w", err)
	}

	metaTable := `
		CREATE TABLE IF NOT EXISTS store_meta (
			name TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, metaTable); err != nil {
		return fmt.Errorf("failed to create store_meta table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// likeEscape escapes LIKE wildcards so a prefix matches literally.
func likeEscape(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

// touch updates the lastUpdated watermark inside the caller's transaction.
func touchTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	query := `
		INSERT INTO store_meta (name, value) VALUES ('lastUpdated', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	return nil
}

// Get retrieves the record stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	if err := s.guard(); err != nil {
		return Record{}, err
	}

	query := `SELECT value, timeline, inserted_at FROM records WHERE key = ?`

	var (
		value      string
		timeline   string
		insertedAt string
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &timeline, &insertedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get record: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, insertedAt)
	if err != nil {
		return Record{}, fmt.Errorf("failed to parse inserted_at: %w", err)
	}
	return Record{Value: json.RawMessage(value), Timeline: timeline, InsertedAt: ts}, nil
}

// MGet retrieves records for multiple keys with partial results.
func (s *SQLiteStore) MGet(ctx context.Context, keys []string) ([]Record, []bool, error) {
	if err := s.guard(); err != nil {
		return nil, nil, err
	}

	recs := make([]Record, len(keys))
	found := make([]bool, len(keys))
	for i, key := range keys {
		rec, err := s.Get(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		recs[i] = rec
		found[i] = true
	}
	return recs, found, nil
}

// Set writes rec under key, replacing any existing record.
func (s *SQLiteStore) Set(ctx context.Context, key string, rec Record) error {
	return s.MSet(ctx, map[string]Record{key: rec})
}

// MSet writes multiple records in one transaction.
func (s *SQLiteStore) MSet(ctx context.Context, recs map[string]Record) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO records (key, value, timeline, inserted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			timeline = excluded.timeline,
			inserted_at = excluded.inserted_at
	`

	now := time.Now().UTC()
	for key, rec := range recs {
		insertedAt := rec.InsertedAt
		if insertedAt.IsZero() {
			insertedAt = now
		}
		if _, err = tx.ExecContext(ctx, query,
			key, string(rec.Value), rec.Timeline, insertedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
	}
	if err = touchTx(ctx, tx, now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes the record stored under key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}
	if err = touchTx(ctx, tx, time.Now().UTC()); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MDelete removes multiple keys, ignoring misses.
func (s *SQLiteStore) MDelete(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, key := range keys {
		err := s.Delete(ctx, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// List returns all records whose key starts with prefix in ascending key order.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]KeyRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT key, value, timeline, inserted_at
		FROM records
		WHERE key LIKE ? ESCAPE '\'
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, likeEscape(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]KeyRecord, 0)
	for rows.Next() {
		var (
			key        string
			value      string
			timeline   string
			insertedAt string
		)
		if err := rows.Scan(&key, &value, &timeline, &insertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, insertedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse inserted_at: %w", err)
		}
		out = append(out, KeyRecord{
			Key:    key,
			Record: Record{Value: json.RawMessage(value), Timeline: timeline, InsertedAt: ts},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return out, nil
}

// Keys streams matching keys in ascending order to yield.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string, yield func(key string) bool) error {
	if err := s.guard(); err != nil {
		return err
	}

	query := `SELECT key FROM records WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, likeEscape(prefix)+"%")
	if err != nil {
		return fmt.Errorf("failed to query keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("failed to scan key row: %w", err)
		}
		if !yield(key) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating key rows: %w", err)
	}
	return nil
}

// LastUpdated reports the persisted write watermark.
func (s *SQLiteStore) LastUpdated(ctx context.Context) (time.Time, error) {
	if err := s.guard(); err != nil {
		return time.Time{}, err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE name = 'lastUpdated'`).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse watermark: %w", err)
	}
	return ts, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path, useful for logging.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
