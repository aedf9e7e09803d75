package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for deployments where several agent processes share one
// persistence tier, or where operators want the state inspectable with
// standard database tooling.
//
// MySQLStore uses connection pooling and transactions for reliability.
//
// Schema:
//   - records: key → (value, timeline, inserted_at)
//   - store_meta: store-level metadata such as the lastUpdated watermark
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	user:password@tcp(localhost:3306)/driftwatch?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//
// The store automatically creates required tables, configures connection
// pooling, and verifies connectivity with a ping.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	// utf8mb4_bin keeps ORDER BY and prefix matching byte-exact.
	recordsTable := `
		CREATE TABLE IF NOT EXISTS records (
			record_key VARCHAR(512) NOT NULL PRIMARY KEY,
			value JSON NOT NULL,
			timeline VARCHAR(255) NOT NULL DEFAULT '',
			inserted_at VARCHAR(64) NOT NULL,
			INDEX idx_timeline (timeline)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin
	`
	if _, err := m.db.ExecContext(ctx, recordsTable); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	metaTable := `
		CREATE TABLE IF NOT EXISTS store_meta (
			name VARCHAR(64) NOT NULL PRIMARY KEY,
			value VARCHAR(255) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin
	`
	if _, err := m.db.ExecContext(ctx, metaTable); err != nil {
		return fmt.Errorf("failed to create store_meta table: %w", err)
	}
	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MySQLStore) touchTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	query := `
		INSERT INTO store_meta (name, value) VALUES ('lastUpdated', ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)
	`
	if _, err := tx.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to update watermark: %w", err)
	}
	return nil
}

// Get retrieves the record stored under key.
func (m *MySQLStore) Get(ctx context.Context, key string) (Record, error) {
	if err := m.guard(); err != nil {
		return Record{}, err
	}

	query := `SELECT value, timeline, inserted_at FROM records WHERE record_key = ?`

	var (
		value      string
		timeline   string
		insertedAt string
	)
	err := m.db.QueryRowContext(ctx, query, key).Scan(&value, &timeline, &insertedAt)
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
func (m *MySQLStore) MGet(ctx context.Context, keys []string) ([]Record, []bool, error) {
	if err := m.guard(); err != nil {
		return nil, nil, err
	}

	recs := make([]Record, len(keys))
	found := make([]bool, len(keys))
	for i, key := range keys {
		rec, err := m.Get(ctx, key)
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
func (m *MySQLStore) Set(ctx context.Context, key string, rec Record) error {
	return m.MSet(ctx, map[string]Record{key: rec})
}

// MSet writes multiple records in one transaction.
func (m *MySQLStore) MSet(ctx context.Context, recs map[string]Record) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO records (record_key, value, timeline, inserted_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value = VALUES(value),
			timeline = VALUES(timeline),
			inserted_at = VALUES(inserted_at)
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
	if err = m.touchTx(ctx, tx, now); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes the record stored under key.
func (m *MySQLStore) Delete(ctx context.Context, key string) error {
	if err := m.guard(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE record_key = ?`, key)
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
	if err = m.touchTx(ctx, tx, time.Now().UTC()); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MDelete removes multiple keys, ignoring misses.
func (m *MySQLStore) MDelete(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, key := range keys {
		err := m.Delete(ctx, key)
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
func (m *MySQLStore) List(ctx context.Context, prefix string) ([]KeyRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT record_key, value, timeline, inserted_at
		FROM records
		WHERE record_key LIKE ?
		ORDER BY record_key ASC
	`

	rows, err := m.db.QueryContext(ctx, query, likeEscape(prefix)+"%")
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
func (m *MySQLStore) Keys(ctx context.Context, prefix string, yield func(key string) bool) error {
	if err := m.guard(); err != nil {
		return err
	}

	query := `SELECT record_key FROM records WHERE record_key LIKE ? ORDER BY record_key ASC`

	rows, err := m.db.QueryContext(ctx, query, likeEscape(prefix)+"%")
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
func (m *MySQLStore) LastUpdated(ctx context.Context) (time.Time, error) {
	if err := m.guard(); err != nil {
		return time.Time{}, err
	}

	var value string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE name = 'lastUpdated'`).Scan(&value)
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
