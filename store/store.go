// Package store provides key→record persistence for the agent.
//
// A Store is an ordered map from string keys to opaque JSON documents.
// It backs the checkpointer and the timeline memory layers, so every
// implementation must provide the same contract:
//
//   - Single-key Get and Delete fail with ErrNotFound on missing keys.
//   - Bulk MGet and MDelete return partial results and never fail on misses.
//   - List and Keys iterate records in ascending key order.
//   - Writes bump the store-level LastUpdated watermark.
//
// Implementations:
//   - MemStore: in-memory, for tests and short-lived sessions (memory.go)
//   - FileStore: durable newline-delimited JSON sharded by date (file.go)
//   - SQLiteStore: single-file database with WAL mode (sqlite.go)
//   - MySQLStore: shared-server database for multi-process setups (mysql.go)
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Record is an opaque document with insertion metadata.
//
// Value carries the caller's JSON payload verbatim. Timeline is a free-form
// tag used by the memory layer to group records (present, past, future, or a
// session-scoped label). InsertedAt is assigned by the store at write time
// when left zero; callers may set it explicitly for deterministic tests.
type Record struct {
	Value      json.RawMessage `json:"value"`
	Timeline   string          `json:"timeline,omitempty"`
	InsertedAt time.Time       `json:"insertedAt"`
}

// KeyRecord pairs a key with its record for ordered listings. Record is
// embedded so its fields read directly off a listing row.
type KeyRecord struct {
	Key    string `json:"key"`
	Record `json:"record"`
}

// Store is the persistence contract shared by all backends.
type Store interface {
	// Get retrieves the record stored under key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (Record, error)

	// MGet retrieves records for multiple keys in one call.
	//
	// The returned slices are parallel to keys: found[i] reports whether
	// keys[i] existed, and recs[i] is meaningful only when found[i] is true.
	// Missing keys are not an error.
	MGet(ctx context.Context, keys []string) (recs []Record, found []bool, err error)

	// Set writes rec under key, replacing any existing record.
	// A zero rec.InsertedAt is stamped with the current UTC time.
	Set(ctx context.Context, key string, rec Record) error

	// MSet writes multiple records atomically where the backend allows it.
	MSet(ctx context.Context, recs map[string]Record) error

	// Delete removes the record stored under key.
	// Returns ErrNotFound if the key does not exist.
	Delete(ctx context.Context, key string) error

	// MDelete removes multiple keys, ignoring misses.
	// Returns the number of records actually deleted.
	MDelete(ctx context.Context, keys []string) (int, error)

	// List returns all records whose key starts with prefix, in ascending
	// key order. An empty prefix lists the entire store.
	List(ctx context.Context, prefix string) ([]KeyRecord, error)

	// Keys streams keys matching prefix in ascending order to yield.
	// Iteration stops early when yield returns false.
	Keys(ctx context.Context, prefix string, yield func(key string) bool) error

	// LastUpdated reports the instant of the most recent successful write
	// (Set, MSet, Delete, or MDelete that removed at least one record).
	// The zero time means the store has never been written.
	LastUpdated(ctx context.Context) (time.Time, error)

	// Close releases backend resources. Operations after Close fail with
	// ErrClosed. Calling Close twice is a no-op.
	Close() error
}
