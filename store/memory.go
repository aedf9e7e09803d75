package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps all records in a map guarded by a read-write mutex. Designed for:
//   - Testing and development
//   - Short-lived sessions where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Memory usage grows with the number of records
//
// For durable storage use FileStore, SQLiteStore, or MySQLStore.
type MemStore struct {
	mu          sync.RWMutex
	records     map[string]Record
	lastUpdated time.Time
	closed      bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]Record),
	}
}

// Get retrieves the record stored under key.
func (m *MemStore) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrClosed
	}

	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// MGet retrieves records for multiple keys. Missing keys are reported via
// the found slice, never as an error.
func (m *MemStore) MGet(_ context.Context, keys []string) ([]Record, []bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	recs := make([]Record, len(keys))
	found := make([]bool, len(keys))
	for i, key := range keys {
		rec, ok := m.records[key]
		if ok {
			recs[i] = rec
			found[i] = true
		}
	}
	return recs, found, nil
}

// Set writes rec under key, replacing any existing record.
func (m *MemStore) Set(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now().UTC()
	}
	m.records[key] = rec
	m.lastUpdated = time.Now().UTC()
	return nil
}

// MSet writes multiple records in a single critical section.
func (m *MemStore) MSet(_ context.Context, recs map[string]Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	for key, rec := range recs {
		if rec.InsertedAt.IsZero() {
			rec.InsertedAt = now
		}
		m.records[key] = rec
	}
	if len(recs) > 0 {
		m.lastUpdated = now
	}
	return nil
}

// Delete removes the record stored under key.
func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	m.lastUpdated = time.Now().UTC()
	return nil
}

// MDelete removes multiple keys, ignoring misses.
func (m *MemStore) MDelete(_ context.Context, keys []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	deleted := 0
	for _, key := range keys {
		if _, ok := m.records[key]; ok {
			delete(m.records, key)
			deleted++
		}
	}
	if deleted > 0 {
		m.lastUpdated = time.Now().UTC()
	}
	return deleted, nil
}

// List returns all records whose key starts with prefix in ascending key order.
func (m *MemStore) List(_ context.Context, prefix string) ([]KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]KeyRecord, 0)
	for key, rec := range m.records {
		if strings.HasPrefix(key, prefix) {
			out = append(out, KeyRecord{Key: key, Record: rec})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Keys streams matching keys in ascending order to yield.
func (m *MemStore) Keys(_ context.Context, prefix string, yield func(key string) bool) error {
	m.mu.RLock()
	keys := make([]string, 0)
	for key := range m.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	// Yield outside the lock so callers may re-enter the store.
	sort.Strings(keys)
	for _, key := range keys {
		if !yield(key) {
			return nil
		}
	}
	return nil
}

// LastUpdated reports the instant of the most recent write.
func (m *MemStore) LastUpdated(_ context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, ErrClosed
	}
	return m.lastUpdated, nil
}

// Close marks the store closed. Double-close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// serializableMemStore is the JSON representation of a MemStore snapshot.
type serializableMemStore struct {
	Records     map[string]Record `json:"records"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// MarshalJSON serializes the full store contents.
//
// Useful for debugging and for spilling an in-memory session to disk.
// Thread-safe: acquires the read lock during serialization.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return json.Marshal(serializableMemStore{
		Records:     m.records,
		LastUpdated: m.lastUpdated,
	})
}

// UnmarshalJSON replaces the store contents with the serialized snapshot.
//
// Thread-safe: acquires the write lock during deserialization.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s serializableMemStore
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	m.records = s.Records
	m.lastUpdated = s.LastUpdated
	if m.records == nil {
		m.records = make(map[string]Record)
	}
	return nil
}
