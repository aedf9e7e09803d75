// Package memory provides the agent's timeline-tagged memory on top of
// store.Store, with an optional vector layer for semantic search and
// present/future correlation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/narrativelabs/driftwatch/store"
)

// Well-known timeline tags. Any other string acts as a session-scoped tag.
const (
	TimelinePresent = "present"
	TimelinePast    = "past"
	TimelineFuture  = "future"
)

// Entry is one remembered record.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Timeline   string          `json:"timeline"`
	InsertedAt time.Time       `json:"insertedAt"`
}

// Decode unmarshals the entry value into out.
func (e Entry) Decode(out any) error {
	if err := json.Unmarshal(e.Value, out); err != nil {
		return fmt.Errorf("decode memory entry %q: %w", e.Key, err)
	}
	return nil
}

// TimelineStore is the read/write surface shared by MemoryStore and
// VectorMemoryStore.
type TimelineStore interface {
	// Set remembers value under key with a timeline tag.
	Set(ctx context.Context, key string, value any, timeline string) error

	// Get returns one entry. Fails with store.ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// TimelineEntries returns entries with the given tag whose insertion
	// time falls inside the optional [start, end] window, ordered by
	// insertion time then key.
	TimelineEntries(ctx context.Context, timeline string, start, end *time.Time) ([]Entry, error)

	// Delete forgets one entry. Fails with store.ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// MemoryStore tags opaque JSON values with timelines.
type MemoryStore struct {
	st store.Store
}

// NewMemoryStore wraps a backing store.
func NewMemoryStore(st store.Store) *MemoryStore {
	return &MemoryStore{st: st}
}

// Set implements TimelineStore.
func (m *MemoryStore) Set(ctx context.Context, key string, value any, timeline string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode memory value for %q: %w", key, err)
	}
	return m.st.Set(ctx, key, store.Record{Value: raw, Timeline: timeline})
}

// Get implements TimelineStore.
func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	rec, err := m.st.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: rec.Value, Timeline: rec.Timeline, InsertedAt: rec.InsertedAt}, nil
}

// Delete implements TimelineStore.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	return m.st.Delete(ctx, key)
}

// TimelineEntries implements TimelineStore.
func (m *MemoryStore) TimelineEntries(ctx context.Context, timeline string, start, end *time.Time) ([]Entry, error) {
	recs, err := m.st.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	out := make([]Entry, 0)
	for _, kr := range recs {
		if kr.Timeline != timeline {
			continue
		}
		if !insideWindow(kr.InsertedAt, start, end) {
			continue
		}
		out = append(out, Entry{Key: kr.Key, Value: kr.Value, Timeline: kr.Timeline, InsertedAt: kr.InsertedAt})
	}
	sortEntries(out)
	return out, nil
}

func insideWindow(at time.Time, start, end *time.Time) bool {
	if start != nil && at.Before(*start) {
		return false
	}
	if end != nil && at.After(*end) {
		return false
	}
	return true
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].InsertedAt.Equal(entries[j].InsertedAt) {
			return entries[i].InsertedAt.Before(entries[j].InsertedAt)
		}
		return entries[i].Key < entries[j].Key
	})
}
