package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore is a durable file-backed implementation of Store.
//
// Layout: one newline-delimited JSON file per key, sharded into date
// directories named after the day of the key's first insertion:
//
//	<root>/2025/11/03/<escaped-key>.ndjson
//	<root>/meta.json
//
// Every write appends a full entry line, so a key's file doubles as its
// overwrite history; the last live line is the current record and a
// tombstone line marks deletion. Rewrites go through a temp file in the same
// directory followed by os.Rename, so a partially written record is never
// observable after a crash.
//
// The full key set is indexed in memory; Open rebuilds the index by
// replaying the last line of every file. Suitable for a single process.
type FileStore struct {
	mu          sync.RWMutex
	root        string
	index       map[string]fileSlot
	lastUpdated time.Time
	closed      bool
}

// fileSlot caches the current record and backing path for one key.
type fileSlot struct {
	rec  Record
	path string // relative to root
}

// fileEntry is one NDJSON line in a key's log file.
type fileEntry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Timeline   string          `json:"timeline,omitempty"`
	InsertedAt time.Time       `json:"insertedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// fileMeta is the store-level metadata document.
type fileMeta struct {
	LastUpdated time.Time `json:"lastUpdated"`
}

const metaFileName = "meta.json"

// OpenFileStore opens (or creates) a file-backed store rooted at dir.
//
// Existing data is indexed by replaying every key file, so open cost is
// proportional to the stored history.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}

	fst := &FileStore{
		root:  dir,
		index: make(map[string]fileSlot),
	}
	if err := fst.loadMeta(); err != nil {
		return nil, err
	}
	if err := fst.rebuildIndex(); err != nil {
		return nil, err
	}
	return fst, nil
}

func (f *FileStore) loadMeta() error {
	data, err := os.ReadFile(filepath.Join(f.root, metaFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read store meta: %w", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("parse store meta: %w", err)
	}
	f.lastUpdated = meta.LastUpdated
	return nil
}

func (f *FileStore) rebuildIndex() error {
	return filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".ndjson") {
			return nil
		}

		entry, err := lastEntry(path)
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		if entry == nil || entry.Deleted {
			return nil
		}

		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		f.index[entry.Key] = fileSlot{
			rec: Record{
				Value:      entry.Value,
				Timeline:   entry.Timeline,
				InsertedAt: entry.InsertedAt,
			},
			path: rel,
		}
		return nil
	})
}

// lastEntry returns the final line of a key file, or nil for an empty file.
func lastEntry(path string) (*fileEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var last *fileEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry fileEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		last = &entry
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return last, nil
}

// slotPath computes the relative file path for a new key inserted at t.
func slotPath(key string, t time.Time) string {
	shard := t.UTC().Format("2006/01/02")
	return filepath.Join(shard, url.PathEscape(key)+".ndjson")
}

// appendEntry rewrites the key file with one more line, atomically.
//
// The existing content is copied into a temp file in the same directory,
// the new line appended, then the temp file renamed over the original.
func (f *FileStore) appendEntry(rel string, entry fileEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	full := filepath.Join(f.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}

	existing, err := os.ReadFile(full)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read key file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	write := func() error {
		if len(existing) > 0 {
			if _, err := tmp.Write(existing); err != nil {
				return err
			}
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			return err
		}
		return tmp.Sync()
	}
	if err := write(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// touch persists the lastUpdated watermark.
func (f *FileStore) touch(now time.Time) error {
	f.lastUpdated = now
	data, err := json.Marshal(fileMeta{LastUpdated: now})
	if err != nil {
		return err
	}

	full := filepath.Join(f.root, metaFileName)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store meta: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename store meta: %w", err)
	}
	return nil
}

// Get retrieves the record stored under key.
func (f *FileStore) Get(_ context.Context, key string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return Record{}, ErrClosed
	}
	slot, ok := f.index[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return slot.rec, nil
}

// MGet retrieves records for multiple keys with partial results.
func (f *FileStore) MGet(_ context.Context, keys []string) ([]Record, []bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, nil, ErrClosed
	}

	recs := make([]Record, len(keys))
	found := make([]bool, len(keys))
	for i, key := range keys {
		if slot, ok := f.index[key]; ok {
			recs[i] = slot.rec
			found[i] = true
		}
	}
	return recs, found, nil
}

// Set writes rec under key, replacing any existing record.
func (f *FileStore) Set(_ context.Context, key string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setLocked(key, rec)
}

func (f *FileStore) setLocked(key string, rec Record) error {
	if f.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = now
	}

	rel := ""
	if slot, ok := f.index[key]; ok {
		rel = slot.path // keep appending to the key's original shard
	} else {
		rel = slotPath(key, rec.InsertedAt)
	}

	entry := fileEntry{
		Key:        key,
		Value:      rec.Value,
		Timeline:   rec.Timeline,
		InsertedAt: rec.InsertedAt,
	}
	if err := f.appendEntry(rel, entry); err != nil {
		return err
	}

	f.index[key] = fileSlot{rec: rec, path: rel}
	return f.touch(now)
}

// MSet writes multiple records. Each key file is replaced atomically but
// the batch as a whole is not transactional across keys.
func (f *FileStore) MSet(_ context.Context, recs map[string]Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	// Deterministic write order for reproducible on-disk layouts.
	keys := make([]string, 0, len(recs))
	for key := range recs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := f.setLocked(key, recs[key]); err != nil {
			return err
		}
	}
	return nil
}

// Delete appends a tombstone for key and drops it from the index.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	slot, ok := f.index[key]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	entry := fileEntry{Key: key, InsertedAt: now, Deleted: true}
	if err := f.appendEntry(slot.path, entry); err != nil {
		return err
	}
	delete(f.index, key)
	return f.touch(now)
}

// MDelete removes multiple keys, ignoring misses.
func (f *FileStore) MDelete(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, key := range keys {
		err := f.Delete(ctx, key)
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
func (f *FileStore) List(_ context.Context, prefix string) ([]KeyRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}

	out := make([]KeyRecord, 0)
	for key, slot := range f.index {
		if strings.HasPrefix(key, prefix) {
			out = append(out, KeyRecord{Key: key, Record: slot.rec})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Keys streams matching keys in ascending order to yield.
func (f *FileStore) Keys(_ context.Context, prefix string, yield func(key string) bool) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0)
	for key := range f.index {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	f.mu.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		if !yield(key) {
			return nil
		}
	}
	return nil
}

// LastUpdated reports the persisted write watermark.
func (f *FileStore) LastUpdated(_ context.Context) (time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return time.Time{}, ErrClosed
	}
	return f.lastUpdated, nil
}

// Close marks the store closed. Double-close is a no-op.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Root returns the store's root directory, useful for logging.
func (f *FileStore) Root() string {
	return f.root
}
