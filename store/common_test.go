package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/narrativelabs/driftwatch/store"
)

// storeScenarios enumerates every backend so the contract below runs
// identically against all of them. MySQL participates only when
// TEST_MYSQL_DSN points at a disposable database.
func storeScenarios(t *testing.T) []struct {
	name      string
	storeFunc func(*testing.T) (store.Store, func())
} {
	t.Helper()
	return []struct {
		name      string
		storeFunc func(*testing.T) (store.Store, func())
	}{
		{
			name: "MemStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				return store.NewMemStore(), func() {}
			},
		},
		{
			name: "FileStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				st, err := store.OpenFileStore(t.TempDir())
				if err != nil {
					t.Fatalf("Failed to open FileStore: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				dbPath := filepath.Join(t.TempDir(), "test.db")
				st, err := store.NewSQLiteStore(dbPath)
				if err != nil {
					t.Fatalf("Failed to create SQLiteStore: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
		{
			name: "MySQLStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("Skipping MySQL test: TEST_MYSQL_DSN not set")
				}
				st, err := store.NewMySQLStore(dsn)
				if err != nil {
					t.Fatalf("Failed to create MySQLStore: %v", err)
				}
				return st, func() { _ = st.Close() }
			},
		},
	}
}

func rawDoc(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test doc: %v", err)
	}
	return data
}

// TestStoreContract verifies that all Store implementations behave
// consistently for the core key→record operations.
func TestStoreContract(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name+"/GetSetDelete", func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			// Missing key yields ErrNotFound.
			if _, err := st.Get(ctx, "absent"); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("Get(absent): expected ErrNotFound, got %v", err)
			}

			rec := store.Record{
				Value:      rawDoc(t, map[string]int{"value": 42}),
				Timeline:   "present",
				InsertedAt: time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC),
			}
			if err := st.Set(ctx, "alpha", rec); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			got, err := st.Get(ctx, "alpha")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Timeline != "present" {
				t.Errorf("Timeline mismatch: got=%q, want=%q", got.Timeline, "present")
			}
			if !got.InsertedAt.Equal(rec.InsertedAt) {
				t.Errorf("InsertedAt mismatch: got=%v, want=%v", got.InsertedAt, rec.InsertedAt)
			}

			var doc map[string]int
			if err := json.Unmarshal(got.Value, &doc); err != nil {
				t.Fatalf("unmarshal stored value: %v", err)
			}
			if doc["value"] != 42 {
				t.Errorf("Value mismatch: got=%d, want=42", doc["value"])
			}

			// Overwrite replaces the record.
			rec2 := store.Record{Value: rawDoc(t, map[string]int{"value": 43})}
			if err := st.Set(ctx, "alpha", rec2); err != nil {
				t.Fatalf("overwrite Set failed: %v", err)
			}
			got, err = st.Get(ctx, "alpha")
			if err != nil {
				t.Fatalf("Get after overwrite failed: %v", err)
			}
			if err := json.Unmarshal(got.Value, &doc); err != nil {
				t.Fatalf("unmarshal overwritten value: %v", err)
			}
			if doc["value"] != 43 {
				t.Errorf("overwrite not visible: got=%d, want=43", doc["value"])
			}

			// Delete removes, second delete reports ErrNotFound.
			if err := st.Delete(ctx, "alpha"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := st.Delete(ctx, "alpha"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("second Delete: expected ErrNotFound, got %v", err)
			}
		})

		t.Run(scenario.name+"/BulkOps", func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			batch := map[string]store.Record{
				"bulk/a": {Value: rawDoc(t, 1)},
				"bulk/b": {Value: rawDoc(t, 2)},
				"bulk/c": {Value: rawDoc(t, 3)},
			}
			if err := st.MSet(ctx, batch); err != nil {
				t.Fatalf("MSet failed: %v", err)
			}

			// MGet returns partial results without error.
			recs, found, err := st.MGet(ctx, []string{"bulk/a", "bulk/missing", "bulk/c"})
			if err != nil {
				t.Fatalf("MGet failed: %v", err)
			}
			if !found[0] || found[1] || !found[2] {
				t.Errorf("found mismatch: got=%v, want=[true false true]", found)
			}
			var n int
			if err := json.Unmarshal(recs[2].Value, &n); err != nil || n != 3 {
				t.Errorf("bulk/c value: got=%d err=%v, want=3", n, err)
			}

			// MDelete ignores misses and counts real deletions.
			deleted, err := st.MDelete(ctx, []string{"bulk/a", "bulk/missing", "bulk/b"})
			if err != nil {
				t.Fatalf("MDelete failed: %v", err)
			}
			if deleted != 2 {
				t.Errorf("MDelete count: got=%d, want=2", deleted)
			}
			if _, err := st.Get(ctx, "bulk/a"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("bulk/a should be gone, got err=%v", err)
			}
			if _, err := st.Get(ctx, "bulk/c"); err != nil {
				t.Errorf("bulk/c should survive, got err=%v", err)
			}
		})

		t.Run(scenario.name+"/ListAndKeysOrdered", func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			// Insert out of order; listings must come back sorted.
			for _, key := range []string{"thread_9", "thread_10", "other_1", "thread_2"} {
				if err := st.Set(ctx, key, store.Record{Value: rawDoc(t, key)}); err != nil {
					t.Fatalf("Set(%s) failed: %v", key, err)
				}
			}

			listed, err := st.List(ctx, "thread_")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			wantKeys := []string{"thread_10", "thread_2", "thread_9"}
			if len(listed) != len(wantKeys) {
				t.Fatalf("List length: got=%d, want=%d", len(listed), len(wantKeys))
			}
			for i, kr := range listed {
				if kr.Key != wantKeys[i] {
					t.Errorf("List[%d]: got=%q, want=%q", i, kr.Key, wantKeys[i])
				}
			}

			var streamed []string
			err = st.Keys(ctx, "thread_", func(key string) bool {
				streamed = append(streamed, key)
				return true
			})
			if err != nil {
				t.Fatalf("Keys failed: %v", err)
			}
			if len(streamed) != len(wantKeys) {
				t.Fatalf("Keys length: got=%d, want=%d", len(streamed), len(wantKeys))
			}
			for i, key := range streamed {
				if key != wantKeys[i] {
					t.Errorf("Keys[%d]: got=%q, want=%q", i, key, wantKeys[i])
				}
			}

			// Early stop is honored.
			var first []string
			err = st.Keys(ctx, "thread_", func(key string) bool {
				first = append(first, key)
				return false
			})
			if err != nil {
				t.Fatalf("Keys early-stop failed: %v", err)
			}
			if len(first) != 1 || first[0] != "thread_10" {
				t.Errorf("Keys early stop: got=%v, want=[thread_10]", first)
			}
		})

		t.Run(scenario.name+"/LastUpdatedWatermark", func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			before, err := st.LastUpdated(ctx)
			if err != nil {
				t.Fatalf("LastUpdated failed: %v", err)
			}

			if err := st.Set(ctx, "watermark", store.Record{Value: rawDoc(t, "x")}); err != nil {
				t.Fatalf("Set failed: %v", err)
			}

			after, err := st.LastUpdated(ctx)
			if err != nil {
				t.Fatalf("LastUpdated after write failed: %v", err)
			}
			if !after.After(before) && !before.IsZero() {
				t.Errorf("watermark did not advance: before=%v after=%v", before, after)
			}
			if after.IsZero() {
				t.Error("watermark still zero after a write")
			}
		})
	}
}

// TestFileStoreReopen verifies that a FileStore rebuilt from disk serves the
// same records it held before closing, and that deletions stay deleted.
func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.OpenFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	inserted := time.Date(2025, 11, 3, 8, 30, 0, 0, time.UTC)
	if err := st.Set(ctx, "keep", store.Record{Value: rawDoc(t, "kept"), Timeline: "past", InsertedAt: inserted}); err != nil {
		t.Fatalf("set keep: %v", err)
	}
	if err := st.Set(ctx, "drop", store.Record{Value: rawDoc(t, "dropped")}); err != nil {
		t.Fatalf("set drop: %v", err)
	}
	if err := st.Delete(ctx, "drop"); err != nil {
		t.Fatalf("delete drop: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Key files live under the insertion-date shard.
	shard := filepath.Join(dir, "2025", "11", "03")
	if _, err := os.Stat(shard); err != nil {
		t.Fatalf("expected date shard %s: %v", shard, err)
	}

	reopened, err := store.OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx, "keep")
	if err != nil {
		t.Fatalf("get keep after reopen: %v", err)
	}
	if got.Timeline != "past" || !got.InsertedAt.Equal(inserted) {
		t.Errorf("keep metadata mismatch: %+v", got)
	}

	if _, err := reopened.Get(ctx, "drop"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tombstoned key resurfaced: err=%v", err)
	}

	wm, err := reopened.LastUpdated(ctx)
	if err != nil {
		t.Fatalf("LastUpdated after reopen: %v", err)
	}
	if wm.IsZero() {
		t.Error("watermark not persisted across reopen")
	}
}

// TestListRowsExposeRecordFields verifies a listing row carries the record
// metadata directly, the way the memory layer reads it.
func TestListRowsExposeRecordFields(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	inserted := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	if err := st.Set(ctx, "row", store.Record{Value: rawDoc(t, "v"), Timeline: "present", InsertedAt: inserted}); err != nil {
		t.Fatalf("set: %v", err)
	}

	listed, err := st.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("list length: got=%d, want=1", len(listed))
	}
	kr := listed[0]
	if kr.Timeline != "present" {
		t.Errorf("Timeline on listing row: got=%q, want=%q", kr.Timeline, "present")
	}
	if !kr.InsertedAt.Equal(inserted) {
		t.Errorf("InsertedAt on listing row: got=%v, want=%v", kr.InsertedAt, inserted)
	}
	if string(kr.Value) != `"v"` {
		t.Errorf("Value on listing row: got=%s", kr.Value)
	}
}

// TestStoreClosed verifies operations on a closed store fail with ErrClosed.
func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("double close should be a no-op: %v", err)
	}

	if _, err := st.Get(ctx, "x"); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Get on closed store: got %v, want ErrClosed", err)
	}
	if err := st.Set(ctx, "x", store.Record{Value: json.RawMessage(`1`)}); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Set on closed store: got %v, want ErrClosed", err)
	}
}
