package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/narrativelabs/driftwatch/checkpoint"
	"github.com/narrativelabs/driftwatch/store"
)

type sessionState struct {
	Stage    string         `json:"stage"`
	Counter  int            `json:"counter"`
	Symbols  []string       `json:"symbols"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TestCheckpointRoundTrip persists a state, mutates the in-memory copy, and
// verifies the restored snapshot equals the persisted one.
func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cp := checkpoint.New[sessionState](store.NewMemStore(), "thread-a")

	state := sessionState{
		Stage:   "ASSESS",
		Counter: 7,
		Symbols: []string{"BTC", "ETH"},
		Metadata: map[string]any{
			"significance": 0.85,
		},
	}

	if err := cp.Persist(ctx, state, 7); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// Mutations after persisting must not leak into the snapshot.
	state.Counter = 999
	state.Symbols[0] = "DOGE"
	state.Metadata["significance"] = 0.0

	restored, err := cp.Restore(ctx, 7)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	want := sessionState{
		Stage:   "ASSESS",
		Counter: 7,
		Symbols: []string{"BTC", "ETH"},
		Metadata: map[string]any{
			"significance": 0.85,
		},
	}
	if !reflect.DeepEqual(restored, want) {
		t.Errorf("restored state mismatch:\n got=%+v\nwant=%+v", restored, want)
	}
}

// TestCheckpointImmutable verifies a step cannot be rewritten.
func TestCheckpointImmutable(t *testing.T) {
	ctx := context.Background()
	cp := checkpoint.New[sessionState](store.NewMemStore(), "thread-a")

	first := sessionState{Stage: "MONITOR", Counter: 1}
	if err := cp.Persist(ctx, first, 3); err != nil {
		t.Fatalf("first Persist failed: %v", err)
	}

	err := cp.Persist(ctx, sessionState{Stage: "EVOLVE", Counter: 2}, 3)
	if !errors.Is(err, checkpoint.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The original snapshot must be untouched.
	restored, err := cp.Restore(ctx, 3)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Stage != "MONITOR" || restored.Counter != 1 {
		t.Errorf("checkpoint rewritten: %+v", restored)
	}
}

// TestCheckpointListAndLatest verifies ordering and latest-step restore.
func TestCheckpointListAndLatest(t *testing.T) {
	ctx := context.Background()
	cp := checkpoint.New[sessionState](store.NewMemStore(), "thread-a")

	// Out-of-order persists, including a step number that would sort wrong
	// as a string.
	for _, step := range []int{10, 2, 9} {
		if err := cp.Persist(ctx, sessionState{Counter: step}, step); err != nil {
			t.Fatalf("Persist(%d) failed: %v", step, err)
		}
	}

	steps, err := cp.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if want := []int{2, 9, 10}; !reflect.DeepEqual(steps, want) {
		t.Errorf("List: got=%v, want=%v", steps, want)
	}

	state, step, err := cp.RestoreLatest(ctx)
	if err != nil {
		t.Fatalf("RestoreLatest failed: %v", err)
	}
	if step != 10 || state.Counter != 10 {
		t.Errorf("RestoreLatest: got step=%d counter=%d, want 10/10", step, state.Counter)
	}
}

// TestCheckpointThreadIsolation verifies one thread never sees another's
// checkpoints even when thread IDs share a prefix.
func TestCheckpointThreadIsolation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	a := checkpoint.New[sessionState](st, "thread")
	b := checkpoint.New[sessionState](st, "thread_1")

	if err := a.Persist(ctx, sessionState{Counter: 1}, 1); err != nil {
		t.Fatalf("a.Persist: %v", err)
	}
	if err := b.Persist(ctx, sessionState{Counter: 2}, 5); err != nil {
		t.Fatalf("b.Persist: %v", err)
	}

	// "thread_1_5" starts with "thread_" but its suffix "1_5" is not a
	// step number, so thread a must not list it.
	stepsA, err := a.List(ctx)
	if err != nil {
		t.Fatalf("a.List: %v", err)
	}
	if want := []int{1}; !reflect.DeepEqual(stepsA, want) {
		t.Errorf("a.List: got=%v, want=%v", stepsA, want)
	}

	stepsB, err := b.List(ctx)
	if err != nil {
		t.Fatalf("b.List: %v", err)
	}
	if want := []int{5}; !reflect.DeepEqual(stepsB, want) {
		t.Errorf("b.List: got=%v, want=%v", stepsB, want)
	}
}

// TestCheckpointDeleteAndClear verifies retention operations.
func TestCheckpointDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	cp := checkpoint.New[sessionState](store.NewMemStore(), "thread-a")

	for step := 1; step <= 3; step++ {
		if err := cp.Persist(ctx, sessionState{Counter: step}, step); err != nil {
			t.Fatalf("Persist(%d): %v", step, err)
		}
	}

	if err := cp.Delete(ctx, 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := cp.Restore(ctx, 2); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("deleted step restored: err=%v", err)
	}
	if err := cp.Delete(ctx, 2); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}

	if err := cp.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	steps, err := cp.List(ctx)
	if err != nil {
		t.Fatalf("List after Clear: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("Clear left checkpoints behind: %v", steps)
	}
}

// TestCheckpointCorruptEnvelope verifies corrupted documents surface as
// ErrCorrupt rather than a zero-value state.
func TestCheckpointCorruptEnvelope(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	cp := checkpoint.New[sessionState](st, "thread-a")

	if err := st.Set(ctx, "thread-a_4", store.Record{Value: json.RawMessage(`{"threadId":`)}); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	if _, err := cp.Restore(ctx, 4); !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}

	// Envelope whose identity doesn't match the key is also corrupt.
	doc, _ := json.Marshal(checkpoint.Envelope[sessionState]{
		ThreadID: "other", Step: 5, State: sessionState{Counter: 1},
	})
	if err := st.Set(ctx, "thread-a_5", store.Record{Value: doc}); err != nil {
		t.Fatalf("seed mismatched record: %v", err)
	}
	if _, err := cp.Restore(ctx, 5); !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for mismatched envelope, got %v", err)
	}
}

// TestCheckpointPrune verifies TTL pruning keeps the newest step.
func TestCheckpointPrune(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	cp := checkpoint.New[sessionState](st, "thread-a")

	// Seed two artificially old envelopes directly, then one fresh persist.
	for _, step := range []int{1, 2} {
		doc, _ := json.Marshal(map[string]any{
			"threadId":  "thread-a",
			"step":      step,
			"timestamp": "2020-01-01T00:00:00Z",
			"state":     sessionState{Counter: step},
		})
		if err := st.Set(ctx, fmt.Sprintf("thread-a_%d", step), store.Record{Value: doc}); err != nil {
			t.Fatalf("seed old checkpoint: %v", err)
		}
	}
	if err := cp.Persist(ctx, sessionState{Counter: 3}, 3); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	deleted, err := cp.PruneOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("pruned count: got=%d, want=2", deleted)
	}

	steps, err := cp.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []int{3}; !reflect.DeepEqual(steps, want) {
		t.Errorf("surviving steps: got=%v, want=%v", steps, want)
	}

	// TTL <= 0 disables pruning.
	deleted, err = cp.PruneOlderThan(ctx, 0)
	if err != nil || deleted != 0 {
		t.Errorf("disabled prune: deleted=%d err=%v", deleted, err)
	}
}
