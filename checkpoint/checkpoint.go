// Package checkpoint persists stage-boundary snapshots of agent state.
//
// Checkpoints are scoped to a thread (one logical agent session) and
// numbered by a monotonically increasing step counter. Each checkpoint is
// immutable once written: re-persisting an existing step fails with
// ErrConflict instead of rewriting history. Retention is the caller's
// business via Delete, Clear, and PruneOlderThan.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/narrativelabs/driftwatch/store"
)

// ErrConflict is returned when persisting a step that already has a
// checkpoint. Checkpoints are immutable; delete first if you really mean it.
var ErrConflict = errors.New("checkpoint already exists")

// ErrCorrupt is returned when a stored checkpoint cannot be decoded.
// Treat this as fatal: the persistence tier no longer round-trips.
var ErrCorrupt = errors.New("checkpoint is corrupt")

// ErrNotFound is returned when no checkpoint exists for the requested step.
var ErrNotFound = store.ErrNotFound

// Envelope is the on-disk checkpoint document:
//
//	{
//	  "threadId": "...",
//	  "step": 7,
//	  "timestamp": "2025-11-03T12:00:00Z",
//	  "state": { ... }
//	}
//
// stored at key "{threadId}_{step}". Unknown fields inside the state are
// the state type's responsibility to preserve.
type Envelope[S any] struct {
	ThreadID  string    `json:"threadId"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	State     S         `json:"state"`
}

// Checkpointer saves and restores snapshots for one thread.
//
// Type parameter S is the state type; it must round-trip through JSON.
type Checkpointer[S any] struct {
	st       store.Store
	threadID string
}

// New creates a Checkpointer writing through st under threadID.
func New[S any](st store.Store, threadID string) *Checkpointer[S] {
	return &Checkpointer[S]{st: st, threadID: threadID}
}

// ThreadID returns the thread this checkpointer is bound to.
func (c *Checkpointer[S]) ThreadID() string { return c.threadID }

// key builds the store key for a step.
func (c *Checkpointer[S]) key(step int) string {
	return fmt.Sprintf("%s_%d", c.threadID, step)
}

// Persist writes an immutable checkpoint of state at step.
//
// Returns ErrConflict if a checkpoint for this step already exists.
func (c *Checkpointer[S]) Persist(ctx context.Context, state S, step int) error {
	key := c.key(step)

	_, err := c.st.Get(ctx, key)
	if err == nil {
		return fmt.Errorf("step %d: %w", step, ErrConflict)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check existing checkpoint: %w", err)
	}

	env := Envelope[S]{
		ThreadID:  c.threadID,
		Step:      step,
		Timestamp: time.Now().UTC(),
		State:     state,
	}
	doc, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := c.st.Set(ctx, key, store.Record{Value: doc}); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Restore loads the checkpoint at step.
//
// Returns ErrNotFound if the step has no checkpoint and ErrCorrupt if the
// stored document cannot be decoded.
func (c *Checkpointer[S]) Restore(ctx context.Context, step int) (S, error) {
	var zero S

	rec, err := c.st.Get(ctx, c.key(step))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return zero, fmt.Errorf("step %d: %w", step, ErrNotFound)
		}
		return zero, fmt.Errorf("read checkpoint: %w", err)
	}

	var env Envelope[S]
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return zero, fmt.Errorf("step %d: %w: %v", step, ErrCorrupt, err)
	}
	if env.ThreadID != c.threadID || env.Step != step {
		return zero, fmt.Errorf("step %d: envelope mismatch (thread=%q step=%d): %w",
			step, env.ThreadID, env.Step, ErrCorrupt)
	}
	return env.State, nil
}

// RestoreLatest loads the highest-numbered checkpoint for this thread.
//
// Returns the state and its step. ErrNotFound means the thread has no
// checkpoints at all.
func (c *Checkpointer[S]) RestoreLatest(ctx context.Context) (S, int, error) {
	var zero S

	steps, err := c.List(ctx)
	if err != nil {
		return zero, 0, err
	}
	if len(steps) == 0 {
		return zero, 0, ErrNotFound
	}

	latest := steps[len(steps)-1]
	state, err := c.Restore(ctx, latest)
	if err != nil {
		return zero, 0, err
	}
	return state, latest, nil
}

// List returns the steps checkpointed for this thread in ascending order.
func (c *Checkpointer[S]) List(ctx context.Context) ([]int, error) {
	prefix := c.threadID + "_"

	steps := make([]int, 0)
	err := c.st.Keys(ctx, prefix, func(key string) bool {
		// Keys for other threads sharing the prefix fail the int parse
		// and drop out here.
		step, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err == nil {
			steps = append(steps, step)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	sort.Ints(steps)
	return steps, nil
}

// Delete removes the checkpoint at step.
func (c *Checkpointer[S]) Delete(ctx context.Context, step int) error {
	if err := c.st.Delete(ctx, c.key(step)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("step %d: %w", step, ErrNotFound)
		}
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Clear removes every checkpoint for this thread.
func (c *Checkpointer[S]) Clear(ctx context.Context) error {
	steps, err := c.List(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, len(steps))
	for i, step := range steps {
		keys[i] = c.key(step)
	}
	if _, err := c.st.MDelete(ctx, keys); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

// PruneOlderThan deletes checkpoints whose envelope timestamp is older than
// ttl, always keeping the newest step so the thread stays resumable.
//
// Returns the number of checkpoints removed. A non-positive ttl disables
// pruning and removes nothing.
func (c *Checkpointer[S]) PruneOlderThan(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}

	steps, err := c.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(steps) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-ttl)
	latest := steps[len(steps)-1]

	var stale []string
	for _, step := range steps {
		if step == latest {
			continue
		}
		rec, err := c.st.Get(ctx, c.key(step))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("read checkpoint for prune: %w", err)
		}
		var env Envelope[json.RawMessage]
		if err := json.Unmarshal(rec.Value, &env); err != nil {
			return 0, fmt.Errorf("step %d: %w: %v", step, ErrCorrupt, err)
		}
		if env.Timestamp.Before(cutoff) {
			stale = append(stale, c.key(step))
		}
	}

	deleted, err := c.st.MDelete(ctx, stale)
	if err != nil {
		return deleted, fmt.Errorf("prune checkpoints: %w", err)
	}
	return deleted, nil
}
