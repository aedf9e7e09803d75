// Package workflow runs the agent's stage machine.
//
// The engine owns the UnifiedState and advances it through explicit stage
// transitions: MONITOR collects, RAG_CONTEXT recalls, PATTERN_DETECT reads
// the graph, ASSESS gates on significance, CAUSAL_MATCH consults history,
// NARRATE drafts artifacts, QUEUE/POST publish, INTERACT answers mentions,
// and EVOLVE closes the cycle. Every stage runs against a staged copy of
// the state that is swapped in only on success, so an errored stage leaves
// nothing behind except its error-log entry.
package workflow

import (
	"context"
	"fmt"

	"github.com/narrativelabs/driftwatch/state"
)

// StageResult is a stage function's explicit transition.
type StageResult struct {
	// Next is the stage the scheduler advances to.
	Next state.Stage

	// Checkpoint requests a checkpoint at this stage boundary.
	Checkpoint bool
}

// StageFunc is one stage of the workflow. It runs against a staged copy
// of the state; edits commit only when it returns without error.
type StageFunc func(ctx context.Context, st *state.UnifiedState) (StageResult, error)

// StageError marks a stage failure with an explicit criticality. Stages
// return it when the default non-critical routing is wrong.
type StageError struct {
	Stage    state.Stage
	Critical bool
	Cause    error
}

func (e *StageError) Error() string {
	sev := "recoverable"
	if e.Critical {
		sev = "critical"
	}
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, sev, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }
