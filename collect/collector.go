// Package collect implements the event collectors: market ticks, social
// posts, news articles, and video transcripts.
//
// Collectors never touch the knowledge graph. They append UTC-stamped
// events to the UnifiedState buffers through the state mutex and leave
// graph writes to the PATTERN_DETECT stage. Every outbound call goes
// through the rate gate.
package collect

import (
	"context"

	"github.com/narrativelabs/driftwatch/state"
)

// Collector produces events into UnifiedState.
type Collector interface {
	// Name identifies the collector in logs and metrics.
	Name() string

	// Collect runs one collection pass. Transient failures are for the
	// caller's retry handler; invalid events are dropped and logged.
	Collect(ctx context.Context, st *state.UnifiedState) error
}
