// Package emit carries observability events out of the agent loop.
//
// Every stage transition, collector run, checkpoint write, and error is
// reported as an Event to a pluggable Emitter. Backends include structured
// logs (LogEmitter), in-memory capture for tests (BufferedEmitter),
// OpenTelemetry spans (OTelEmitter), and a no-op sink (NullEmitter).
package emit

// Event is one observability record from the agent loop.
type Event struct {
	// SessionID identifies the agent session (thread) that emitted this event.
	SessionID string

	// Step is the scheduler's step counter at emission time.
	// Zero for session-level events (startup, shutdown, fatal).
	Step int

	// Stage names the workflow stage active when the event fired,
	// e.g. "MONITOR" or "PATTERN_DETECT". Empty for session-level events.
	Stage string

	// Msg is a short machine-matchable description, e.g. "stage_start",
	// "stage_end", "checkpoint_saved", "collector_error".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": stage execution time
	//   - "error": error details
	//   - "patterns": number of patterns detected
	//   - "significance": computed significance score
	//   - "next_stage": routing decision
	//   - "checkpoint_step": step number of a persisted checkpoint
	Meta map[string]interface{}
}
