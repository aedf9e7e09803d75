package emit

// Emitter receives observability events from the agent loop.
//
// Implementations should be:
//   - Non-blocking: never slow down a stage
//   - Thread-safe: collectors emit from worker goroutines
//   - Resilient: a failing backend must not crash the scheduler
//
// Emit must not panic; internal failures are swallowed or logged by the
// implementation itself.
type Emitter interface {
	Emit(event Event)
}
