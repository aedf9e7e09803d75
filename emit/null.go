package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it to disable event emission without changing wiring. Safe for
// concurrent use, zero overhead.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
