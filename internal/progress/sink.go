package progress

import "context"

// Sink consumes batches of progress events. Implementations must tolerate
// repeated calls and honour ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Scoped stamps run and partition onto events before forwarding them.
type Scoped struct {
	Emitter   Emitter
	RunID     [16]byte
	Partition int
}

// Emit implements Emitter.
func (s Scoped) Emit(evt Event) {
	if s.Emitter == nil {
		return
	}
	evt.RunID = s.RunID
	evt.Partition = s.Partition
	s.Emitter.Emit(evt)
}
