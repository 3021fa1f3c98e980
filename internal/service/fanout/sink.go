package fanout

import (
	"context"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// Sink receives sequenced stream events.
// Implementations must not block the publisher for long; slow consumers sit
// behind a Queue.
type Sink interface {
	Emit(ctx context.Context, e stream.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e stream.Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e stream.Event) {
	if f != nil {
		f(ctx, e)
	}
}

// Multi dispatches every event to each sink in order. Nil sinks are skipped.
type Multi struct {
	sinks []Sink
}

// NewMulti builds a Multi over sinks.
func NewMulti(sinks ...Sink) *Multi {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Multi{sinks: filtered}
}

func (m *Multi) Emit(ctx context.Context, e stream.Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, stream.Event) {}
