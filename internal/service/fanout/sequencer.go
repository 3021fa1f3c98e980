package fanout

import (
	"context"
	"sync"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// Sequencer 给事件打上会话 ID 和从 0 开始的连续序号，再发布给各个 sink。
// 发布是串行的，所有 sink 看到的顺序一致
type Sequencer struct {
	sessionID string
	sink      Sink

	mu   sync.Mutex
	next int64
}

// NewSequencer returns a Sequencer publishing to sinks.
func NewSequencer(sessionID string, sinks ...Sink) *Sequencer {
	return &Sequencer{sessionID: sessionID, sink: NewMulti(sinks...)}
}

// Publish builds an event of type t around payload, assigns the next sequence
// and hands it to every sink.
func (s *Sequencer) Publish(ctx context.Context, t stream.Type, payload any) (stream.Event, error) {
	e, err := stream.New(t, payload)
	if err != nil {
		return stream.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.SessionID = s.sessionID
	e.Sequence = s.next
	s.next++
	s.sink.Emit(ctx, e)
	return e, nil
}

// Published returns how many events have been sequenced.
func (s *Sequencer) Published() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
