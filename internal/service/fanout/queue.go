package fanout

import (
	"context"
	"io"
	"sync"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// Queue 单发布者、单消费者之间的无界 FIFO。Emit 从不阻塞，
// 消费者卡住也不会拖住发布者或其他 sink
type Queue struct {
	mu       sync.Mutex
	items    []stream.Event
	closed   bool
	detached bool
	signal   chan struct{}
}

// NewQueue 返回一个打开的空队列
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Emit 追加 e，Close 或 Detach 之后的事件会被丢弃
func (q *Queue) Emit(_ context.Context, e stream.Event) {
	q.mu.Lock()
	if q.closed || q.detached {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

// Close 标记流结束，已缓冲的事件仍可读取
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Detach 丢弃已缓冲的事件以及之后发出的所有事件，
// 在消费者离开时使用
func (q *Queue) Detach() {
	q.mu.Lock()
	q.detached = true
	q.items = nil
	q.mu.Unlock()
	q.wake()
}

// Detached reports whether Detach has been called.
func (q *Queue) Detached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.detached
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next 阻塞直到有事件可读。队列关闭且读完或已 detach 时返回 io.EOF，
// ctx 先结束则返回 ctx.Err()
func (q *Queue) Next(ctx context.Context) (stream.Event, error) {
	for {
		q.mu.Lock()
		if q.detached {
			q.mu.Unlock()
			return stream.Event{}, io.EOF
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = stream.Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		if q.closed {
			q.mu.Unlock()
			return stream.Event{}, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return stream.Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
