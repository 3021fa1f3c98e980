package eventlog

import (
	"context"
	"io"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// Tail 单个会话事件的惰性、可重启读取器。非并发安全，
// 每个消费者各开一个 Tail。
type Tail struct {
	log       *Durable
	sessionID string
	next      int64
	buf       []stream.Event
	done      bool
	idleSince time.Time
}

// Position 下一次 Next 将返回的序号
func (t *Tail) Position() int64 { return t.next }

// Next 按序号顺序返回下一个事件。会话未封存时阻塞等待；
// 会话已封存且读完，或空闲超过 IdleTimeout 时返回 io.EOF
func (t *Tail) Next(ctx context.Context) (stream.Event, error) {
	for {
		if len(t.buf) > 0 {
			e := t.buf[0]
			t.buf = t.buf[1:]
			t.next = e.Sequence + 1
			return e, nil
		}
		if t.done || t.log == nil {
			return stream.Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return stream.Event{}, err
		}
		if t.idleSince.IsZero() {
			t.idleSince = time.Now()
		}

		if err := t.await(ctx); err != nil {
			return stream.Event{}, err
		}
	}
}

// await 读取下一批事件，读不到时阻塞到写入、封存、轮询间隔到期或 ctx 结束。
// 唤醒订阅不会超出本次调用
func (t *Tail) await(ctx context.Context) error {
	// 先订阅再读取，避免错过读取与等待之间的写入
	wake, release := t.log.subscribe(t.sessionID)
	defer release()

	n, err := t.fill(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		t.idleSince = time.Time{}
		return nil
	}

	sealed, err := t.log.backend.Sealed(ctx, t.sessionID)
	if err != nil {
		return err
	}
	if sealed {
		// 封存前写入的事件可能在我们读取之后才落盘
		if n, err = t.fill(ctx); err != nil {
			return err
		}
		if n == 0 {
			t.done = true
		}
		return nil
	}

	if time.Since(t.idleSince) >= t.log.opts.IdleTimeout {
		t.done = true
		return nil
	}

	timer := time.NewTimer(t.log.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timer.C:
	}
	return nil
}

func (t *Tail) fill(ctx context.Context) (int, error) {
	records, err := t.log.backend.Read(ctx, t.sessionID, t.next, t.log.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if r.Seq < t.next {
			continue
		}
		e, err := stream.Parse(r.Payload)
		if err != nil {
			logDecodeFailure(t.sessionID, r.Seq, err)
			t.next = r.Seq + 1
			continue
		}
		e.Sequence = r.Seq
		t.buf = append(t.buf, e)
	}
	return len(t.buf), nil
}
