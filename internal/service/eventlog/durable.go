package eventlog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/observability"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultIdleTimeout  = 2 * time.Minute
	defaultBatchSize    = 256
)

// Options Durable 日志配置
type Options struct {
	// PollInterval 没有进程内写入唤醒时，tail 重新读取后端前最长等待多久，
	// 用于覆盖其他进程中的写入者
	PollInterval time.Duration
	// IdleTimeout 未封存的会话持续这么久没有新事件时结束 tail，
	// 避免写入者崩溃后遗留的日志让读者一直挂起
	IdleTimeout time.Duration
	BatchSize   int
	Metrics     *observability.Metrics
}

// Durable 基于 Backend 的 Log 实现
type Durable struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	waiters map[string]*waitEntry
}

// waitEntry 同一会话上所有等待中的 tail 共用的唤醒 channel，
// refs 为仍持有它的 tail 数
type waitEntry struct {
	ch   chan struct{}
	refs int
}

// NewDurable wraps backend.
func NewDurable(backend Backend, opts Options) *Durable {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Durable{
		backend: backend,
		opts:    opts,
		waiters: make(map[string]*waitEntry),
	}
}

// Backend exposes the underlying storage primitive.
func (d *Durable) Backend() Backend { return d.backend }

func (d *Durable) Enabled() bool { return true }

func (d *Durable) Append(ctx context.Context, e stream.Event) error {
	payload, err := stream.Encode(e)
	if err != nil {
		return err
	}
	if err := d.backend.Append(ctx, e.SessionID, e.Sequence, payload); err != nil {
		return fmt.Errorf("append %s#%d: %w", e.SessionID, e.Sequence, err)
	}
	d.opts.Metrics.EventAppended()
	d.notify(e.SessionID)
	return nil
}

func (d *Durable) HasEvents(ctx context.Context, sessionID string) (bool, error) {
	records, err := d.backend.Read(ctx, sessionID, 0, 1)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

func (d *Durable) Close(ctx context.Context, sessionID string) error {
	if err := d.backend.Seal(ctx, sessionID); err != nil {
		return fmt.Errorf("seal %s: %w", sessionID, err)
	}
	d.notify(sessionID)
	return nil
}

func (d *Durable) Tail(sessionID string, from int64) *Tail {
	if from < 0 {
		from = 0
	}
	return &Tail{log: d, sessionID: sessionID, next: from}
}

// subscribe 返回一个在 key 下次写入或封存时关闭的 channel，
// 调用方不再等待时必须调用 release
func (d *Durable) subscribe(key string) (<-chan struct{}, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.waiters[key]
	if !ok {
		w = &waitEntry{ch: make(chan struct{})}
		d.waiters[key] = w
	}
	w.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			w.refs--
			if w.refs == 0 && d.waiters[key] == w {
				delete(d.waiters, key)
			}
		})
	}
	return w.ch, release
}

func (d *Durable) notify(key string) {
	d.mu.Lock()
	w, ok := d.waiters[key]
	delete(d.waiters, key)
	d.mu.Unlock()
	if ok {
		close(w.ch)
	}
}

func logDecodeFailure(sessionID string, seq int64, err error) {
	log.Printf("[eventlog] skipping undecodable event %s#%d: %v", sessionID, seq, err)
}
