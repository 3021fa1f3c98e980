// Package eventlog 保存流会话带序号的事件，
// 让断线的消费者可以重放
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

var (
	// ErrSequenceConflict 写入会产生空洞或覆盖已有序号时由后端返回
	ErrSequenceConflict = errors.New("event sequence conflict")
	// ErrSealed 向已封存的会话写入
	ErrSealed = errors.New("event log sealed")
)

// Log 连接生成任务与恢复消费者的传输层
type Log interface {
	// Enabled 是否真正保存事件
	Enabled() bool
	Append(ctx context.Context, e stream.Event) error
	// Tail 从序号 from 开始读取会话事件
	Tail(sessionID string, from int64) *Tail
	HasEvents(ctx context.Context, sessionID string) (bool, error)
	// Close 封存会话，tail 读完后结束
	Close(ctx context.Context, sessionID string) error
}

// Record is one stored event.
type Record struct {
	Seq     int64
	Payload []byte
}

// Backend Durable 日志所依赖的按 key 追加写原语
type Backend interface {
	Append(ctx context.Context, key string, seq int64, payload []byte) error
	// Read 按升序返回至多 limit 条 Seq >= from 的记录
	Read(ctx context.Context, key string, from int64, limit int) ([]Record, error)
	Seal(ctx context.Context, key string) error
	Sealed(ctx context.Context, key string) (bool, error)
}

// Purger 可以清理旧会话的后端实现该接口
type Purger interface {
	// Purge 删除最后写入早于 cutoff 的日志，返回删除的条目数
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Nop 未配置持久化存储时的降级日志
type Nop struct{}

func (Nop) Enabled() bool { return false }

func (Nop) Append(context.Context, stream.Event) error { return nil }

func (Nop) Tail(sessionID string, from int64) *Tail {
	return &Tail{sessionID: sessionID, next: from, done: true}
}

func (Nop) HasEvents(context.Context, string) (bool, error) { return false, nil }

func (Nop) Close(context.Context, string) error { return nil }
