package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrEvicted 被清理任务移除的句柄的取消原因
	ErrEvicted = errors.New("session evicted from cancellation registry")
	// ErrReplaced 同一会话 ID 重新注册时旧句柄的取消原因
	ErrReplaced = errors.New("session handle replaced")
	// ErrReleased 会话结束释放句柄时使用的取消原因
	ErrReleased = errors.New("session released")
)

// Handle 用于终止一次进行中的生成。Abort 幂等且可在任意 goroutine 调用，
// 清理与正常完成并发时不会出问题
type Handle struct {
	sessionID string
	createdAt time.Time
	cancel    context.CancelCauseFunc

	once    sync.Once
	aborted atomic.Bool
}

// NewHandle 为 sessionID 包装 cancel
func NewHandle(sessionID string, createdAt time.Time, cancel context.CancelCauseFunc) *Handle {
	return &Handle{sessionID: sessionID, createdAt: createdAt, cancel: cancel}
}

func (h *Handle) SessionID() string { return h.sessionID }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Abort 以 cause 取消底层操作，返回本次调用是否真正执行了取消；
// 之后的调用不做任何事
func (h *Handle) Abort(cause error) bool {
	fired := false
	h.once.Do(func() {
		fired = true
		h.aborted.Store(true)
		if h.cancel != nil {
			h.cancel(cause)
		}
	})
	return fired
}

// Aborted reports whether Abort has run.
func (h *Handle) Aborted() bool {
	return h.aborted.Load()
}
