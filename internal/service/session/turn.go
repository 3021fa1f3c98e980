package session

import (
	"context"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/fanout"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
)

// Turn 已启动生成的实时端
type Turn struct {
	session            chat.StreamSession
	userMessage        chat.Message
	live               *fanout.Queue
	handle             *registry.Handle
	cancelOnDisconnect bool
	done               chan struct{}
}

// Session 返回回合对应的流会话
func (t *Turn) Session() chat.StreamSession { return t.session }

// UserMessage 返回触发本回合且已持久化的用户消息
func (t *Turn) UserMessage() chat.Message { return t.userMessage }

// Next 返回下一个实时事件，终止事件之后返回 io.EOF
func (t *Turn) Next(ctx context.Context) (stream.Event, error) {
	return t.live.Next(ctx)
}

// Detach 实时消费者离开时调用。除非配置了断开即取消，
// 生成会继续进行
func (t *Turn) Detach() {
	t.live.Detach()
	if t.cancelOnDisconnect {
		t.handle.Abort(ErrClientDisconnected)
	}
}

// Done 收尾完成后关闭
func (t *Turn) Done() <-chan struct{} { return t.done }
