package session

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// collector 把回合中已发出的内容累积成消息片段，
// 保证存储的助手消息与消费者收到的完全一致
type collector struct {
	mu    sync.Mutex
	parts []chat.Part
}

func (c *collector) Emit(_ context.Context, e stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case stream.TypeTextDelta:
		var p stream.TextDelta
		if e.Decode(&p) != nil || p.Delta == "" {
			return
		}
		if n := len(c.parts); n > 0 && c.parts[n-1].Type == chat.PartText {
			c.parts[n-1].Text += p.Delta
			return
		}
		c.parts = append(c.parts, chat.TextPart(p.Delta))
	case stream.TypeToolCall:
		var p stream.ToolCall
		if e.Decode(&p) != nil {
			return
		}
		c.parts = append(c.parts, chat.Part{Type: chat.PartToolCall, ToolCallID: p.ToolCallID, ToolName: p.ToolName, Args: p.Args})
	case stream.TypeToolResult:
		var p stream.ToolResult
		if e.Decode(&p) != nil {
			return
		}
		c.parts = append(c.parts, chat.Part{Type: chat.PartToolResult, ToolCallID: p.ToolCallID, ToolName: p.ToolName, Result: p.Result, IsError: p.IsError})
	}
}

// message 构造助手消息，没有任何输出时 ok 为 false
func (c *collector) message(id, chatID string, at time.Time) (chat.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.parts) == 0 {
		return chat.Message{}, false
	}
	return chat.Message{
		ID:        id,
		ChatID:    chatID,
		Role:      chat.RoleAssistant,
		Parts:     append([]chat.Part(nil), c.parts...),
		CreatedAt: at,
	}, true
}
