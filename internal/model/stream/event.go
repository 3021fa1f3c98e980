package stream

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

// Type 事件在线路上的类型标识
type Type string

const (
	TypeTextDelta  Type = "text-delta"
	TypeToolCall   Type = "tool-call"
	TypeToolResult Type = "tool-result"
	TypeRestore    Type = "data-restore"
	TypeError      Type = "error"
	TypeDone       Type = "done"
)

// Kind 将事件类型分为内容事件和控制事件
type Kind string

const (
	KindTextDelta  Kind = "text-delta"
	KindToolCall   Kind = "tool-call"
	KindToolResult Kind = "tool-result"
	KindControl    Kind = "control"
)

// Kind reports which family the type belongs to.
func (t Type) Kind() Kind {
	switch t {
	case TypeTextDelta:
		return KindTextDelta
	case TypeToolCall:
		return KindToolCall
	case TypeToolResult:
		return KindToolResult
	default:
		return KindControl
	}
}

// Terminal 该事件是否结束会话的流
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeError || t == TypeRestore
}

// Event 会话输出的一个增量单元。序号从 0 开始，
// 同一会话内连续无空洞
type Event struct {
	SessionID string          `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TextDelta 一段助手文本
type TextDelta struct {
	Delta string `json:"delta"`
}

// ToolCall 模型请求的一次工具调用
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolResult 工具调用的结果
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
}

// Restore 用已持久化的消息替换实时流
type Restore struct {
	Message chat.Message `json:"message"`
}

// Error 以失败结束流
type Error struct {
	Message string `json:"message"`
}

// 结束原因
const (
	ReasonCompleted  = "completed"
	ReasonStepBudget = "step-budget"
	ReasonCanceled   = "canceled"
	ReasonTimeout    = "timeout"
)

// Done 正常结束流
type Done struct {
	Reason    string `json:"reason"`
	MessageID string `json:"messageId,omitempty"`
}

// New 构造一个尚未分配序号的事件
func New(t Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, out)
}

// Encode 将事件编码为单行 JSON（不含末尾换行）
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Parse is the inverse of Encode.
func Parse(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
