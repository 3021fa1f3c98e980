package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

// Factory 为回合构建一个本地工具
type Factory func(scope Scope) (tool.InvokableTool, error)

// LocalBackend 进程内工具
type LocalBackend struct {
	factories []Factory
}

// NewLocalBackend 按优先级顺序注册工厂
func NewLocalBackend(factories ...Factory) *LocalBackend {
	return &LocalBackend{factories: factories}
}

func (b *LocalBackend) Name() string { return "local" }

// Open 构建 scope 选中的本地工具
func (b *LocalBackend) Open(ctx context.Context, scope Scope) (*Binding, error) {
	binding := &Binding{Backend: b.Name()}
	for _, factory := range b.factories {
		t, err := factory(scope)
		if err != nil {
			return nil, err
		}
		info, err := t.Info(ctx)
		if err != nil {
			return nil, err
		}
		if scope.selects(info.Name) {
			binding.Tools = append(binding.Tools, t)
		}
	}
	return binding, nil
}

type currentTimeInput struct {
	Timezone string `json:"timezone,omitempty"`
}

type currentTimeOutput struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Unix     int64  `json:"unix"`
}

// CurrentTime 返回当前时间，可指定 IANA 时区
func CurrentTime(now func() time.Time) Factory {
	if now == nil {
		now = time.Now
	}
	info := &schema.ToolInfo{
		Name: "current_time",
		Desc: "Returns the current date and time.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"timezone": {
				Type: schema.String,
				Desc: "IANA time zone such as Europe/Berlin. Defaults to UTC.",
			},
		}),
	}
	return func(Scope) (tool.InvokableTool, error) {
		return utils.NewTool(info, func(_ context.Context, in currentTimeInput) (currentTimeOutput, error) {
			zone := in.Timezone
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return currentTimeOutput{}, fmt.Errorf("unknown timezone %q", zone)
			}
			t := now().In(loc)
			return currentTimeOutput{Time: t.Format(time.RFC3339), Timezone: zone, Unix: t.Unix()}, nil
		}), nil
	}
}

// HistoryReader 历史工具所需的 chat.Store 子集
type HistoryReader interface {
	ListMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error)
}

type chatHistoryInput struct {
	Limit int `json:"limit,omitempty"`
}

// ChatHistory 让模型查看当前聊天中超出提示词窗口的更早消息
func ChatHistory(reader HistoryReader) Factory {
	info := &schema.ToolInfo{
		Name: "chat_history",
		Desc: "Returns earlier messages of this conversation as plain text, oldest first.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"limit": {
				Type: schema.Integer,
				Desc: "Maximum number of messages to return (1-50, default 20).",
			},
		}),
	}
	return func(scope Scope) (tool.InvokableTool, error) {
		return utils.NewTool(info, func(ctx context.Context, in chatHistoryInput) (string, error) {
			limit := in.Limit
			if limit <= 0 || limit > 50 {
				limit = 20
			}
			messages, err := reader.ListMessages(ctx, scope.ChatID, limit)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, m := range messages {
				text := m.Text()
				if text == "" {
					continue
				}
				fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
			}
			if b.Len() == 0 {
				return "no earlier messages", nil
			}
			return b.String(), nil
		}), nil
	}
}
