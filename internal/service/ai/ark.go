package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkModel 将 ark.ChatModel 适配为 ToolCallingChatModel。
// ark 的 BindTools 会修改实例本身，因此 WithTools 每次基于保存的配置新建实例，
// 并发的轮次互不影响。
type ArkModel struct {
	cfg *ark.ChatModelConfig
	cm  *ark.ChatModel
}

var _ model.ToolCallingChatModel = (*ArkModel)(nil)

// NewArkModel 创建未绑定工具的 ark 模型。
func NewArkModel(ctx context.Context, cfg *ark.ChatModelConfig) (*ArkModel, error) {
	cm, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ark chat model: %w", err)
	}
	return &ArkModel{cfg: cfg, cm: cm}, nil
}

func (m *ArkModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return m.cm.Generate(ctx, input, opts...)
}

func (m *ArkModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return m.cm.Stream(ctx, input, opts...)
}

// WithTools 返回绑定了 tools 的新实例，原实例保持不变。
func (m *ArkModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	cm, err := ark.NewChatModel(context.Background(), m.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ark chat model: %w", err)
	}
	if err := cm.BindTools(tools); err != nil {
		return nil, fmt.Errorf("bind ark tools: %w", err)
	}
	return &ArkModel{cfg: m.cfg, cm: cm}, nil
}
