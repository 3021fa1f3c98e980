package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// NewChatModel 按配置创建支持工具调用的模型实例。
func NewChatModel(ctx context.Context, cfg config.AIConfig) (model.ToolCallingChatModel, error) {
	if !cfg.Enabled() {
		if cfg.Provider == config.ProviderOpenAI {
			return nil, fmt.Errorf("OpenAI credentials missing, set OPENAI_API_KEY and OPENAI_MODEL")
		}
		return nil, fmt.Errorf("Ark credentials or model missing, provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if cfg.Temperature != nil {
		val := float32(*cfg.Temperature)
		temperature = &val
	}

	var topP *float32
	if cfg.TopP != nil {
		val := float32(*cfg.TopP)
		topP = &val
	}

	if cfg.Provider == config.ProviderOpenAI {
		return NewOpenAIModel(OpenAIConfig{
			APIKey:      cfg.OpenAIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			Temperature: temperature,
			TopP:        topP,
			MaxTokens:   cfg.MaxTokens,
		}), nil
	}

	return NewArkModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}
