package ai

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

func TestNewChatModelArkBindsToolsPerInstance(t *testing.T) {
	m, err := NewChatModel(context.Background(), config.AIConfig{
		Provider: config.ProviderArk,
		APIKey:   "test-key",
		Model:    "test-endpoint",
		BaseURL:  "https://ark.example.invalid/api/v3",
		Region:   "cn-beijing",
	})
	require.NoError(t, err)

	base, ok := m.(*ArkModel)
	require.True(t, ok, "ark provider returns %T", m)

	bound, err := m.WithTools([]*schema.ToolInfo{{
		Name: "current_time",
		Desc: "Returns the current time.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"timezone": {Type: schema.String, Desc: "IANA timezone"},
		}),
	}})
	require.NoError(t, err)

	boundArk, ok := bound.(*ArkModel)
	require.True(t, ok)
	assert.NotSame(t, base.cm, boundArk.cm)
	assert.Same(t, base.cfg, boundArk.cfg)
}

func TestNewChatModelOpenAI(t *testing.T) {
	m, err := NewChatModel(context.Background(), config.AIConfig{
		Provider:    config.ProviderOpenAI,
		OpenAIKey:   "sk-test",
		OpenAIModel: "gpt-4o-mini",
	})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIModel{}, m)
}

func TestNewChatModelRequiresCredentials(t *testing.T) {
	_, err := NewChatModel(context.Background(), config.AIConfig{Provider: config.ProviderArk})
	assert.Error(t, err)
}
