package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "AI_PROVIDER", "STORE_DRIVER", "EVENTLOG_DRIVER", "STREAM_TURN_TIMEOUT", "TOOL_BACKENDS_FILE", "AUTH_JWT_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, ProviderArk, cfg.AI.Provider)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, DriverMemory, cfg.EventLog.Driver)
	assert.True(t, cfg.EventLog.Enabled())
	assert.Equal(t, 20, cfg.Stream.StepBudget)
	assert.Equal(t, 60*time.Second, cfg.Stream.TurnTimeout)
	assert.Equal(t, 15*time.Second, cfg.Stream.RestoreWindow)
	assert.False(t, cfg.Stream.CancelOnDisconnect)
	assert.Equal(t, 30*time.Minute, cfg.Registry.MaxAge)
	assert.Equal(t, 1000, cfg.Registry.Capacity)
	assert.False(t, cfg.Auth.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("AI_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("EVENTLOG_DRIVER", "none")
	t.Setenv("STREAM_TURN_TIMEOUT", "90")
	t.Setenv("STREAM_RESTORE_WINDOW", "5s")
	t.Setenv("STREAM_CANCEL_ON_DISCONNECT", "true")
	t.Setenv("REGISTRY_SWEEP_PROBABILITY", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.True(t, cfg.AI.Enabled())
	assert.False(t, cfg.EventLog.Enabled())
	assert.Equal(t, 90*time.Second, cfg.Stream.TurnTimeout)
	assert.Equal(t, 5*time.Second, cfg.Stream.RestoreWindow)
	assert.True(t, cfg.Stream.CancelOnDisconnect)
	assert.Equal(t, 0.5, cfg.Registry.SweepProbability)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("STORE_DRIVER", "")
	t.Setenv("STREAM_STEP_BUDGET", "0")
	_, err = Load()
	require.Error(t, err)
}

func TestParseToolBackends(t *testing.T) {
	t.Setenv("WX_TOKEN", "secret")
	raw := []byte(`
backends:
  - name: weather
    url: http://localhost:9001/mcp
    transport: streamable-http
    timeout: 5s
    headers:
      Authorization: Bearer ${WX_TOKEN}
  - name: search
    url: http://localhost:9002/sse
    transport: sse
`)
	backends, err := ParseToolBackends(raw)
	require.NoError(t, err)
	require.Len(t, backends, 2)
	assert.Equal(t, 5*time.Second, backends[0].Timeout)
	assert.Equal(t, "Bearer secret", backends[0].Headers["Authorization"])
	assert.Equal(t, "sse", backends[1].Transport)

	_, err = ParseToolBackends([]byte("backends:\n  - name: a\n    url: x\n  - name: a\n    url: y\n"))
	assert.Error(t, err)
}
