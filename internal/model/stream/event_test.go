package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeKind(t *testing.T) {
	assert.Equal(t, KindTextDelta, TypeTextDelta.Kind())
	assert.Equal(t, KindToolCall, TypeToolCall.Kind())
	assert.Equal(t, KindToolResult, TypeToolResult.Kind())
	for _, typ := range []Type{TypeRestore, TypeError, TypeDone} {
		assert.Equal(t, KindControl, typ.Kind(), typ)
		assert.True(t, typ.Terminal(), typ)
	}
	assert.False(t, TypeToolCall.Terminal())
}

func TestEncodeIsStableAcrossParse(t *testing.T) {
	ev, err := New(TypeToolCall, ToolCall{ToolCallID: "c1", ToolName: "lookup", Args: []byte(`{"q": "x"}`)})
	require.NoError(t, err)
	ev.SessionID = "s1"
	ev.Sequence = 4

	first, err := Encode(ev)
	require.NoError(t, err)
	parsed, err := Parse(first)
	require.NoError(t, err)
	second, err := Encode(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	var call ToolCall
	require.NoError(t, parsed.Decode(&call))
	assert.Equal(t, "lookup", call.ToolName)
	assert.JSONEq(t, `{"q":"x"}`, string(call.Args))
}
