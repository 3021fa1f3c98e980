package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

func TestWriteSSEEventFraming(t *testing.T) {
	e, err := stream.New(stream.TypeTextDelta, stream.TextDelta{Delta: "hi"})
	require.NoError(t, err)
	e.SessionID, e.Sequence = "s1", 7

	rec := httptest.NewRecorder()
	require.NoError(t, WriteSSEEvent(rec, rec, e))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 7\nevent: text-delta\ndata: {")
	assert.Contains(t, body, `"delta":"hi"`)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "\n\n", body[len(body)-2:])
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "chat not found")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"chat not found"}`, rec.Body.String())
}
