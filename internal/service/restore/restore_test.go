package restore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedChat(t *testing.T) *chat.MemoryStore {
	t.Helper()
	store := chat.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateChat(ctx, chat.Chat{ID: "c1", OwnerID: "alice", CreatedAt: base}))
	require.NoError(t, store.CreateStreamSession(ctx, chat.StreamSession{ID: "s1", ChatID: "c1", CreatedAt: base}))
	return store
}

func collect(t *testing.T, src Source) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []stream.Event
	for {
		e, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestResumeWithoutSession(t *testing.T) {
	store := chat.NewMemoryStore()
	s := NewStrategy(store, nil, 0)
	_, err := s.Resume(context.Background(), "c1", 0)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestResumeReplaysLogFromOffset(t *testing.T) {
	store := seedChat(t)
	l := eventlog.NewDurable(eventlog.NewMemoryBackend(), eventlog.Options{})
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		e, err := stream.New(stream.TypeTextDelta, stream.TextDelta{Delta: "x"})
		require.NoError(t, err)
		e.SessionID, e.Sequence = "s1", i
		require.NoError(t, l.Append(ctx, e))
	}
	require.NoError(t, l.Close(ctx, "s1"))

	src, err := NewStrategy(store, l, 0).Resume(ctx, "c1", 1)
	require.NoError(t, err)
	events := collect(t, src)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestResumeFallsBackToRecentMessage(t *testing.T) {
	store := seedChat(t)
	msg := chat.Message{ID: "m1", ChatID: "c1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("hi")}, CreatedAt: base}
	require.NoError(t, store.AppendMessage(context.Background(), msg))

	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"fresh", 5 * time.Second, true},
		{"stale", 30 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := base.Add(tc.age)
			s := NewStrategy(store, eventlog.Nop{}, 15*time.Second, WithClock(func() time.Time { return now }))
			src, err := s.Resume(context.Background(), "c1", 0)
			if !tc.want {
				assert.ErrorIs(t, err, ErrNothingToResume)
				return
			}
			require.NoError(t, err)
			events := collect(t, src)
			require.Len(t, events, 1)
			assert.Equal(t, stream.TypeRestore, events[0].Type)
			assert.Equal(t, "s1", events[0].SessionID)

			var payload stream.Restore
			require.NoError(t, events[0].Decode(&payload))
			assert.Equal(t, "hi", payload.Message.Text())
		})
	}
}

func TestResumeIgnoresUserMessage(t *testing.T) {
	store := seedChat(t)
	msg := chat.Message{ID: "m1", ChatID: "c1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("q")}, CreatedAt: base}
	require.NoError(t, store.AppendMessage(context.Background(), msg))

	s := NewStrategy(store, nil, 0, WithClock(func() time.Time { return base }))
	_, err := s.Resume(context.Background(), "c1", 0)
	assert.ErrorIs(t, err, ErrNothingToResume)
}
