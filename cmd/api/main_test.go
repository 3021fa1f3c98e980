package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
)

func TestPrintLogWritesNDJSON(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewDurable(eventlog.NewMemoryBackend(), eventlog.Options{})
	for i, d := range []string{"a", "b"} {
		e, err := stream.New(stream.TypeTextDelta, stream.TextDelta{Delta: d})
		require.NoError(t, err)
		e.SessionID, e.Sequence = "s1", int64(i)
		require.NoError(t, l.Append(ctx, e))
	}
	require.NoError(t, l.Close(ctx, "s1"))

	var out bytes.Buffer
	require.NoError(t, printLog(ctx, &out, l, "s1", 1))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	e, err := stream.Parse([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Sequence)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"token", "--user", "alice"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestTokenCommandMintsToken(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "dev-secret")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"token", "--user", "alice"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out.String()), "."))
}

// fakeTurns 模拟协调器：Shutdown 时释放所有挂起的流
type fakeTurns struct {
	release chan struct{}
	calls   atomic.Int32
}

func (f *fakeTurns) Shutdown(context.Context) error {
	if f.calls.Add(1) == 1 {
		close(f.release)
	}
	return nil
}

func TestServerShutdownAbortsOpenStreams(t *testing.T) {
	turns := &fakeTurns{release: make(chan struct{})}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// 流式响应只在回合结束时返回，与客户端是否断开无关
		<-turns.release
	})}
	abortTurnsOnShutdown(srv, turns)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- runServer(ctx, srv, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server shutdown waited on an open stream")
	}
	assert.Less(t, time.Since(start), shutdownTimeout)
	assert.Equal(t, int32(1), turns.calls.Load())
}
