package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/retry"
	"github.com/zhouzirui/z-relay/backend/internal/service/fanout"
)

func textEvent(t *testing.T, session string, seq int64, delta string) stream.Event {
	t.Helper()
	e, err := stream.New(stream.TypeTextDelta, stream.TextDelta{Delta: delta})
	require.NoError(t, err)
	e.SessionID = session
	e.Sequence = seq
	return e
}

func drain(t *testing.T, tail *Tail) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []stream.Event
	for {
		e, err := tail.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestTailReplaysSealedLogFromAnyOffset(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{PollInterval: 10 * time.Millisecond})
	for i := int64(0); i < 5; i++ {
		require.NoError(t, l.Append(ctx, textEvent(t, "s", i, "x")))
	}
	require.NoError(t, l.Close(ctx, "s"))

	all := drain(t, l.Tail("s", 0))
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, int64(i), e.Sequence)
	}

	again := drain(t, l.Tail("s", 0))
	assert.Equal(t, all, again, "replay is idempotent")

	fromThree := drain(t, l.Tail("s", 3))
	require.Len(t, fromThree, 2)
	assert.Equal(t, int64(3), fromThree[0].Sequence)
}

func TestTailFollowsLiveWriter(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{PollInterval: time.Second})

	var got []stream.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		got = drain(t, l.Tail("s", 0))
	}()

	for i := int64(0); i < 20; i++ {
		require.NoError(t, l.Append(ctx, textEvent(t, "s", i, "x")))
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, l.Close(ctx, "s"))
	<-done

	require.Len(t, got, 20)
	for i, e := range got {
		assert.Equal(t, int64(i), e.Sequence)
	}
}

func TestConcurrentReadersSeeFullLog(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{PollInterval: 5 * time.Millisecond})

	var wg sync.WaitGroup
	results := make([][]stream.Event, 4)
	for r := range results {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			results[r] = drain(t, l.Tail("s", 0))
		}(r)
	}
	for i := int64(0); i < 10; i++ {
		require.NoError(t, l.Append(ctx, textEvent(t, "s", i, "y")))
	}
	require.NoError(t, l.Close(ctx, "s"))
	wg.Wait()

	for _, res := range results {
		assert.Len(t, res, 10)
	}
}

func TestTailGivesUpOnIdleOrphan(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{PollInterval: 5 * time.Millisecond, IdleTimeout: 30 * time.Millisecond})
	require.NoError(t, l.Append(ctx, textEvent(t, "s", 0, "x")))

	got := drain(t, l.Tail("s", 0))
	assert.Len(t, got, 1)
}

func pendingWaiters(l *Durable) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// 只读了一条就被丢弃的 tail 不能在 waiters 里留下条目
func TestAbandonedTailsReleaseWakeups(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{PollInterval: 5 * time.Millisecond})

	for i := 0; i < 100; i++ {
		session := fmt.Sprintf("s-%d", i)
		require.NoError(t, l.Append(ctx, textEvent(t, session, 0, "x")))
		require.NoError(t, l.Append(ctx, textEvent(t, session, 1, "y")))
		require.NoError(t, l.Close(ctx, session))

		tail := l.Tail(session, 0)
		_, err := tail.Next(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, pendingWaiters(l))
}

// 一个读者取消等待后，同一会话的其他读者仍应被 Append 及时唤醒
func TestCanceledReaderKeepsOthersAwake(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{PollInterval: time.Hour, IdleTimeout: time.Hour})

	quitCtx, quit := context.WithCancel(ctx)
	quitDone := make(chan error, 1)
	go func() {
		_, err := l.Tail("s", 0).Next(quitCtx)
		quitDone <- err
	}()

	got := make(chan stream.Event, 1)
	go func() {
		e, err := l.Tail("s", 0).Next(ctx)
		if err == nil {
			got <- e
		}
	}()

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		w, ok := l.waiters["s"]
		return ok && w.refs == 2
	}, time.Second, time.Millisecond)

	quit()
	require.ErrorIs(t, <-quitDone, context.Canceled)

	require.NoError(t, l.Append(ctx, textEvent(t, "s", 0, "x")))
	select {
	case e := <-got:
		assert.Equal(t, int64(0), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("remaining reader was not woken by append")
	}
	require.NoError(t, l.Close(ctx, "s"))
}

func TestMemoryBackendRejectsGapsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Append(ctx, "s", 0, []byte("{}")))
	assert.ErrorIs(t, b.Append(ctx, "s", 0, []byte("{}")), ErrSequenceConflict)
	assert.ErrorIs(t, b.Append(ctx, "s", 2, []byte("{}")), ErrSequenceConflict)

	require.NoError(t, b.Seal(ctx, "s"))
	assert.ErrorIs(t, b.Append(ctx, "s", 1, []byte("{}")), ErrSealed)
}

func TestMemoryBackendPurge(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	base := time.Unix(1000, 0)
	b.now = func() time.Time { return base }
	require.NoError(t, b.Append(ctx, "old", 0, []byte("{}")))
	b.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, b.Append(ctx, "new", 0, []byte("{}")))

	n, err := b.Purge(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	records, err := b.Read(ctx, "old", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNopLog(t *testing.T) {
	var l Log = Nop{}
	assert.False(t, l.Enabled())
	require.NoError(t, l.Append(context.Background(), textEvent(t, "s", 0, "x")))
	has, err := l.HasEvents(context.Background(), "s")
	require.NoError(t, err)
	assert.False(t, has)
	_, err = l.Tail("s", 0).Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type flakyBackend struct {
	*MemoryBackend
	failFrom int64
	calls    atomic.Int32
}

func (f *flakyBackend) Append(ctx context.Context, key string, seq int64, payload []byte) error {
	f.calls.Add(1)
	if seq >= f.failFrom {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Append(ctx, key, seq, payload)
}

func TestWriterLeavesGaplessPrefixOnFailure(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failFrom: 3}
	l := NewDurable(backend, Options{PollInterval: 5 * time.Millisecond})
	q := fanout.NewQueue()
	for i := int64(0); i < 6; i++ {
		q.Emit(ctx, textEvent(t, "s", i, "z"))
	}
	q.Close()

	w := NewWriter(l, retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond}, nil)
	err := w.Run(ctx, "s", q)
	require.Error(t, err)

	got := drain(t, l.Tail("s", 0))
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i), e.Sequence)
	}
	assert.Equal(t, int32(3+2), backend.calls.Load(), "no appends after giving up")

	sealed, err := backend.Sealed(ctx, "s")
	require.NoError(t, err)
	assert.True(t, sealed)
}

func TestWriterCopiesEverythingAndSeals(t *testing.T) {
	ctx := context.Background()
	l := NewDurable(NewMemoryBackend(), Options{})
	q := fanout.NewQueue()
	for i := int64(0); i < 4; i++ {
		q.Emit(ctx, textEvent(t, "s", i, "z"))
	}
	q.Close()

	require.NoError(t, NewWriter(l, retry.Config{}, nil).Run(ctx, "s", q))
	got := drain(t, l.Tail("s", 0))
	assert.Len(t, got, 4)
}
