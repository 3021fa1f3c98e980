package fanout

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

func TestSequencerStampsGaplessSequences(t *testing.T) {
	live := NewQueue()
	var mu sync.Mutex
	var seen []int64
	recorder := SinkFunc(func(_ context.Context, e stream.Event) {
		mu.Lock()
		seen = append(seen, e.Sequence)
		mu.Unlock()
	})
	seq := NewSequencer("sess", live, nil, recorder)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := seq.Publish(context.Background(), stream.TypeTextDelta, stream.TextDelta{Delta: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	live.Close()

	var fromQueue []int64
	for {
		e, err := live.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "sess", e.SessionID)
		fromQueue = append(fromQueue, e.Sequence)
	}

	require.Len(t, fromQueue, 50)
	for i, s := range fromQueue {
		assert.Equal(t, int64(i), s)
	}
	assert.Equal(t, fromQueue, seen)
	assert.Equal(t, int64(50), seq.Published())
}

func TestQueueNextWaitsForEmit(t *testing.T) {
	q := NewQueue()
	got := make(chan stream.Event, 1)
	go func() {
		e, err := q.Next(context.Background())
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Emit(context.Background(), stream.Event{Sequence: 7})

	select {
	case e := <-got:
		assert.Equal(t, int64(7), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestQueueDetachDropsOutput(t *testing.T) {
	q := NewQueue()
	q.Emit(context.Background(), stream.Event{Sequence: 0})
	q.Detach()
	q.Emit(context.Background(), stream.Event{Sequence: 1})

	assert.True(t, q.Detached())
	assert.Equal(t, 0, q.Len())
	_, err := q.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlowSinkDoesNotBlockQueue(t *testing.T) {
	block := make(chan struct{})
	writer := NewQueue()
	live := NewQueue()
	seq := NewSequencer("s", live, writer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := writer.Next(context.Background()); err != nil {
				return
			}
			<-block
		}
	}()

	for i := 0; i < 100; i++ {
		_, err := seq.Publish(context.Background(), stream.TypeTextDelta, stream.TextDelta{Delta: "a"})
		require.NoError(t, err)
	}
	assert.Equal(t, 100, live.Len())

	close(block)
	writer.Close()
	<-done
}
