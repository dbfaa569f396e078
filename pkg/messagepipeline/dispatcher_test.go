package messagepipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(queueSize int, wait time.Duration) *messagepipeline.Dispatcher {
	return messagepipeline.NewDispatcher(messagepipeline.DispatcherConfig{
		QueueSize:   queueSize,
		HandoffWait: wait,
	}, zerolog.Nop())
}

func TestDispatcher_RejectsBeforeOpen(t *testing.T) {
	d := newTestDispatcher(1, 0)

	err := d.Dispatch(context.Background(), messagepipeline.Message{})
	assert.ErrorIs(t, err, messagepipeline.ErrDispatcherNotRunning)
}

func TestDispatcher_DispatchAndClose(t *testing.T) {
	d := newTestDispatcher(2, 0)
	d.Open()

	msg := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "1", Payload: []byte("a")}}
	require.NoError(t, d.Dispatch(context.Background(), msg))
	assert.Equal(t, 1, d.Len())

	d.Close()
	d.Close() // idempotent

	err := d.Dispatch(context.Background(), msg)
	assert.ErrorIs(t, err, messagepipeline.ErrDispatcherClosed)

	// Queued messages remain readable after Close.
	received, ok := <-d.Messages()
	require.True(t, ok)
	assert.Equal(t, "1", received.ID)
	_, ok = <-d.Messages()
	assert.False(t, ok, "queue should be closed once drained")
}

func TestDispatcher_FullQueueTimesOut(t *testing.T) {
	d := newTestDispatcher(1, 20*time.Millisecond)
	d.Open()
	t.Cleanup(d.Close)

	require.NoError(t, d.Dispatch(context.Background(), messagepipeline.Message{}))

	start := time.Now()
	err := d.Dispatch(context.Background(), messagepipeline.Message{})
	assert.ErrorIs(t, err, messagepipeline.ErrHandoffTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDispatcher_FullQueueAcceptsOnceDrained(t *testing.T) {
	d := newTestDispatcher(1, time.Second)
	d.Open()
	t.Cleanup(d.Close)

	require.NoError(t, d.Dispatch(context.Background(), messagepipeline.Message{}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-d.Messages()
	}()

	err := d.Dispatch(context.Background(), messagepipeline.Message{})
	assert.NoError(t, err)
}

func TestDispatcher_CloseWhileDispatching(t *testing.T) {
	d := newTestDispatcher(1, 50*time.Millisecond)
	d.Open()
	require.NoError(t, d.Dispatch(context.Background(), messagepipeline.Message{}))

	// Concurrent dispatchers blocked on a full queue must not panic when Close runs.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispatch(context.Background(), messagepipeline.Message{})
		}()
	}
	d.Close()
	wg.Wait()

	err := d.Dispatch(context.Background(), messagepipeline.Message{})
	assert.ErrorIs(t, err, messagepipeline.ErrDispatcherClosed)
}
