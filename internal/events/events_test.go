package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (r *recordingPublisher) Publish(ctx context.Context, e Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingPublisher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvent_JSON(t *testing.T) {
	frame := 25
	e := Event{Type: TypeFrameFailed, SessionID: "s1", TaskID: "task_1", Frame: &frame, Error: "HTTP 500"}

	data, err := e.JSON()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "frame.failed", m["type"])
	assert.Equal(t, float64(25), m["frame"])
	assert.NotContains(t, m, "state")
}

func TestMulti_JoinsErrors(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("broker down")}

	err := Multi{a, b}.Publish(context.Background(), Event{Type: TypeTaskState})

	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, a.Events(), 1, "a failing publisher does not stop the others")
	require.NoError(t, Multi{a, b}.Close())
	assert.True(t, a.closed)
}

func TestAsync_DeliversInOrder(t *testing.T) {
	rec := &recordingPublisher{}
	a := NewAsync(rec, 16, discard())

	for i := 0; i < 5; i++ {
		frame := i
		require.NoError(t, a.Publish(context.Background(), Event{Type: TypeFrameUploaded, Frame: &frame}))
	}
	require.NoError(t, a.Close())

	got := rec.Events()
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, i, *e.Frame)
		assert.False(t, e.Time.IsZero())
	}
	assert.True(t, rec.closed)
}

func TestAsync_DropsWhenFull(t *testing.T) {
	rec := &recordingPublisher{block: make(chan struct{})}
	a := NewAsync(rec, 1, discard())

	// The first event is taken by the worker and blocks there; the second
	// fills the queue.
	require.NoError(t, a.Publish(context.Background(), Event{Type: TypeTaskState}))
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Publish(context.Background(), Event{Type: TypeTaskState}))
	require.NoError(t, a.Publish(context.Background(), Event{Type: TypeTaskState}))

	assert.Equal(t, uint64(1), a.Dropped())

	close(rec.block)
	require.NoError(t, a.Close())
	assert.Len(t, rec.Events(), 2)
}
