// Package events publishes pipeline lifecycle events to message brokers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeSessionLoaded = "session.loaded"
	TypeTaskState     = "task.state"
	TypeFrameUploaded = "frame.uploaded"
	TypeFrameFailed   = "frame.failed"
	TypeTaskSummary   = "task.summary"
)

// Event is one pipeline notification. Zero fields are omitted on the wire.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Frame     *int      `json:"frame,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const publishTimeout = 5 * time.Second

// Async queues events for a background publisher so callers on the frame
// loop never wait on a broker. When the queue is full the event is dropped.
type Async struct {
	next   Publisher
	logger *slog.Logger
	queue  chan Event

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped uint64
}

func NewAsync(next Publisher, size int, logger *slog.Logger) *Async {
	a := &Async{
		next:   next,
		logger: logger,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.next.Publish(ctx, e); err != nil {
			a.logger.Warn("event publish failed", "type", e.Type, "session_id", e.SessionID, "error", err)
		}
		cancel()
	}
}

// Publish enqueues e without blocking.
func (a *Async) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case a.queue <- e:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("event queue full, dropping event", "type", e.Type)
	}
	return nil
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Async) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close drains the queue and closes the underlying publisher. Publish must
// not be called after Close.
func (a *Async) Close() error {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
	return a.next.Close()
}
