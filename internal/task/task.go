// Package task owns the identity and coarse lifecycle state of the remote
// processing task for one loaded video.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/restolytics/restolytics-agent/internal/backend"
)

// State is the lifecycle state of a processing task.
type State int

const (
	Idle State = iota
	Ready
	Initialized
	Processing
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Initialized:
		return "initialized"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further frames can be uploaded in s.
func (s State) Terminal() bool {
	return s == Completed || s == Error
}

var (
	ErrInitFailure       = errors.New("task init failed")
	ErrFinalizeFailure   = errors.New("task finalize failed")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrAlreadyFinalized  = errors.New("task already finalized")

	// ErrStale is returned when the task was reset while a backend call was
	// in flight; the call's result is discarded.
	ErrStale = errors.New("task reset during call")
)

// Task is a snapshot of the current task.
type Task struct {
	ID          string               `json:"task_id,omitempty"`
	TotalFrames int                  `json:"total_frames"`
	State       State                `json:"-"`
	Err         string               `json:"error,omitempty"`
	Summary     *backend.TaskSummary `json:"summary,omitempty"`

	// Generation is set on snapshots; see Manager.Generation.
	Generation uint64 `json:"-"`
}

// Manager drives init/complete calls and guards every state transition.
type Manager struct {
	client backend.Client
	logger *slog.Logger

	mu         sync.Mutex
	task       Task
	generation uint64
	finalizing bool
	onChange   func(Task)
}

func NewManager(client backend.Client, logger *slog.Logger) *Manager {
	return &Manager{client: client, logger: logger}
}

// OnChange registers fn to receive every state change, in order. fn runs
// under the manager's lock and must not call back into the Manager.
func (m *Manager) OnChange(fn func(Task)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Prepare discards any previous task and moves to Ready for a source with
// totalFrames frames. Valid from any state.
func (m *Manager) Prepare(totalFrames int) {
	m.mu.Lock()
	m.generation++
	m.finalizing = false
	m.task = Task{TotalFrames: totalFrames, State: Ready}
	m.changedLocked()
	m.mu.Unlock()
}

// Discard resets to Idle, invalidating in-flight calls.
func (m *Manager) Discard() {
	m.mu.Lock()
	m.generation++
	m.finalizing = false
	m.task = Task{State: Idle}
	m.changedLocked()
	m.mu.Unlock()
}

// Init creates the remote task. Ready to Initialized on success, to Error on
// failure. There is no retry.
func (m *Manager) Init(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.task.State != Ready {
		state := m.task.State
		m.mu.Unlock()
		return "", fmt.Errorf("%w: init from %s", ErrInvalidTransition, state)
	}
	gen := m.generation
	total := m.task.TotalFrames
	m.mu.Unlock()

	id, err := m.client.InitTask(ctx, total)

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return "", ErrStale
	}
	if err != nil {
		m.task.State = Error
		m.task.Err = err.Error()
		m.changedLocked()
		m.mu.Unlock()

		m.logger.Error("task init failed", "total_frames", total, "error", err)
		return "", fmt.Errorf("%w: %w", ErrInitFailure, err)
	}
	m.task.ID = id
	m.task.State = Initialized
	m.changedLocked()
	m.mu.Unlock()
	return id, nil
}

// Begin moves Initialized to Processing. It fails when a run is already in
// progress, which is the re-entrancy guard for repeated play events.
func (m *Manager) Begin() (string, error) {
	return m.transition(Initialized, Processing)
}

// Suspend moves Processing to Initialized so a later Begin resumes the run.
func (m *Manager) Suspend() error {
	_, err := m.transition(Processing, Initialized)
	return err
}

func (m *Manager) transition(from, to State) (string, error) {
	m.mu.Lock()
	if m.task.State != from {
		state := m.task.State
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, state)
	}
	m.task.State = to
	id := m.task.ID
	m.changedLocked()
	m.mu.Unlock()
	return id, nil
}

// Fail moves a live task to Error without calling the backend. Terminal or
// unloaded tasks are left alone.
func (m *Manager) Fail(reason error) {
	m.mu.Lock()
	switch m.task.State {
	case Ready, Initialized, Processing:
	default:
		m.mu.Unlock()
		return
	}
	m.task.State = Error
	m.task.Err = reason.Error()
	m.changedLocked()
	m.mu.Unlock()
}

// Complete finalizes the task: Processing to Completed on success, to Error on
// failure. Exactly one backend call is made per task; every later or
// concurrent caller gets ErrAlreadyFinalized.
func (m *Manager) Complete(ctx context.Context) (*backend.TaskSummary, error) {
	m.mu.Lock()
	if m.finalizing || m.task.State.Terminal() {
		m.mu.Unlock()
		return nil, ErrAlreadyFinalized
	}
	if m.task.State != Processing {
		state := m.task.State
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, state)
	}
	m.finalizing = true
	gen := m.generation
	id := m.task.ID
	m.mu.Unlock()

	summary, err := m.client.CompleteTask(ctx, id)

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return nil, ErrStale
	}
	if err != nil {
		m.task.State = Error
		m.task.Err = err.Error()
		m.changedLocked()
		m.mu.Unlock()

		m.logger.Error("task finalize failed", "task_id", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrFinalizeFailure, err)
	}
	m.task.State = Completed
	m.task.Summary = summary
	m.changedLocked()
	m.mu.Unlock()
	return summary, nil
}

// Active returns the task id while frames may be uploaded, that is in
// Initialized or Processing.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task.State != Initialized && m.task.State != Processing {
		return "", false
	}
	return m.task.ID, true
}

// Generation identifies the currently loaded task. It changes on every
// Prepare and Discard.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) Snapshot() Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.task
	t.Generation = m.generation
	return t
}

func (m *Manager) changedLocked() {
	if m.onChange != nil {
		t := m.task
		t.Generation = m.generation
		m.onChange(t)
	}
}
