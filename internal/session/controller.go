package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/restolytics/restolytics-agent/internal/backend"
	"github.com/restolytics/restolytics-agent/internal/capture"
	"github.com/restolytics/restolytics-agent/internal/events"
	"github.com/restolytics/restolytics-agent/internal/logging"
	"github.com/restolytics/restolytics-agent/internal/task"
)

// DefaultFrameRate is used when neither configuration nor the probe gives a
// frame rate.
const DefaultFrameRate = 25.0

// Opener opens a video for capture.
type Opener func(ctx context.Context, path string) (Source, error)

// Settings are the pipeline parameters applied to each loaded video.
type Settings struct {
	SampleInterval int
	// FrameRate overrides the probed rate when positive.
	FrameRate   float64
	JPEGQuality int
}

// LoadOptions override Settings for a single video.
type LoadOptions struct {
	SampleInterval int
}

// Cursor is the overlay data for a playback position.
type Cursor struct {
	Seconds float64        `json:"seconds"`
	Frame   int            `json:"frame"`
	Record  *FrameRecord   `json:"record,omitempty"`
	Faces   []backend.Face `json:"faces,omitempty"`
}

// Controller owns the loaded session and routes playback events to it. It is
// safe for concurrent use.
type Controller struct {
	base     context.Context
	open     Opener
	settings Settings
	deps     Deps
	tasks    *task.Manager
	logger   *slog.Logger

	// mu serializes source changes and playback events.
	mu     sync.Mutex
	active atomic.Pointer[Session]
}

// NewController creates a controller. Upload runs live until base is
// cancelled.
func NewController(base context.Context, open Opener, settings Settings, deps Deps) *Controller {
	deps = deps.withDefaults()
	if settings.SampleInterval < 1 {
		settings.SampleInterval = 1
	}

	c := &Controller{
		base:     base,
		open:     open,
		settings: settings,
		deps:     deps,
		tasks:    task.NewManager(deps.Backend, logging.WithComponent(deps.Logger, "task")),
		logger:   logging.WithComponent(deps.Logger, "session"),
	}
	c.tasks.OnChange(c.taskChanged)
	return c
}

// taskChanged runs under the task manager lock.
func (c *Controller) taskChanged(t task.Task) {
	s := c.active.Load()
	if s == nil {
		return
	}
	c.deps.Recorder.TaskChanged(s.ID(), t)
	s.publish(events.Event{
		Type:     events.TypeTaskState,
		TaskID:   t.ID,
		State:    t.State.String(),
		Progress: s.Progress(),
		Error:    t.Err,
	})
}

// Load replaces the current video. Any run in progress is cancelled and its
// task abandoned; nothing more is uploaded under it. The returned snapshot is
// non-nil whenever the source opened, even if task init failed.
func (c *Controller) Load(ctx context.Context, path string, opts LoadOptions) (*Snapshot, error) {
	interval := opts.SampleInterval
	if interval < 1 {
		interval = c.settings.SampleInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.active.Load(); prev != nil {
		if done := prev.halt(reasonReset); done != nil {
			<-done
		}
		c.active.Store(nil)
		c.tasks.Discard()
		c.deps.Recorder.SessionDiscarded(prev.ID())
		c.logger.Info("session discarded", "session_id", prev.ID())
	}

	src, err := c.open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", logging.SanitizePath(path), err)
	}

	meta := src.Metadata()
	fps := c.settings.FrameRate
	if fps <= 0 {
		fps = meta.FrameRate
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}

	info := Info{
		ID:             uuid.NewString(),
		VideoPath:      path,
		TotalFrames:    meta.TotalFrames(fps),
		SampleInterval: interval,
		FrameRate:      fps,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	s := newSession(info, src, c.settings.JPEGQuality, c.tasks, c.deps)
	c.deps.Recorder.SessionStarted(info)

	c.active.Store(s)
	c.tasks.Prepare(info.TotalFrames)
	s.gen.Store(c.tasks.Generation())

	s.publish(events.Event{Type: events.TypeSessionLoaded, State: task.Ready.String()})
	s.logger.Info("video loaded",
		"path", logging.SanitizePath(path),
		"total_frames", info.TotalFrames,
		"sampled_frames", s.sampled,
		"frame_rate", fps,
	)

	if w, h := src.Dimensions(); w <= 0 || h <= 0 {
		snap := s.Snapshot()
		return &snap, capture.ErrNotReady
	}

	if _, err := c.tasks.Init(ctx); err != nil {
		snap := s.Snapshot()
		return &snap, err
	}
	snap := s.Snapshot()
	return &snap, nil
}

// Play starts or resumes the upload run. Frames already processed are
// skipped; errored frames are retried.
func (c *Controller) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.active.Load()
	if s == nil {
		return ErrNoSession
	}
	return s.play(c.base)
}

// Pause has no effect on a run in progress: uploads continue while the
// player is paused.
func (c *Controller) Pause() error {
	if c.active.Load() == nil {
		return ErrNoSession
	}
	c.logger.Debug("pause ignored by upload run")
	return nil
}

// Suspend stops the run before its next frame and keeps the task open for a
// later Play. It returns once the run has stopped.
func (c *Controller) Suspend(ctx context.Context) error {
	return c.haltAndWait(ctx, reasonSuspended, true)
}

// Ended finalizes the task after the frame in flight, even if sampled frames
// remain. Without a run in progress it does nothing.
func (c *Controller) Ended(ctx context.Context) error {
	return c.haltAndWait(ctx, reasonEnded, false)
}

// Stop cancels the run. The task moves to Error once the frame in flight
// has finished.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.active.Load()
	if s == nil {
		return ErrNoSession
	}
	s.halt(reasonCancelled)
	return nil
}

func (c *Controller) haltAndWait(ctx context.Context, r stopReason, needRun bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.active.Load()
	if s == nil {
		return ErrNoSession
	}
	done := s.halt(r)
	if done == nil {
		if needRun {
			return ErrNotRunning
		}
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current run, if any, has exited.
func (c *Controller) Wait(ctx context.Context) error {
	s := c.active.Load()
	if s == nil {
		return nil
	}
	return s.wait(ctx)
}

// Current returns the loaded session.
func (c *Controller) Current() (*Session, error) {
	s := c.active.Load()
	if s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

func (c *Controller) Snapshot() (*Snapshot, error) {
	s, err := c.Current()
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	return &snap, nil
}

// Records returns a copy of the current session's frame records.
func (c *Controller) Records() (map[int]FrameRecord, error) {
	s, err := c.Current()
	if err != nil {
		return nil, err
	}
	return s.Records(), nil
}

// FrameFaces returns the overlay data at a playback position. Detections are
// fetched only for frames that were uploaded successfully.
func (c *Controller) FrameFaces(ctx context.Context, seconds float64) (*Cursor, error) {
	s, err := c.Current()
	if err != nil {
		return nil, err
	}

	frame := CursorFrame(seconds, s.info.FrameRate)
	cur := &Cursor{Seconds: seconds, Frame: frame}

	rec, ok := s.Record(frame)
	if !ok {
		return cur, nil
	}
	cur.Record = &rec
	if !rec.Processed {
		return cur, nil
	}

	faces, err := c.deps.Backend.FrameData(ctx, frame)
	if err != nil {
		return cur, err
	}
	cur.Faces = faces
	return cur, nil
}

// Stats queries aggregated statistics for the current task up to maxFrame.
// A non-positive maxFrame means the whole video.
func (c *Controller) Stats(ctx context.Context, maxFrame int, personType string) (*backend.FrameStats, error) {
	s, err := c.Current()
	if err != nil {
		return nil, err
	}
	if maxFrame <= 0 {
		maxFrame = s.info.TotalFrames
	}
	snap := s.Snapshot()
	return c.deps.Backend.FrameStats(ctx, backend.StatsQuery{
		MaxFrameID: maxFrame,
		TaskID:     snap.TaskID,
		PersonType: personType,
	})
}

// Shutdown cancels nothing itself; it waits for the run to observe the
// cancelled base context and record its outcome.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.Wait(ctx)
}
