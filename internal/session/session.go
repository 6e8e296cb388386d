// Package session runs the frame capture and upload pipeline for one loaded
// video at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restolytics/restolytics-agent/internal/archive"
	"github.com/restolytics/restolytics-agent/internal/backend"
	"github.com/restolytics/restolytics-agent/internal/capture"
	"github.com/restolytics/restolytics-agent/internal/events"
	"github.com/restolytics/restolytics-agent/internal/logging"
	"github.com/restolytics/restolytics-agent/internal/media"
	"github.com/restolytics/restolytics-agent/internal/metrics"
	"github.com/restolytics/restolytics-agent/internal/sampler"
	"github.com/restolytics/restolytics-agent/internal/task"
)

var (
	// ErrFrameUpload marks a frame whose upload failed. It is recorded on the
	// frame and never stops the run.
	ErrFrameUpload = errors.New("frame upload failed")

	ErrNoSession  = errors.New("no video loaded")
	ErrNotRunning = errors.New("no upload run in progress")
	ErrBusy       = errors.New("upload run already in progress")

	errCancelled = errors.New("processing cancelled")
	errShutdown  = errors.New("agent shutting down")
)

type stopReason int32

const (
	reasonNone stopReason = iota
	reasonEnded
	reasonCancelled
	reasonSuspended
	reasonReset
)

// Source is a capture source that knows its probed metadata.
type Source interface {
	capture.Source
	Metadata() media.Metadata
}

// Recorder persists session history. Implementations log their own errors;
// a failed write never affects the pipeline.
type Recorder interface {
	SessionStarted(info Info)
	TaskChanged(sessionID string, t task.Task)
	FrameRecorded(sessionID string, frame int, rec FrameRecord, progress int)
	SessionDiscarded(sessionID string)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Backend  backend.Client
	Archive  archive.Store // optional
	Events   events.Publisher
	Recorder Recorder
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Recorder == nil {
		d.Recorder = nopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return d
}

// Info describes a loaded video.
type Info struct {
	ID             string         `json:"id"`
	VideoPath      string         `json:"video_path"`
	TotalFrames    int            `json:"total_frames"`
	SampleInterval int            `json:"sample_interval"`
	FrameRate      float64        `json:"frame_rate"`
	Metadata       media.Metadata `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Snapshot is a point-in-time view of a session for status readers.
type Snapshot struct {
	Info
	TaskID          string               `json:"task_id,omitempty"`
	State           string               `json:"state"`
	SampledFrames   int                  `json:"sampled_frames"`
	RecordedFrames  int                  `json:"recorded_frames"`
	ProcessedFrames int                  `json:"processed_frames"`
	FailedFrames    int                  `json:"failed_frames"`
	Progress        int                  `json:"progress"`
	Running         bool                 `json:"running"`
	Error           string               `json:"error,omitempty"`
	Summary         *backend.TaskSummary `json:"summary,omitempty"`
	Stats           *backend.FrameStats  `json:"stats,omitempty"`
}

// Session owns the pipeline state of one loaded video: its frame records,
// progress, and at most one upload run.
type Session struct {
	info    Info
	sampled int
	gen     atomic.Uint64

	tasks    *task.Manager
	capturer *capture.Capturer
	deps     Deps
	logger   *slog.Logger

	// Records are written only by the run loop. The lock lets status readers
	// take consistent copies.
	mu       sync.RWMutex
	records  map[int]FrameRecord
	recorded int
	progress int
	stats    *backend.FrameStats

	processing atomic.Bool
	reason     atomic.Int32

	runMu  sync.Mutex
	done   chan struct{}
	cancel context.CancelFunc
}

func newSession(info Info, src Source, quality int, tasks *task.Manager, deps Deps) *Session {
	sampled := sampler.Count(info.TotalFrames, info.SampleInterval)
	return &Session{
		info:     info,
		sampled:  sampled,
		tasks:    tasks,
		capturer: capture.New(src, info.FrameRate, quality),
		deps:     deps,
		logger:   logging.WithSessionID(deps.Logger, info.ID),
		records:  make(map[int]FrameRecord),
		progress: percent(0, sampled),
	}
}

func (s *Session) ID() string { return s.info.ID }

func (s *Session) Info() Info { return s.info }

// play starts an upload run over the frames not yet processed.
func (s *Session) play(base context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.runningLocked() {
		return ErrBusy
	}
	if s.tasks.Generation() != s.gen.Load() {
		return ErrNoSession
	}

	taskID, err := s.tasks.Begin()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	s.reason.Store(int32(reasonNone))
	s.processing.Store(true)
	s.done = done
	s.cancel = cancel

	go s.run(ctx, cancel, taskID, done)
	return nil
}

// halt asks the current run to stop before its next frame and returns a
// channel closed when it has. A reset also cancels in-flight work and wins
// over any earlier reason.
func (s *Session) halt(r stopReason) <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.runningLocked() {
		return nil
	}
	if r == reasonReset {
		s.reason.Store(int32(r))
		s.cancel()
	} else {
		s.reason.CompareAndSwap(int32(reasonNone), int32(r))
	}
	s.processing.Store(false)
	return s.done
}

func (s *Session) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runningLocked()
}

// wait blocks until the current run, if any, has exited.
func (s *Session) wait(ctx context.Context) error {
	s.runMu.Lock()
	done := s.done
	s.runMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, taskID string, done chan struct{}) {
	defer close(done)
	defer cancel()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	log := logging.WithTaskID(s.logger, taskID)
	pending := sampler.Pending(s.info.TotalFrames, s.info.SampleInterval, s.isProcessed)
	log.Info("upload run started", "pending", len(pending), "sampled", s.sampled)

	exhausted := true
	for _, idx := range pending {
		if !s.processing.Load() || ctx.Err() != nil || !s.uploadAllowed(taskID) {
			exhausted = false
			break
		}
		s.processFrame(ctx, log, taskID, idx)
	}
	s.processing.Store(false)

	s.finish(ctx, log, taskID, exhausted)
}

// uploadAllowed reports whether taskID is still this session's live task.
func (s *Session) uploadAllowed(taskID string) bool {
	id, ok := s.tasks.Active()
	return ok && id == taskID && s.tasks.Generation() == s.gen.Load()
}

func (s *Session) finish(ctx context.Context, log *slog.Logger, taskID string, exhausted bool) {
	switch stopReason(s.reason.Load()) {
	case reasonReset:
		log.Info("upload run discarded")
	case reasonCancelled:
		log.Info("upload run cancelled")
		s.tasks.Fail(errCancelled)
		metrics.TasksFinishedTotal.WithLabelValues(task.Error.String()).Inc()
	case reasonSuspended:
		if err := s.tasks.Suspend(); err != nil {
			log.Warn("suspend failed", "error", err)
			return
		}
		log.Info("upload run suspended", "recorded", s.recordedFrames())
	case reasonEnded:
		s.finalize(ctx, log, taskID)
	default:
		if ctx.Err() != nil {
			s.tasks.Fail(errShutdown)
			return
		}
		if exhausted {
			s.finalize(ctx, log, taskID)
		}
	}
}

func (s *Session) finalize(ctx context.Context, log *slog.Logger, taskID string) {
	summary, err := s.tasks.Complete(ctx)
	switch {
	case errors.Is(err, task.ErrAlreadyFinalized), errors.Is(err, task.ErrStale):
		return
	case err != nil:
		metrics.TasksFinishedTotal.WithLabelValues(task.Error.String()).Inc()
		return
	}
	metrics.TasksFinishedTotal.WithLabelValues(task.Completed.String()).Inc()
	log.Info("task finalized",
		"processed_frames", summary.ProcessedFrames,
		"faces_detected", summary.FacesDetected,
	)

	s.publish(events.Event{Type: events.TypeTaskSummary, TaskID: taskID, State: task.Completed.String()})

	if s.info.TotalFrames == 0 {
		return
	}
	stats, err := s.deps.Backend.FrameStats(ctx, backend.StatsQuery{MaxFrameID: s.info.TotalFrames, TaskID: taskID})
	if err != nil {
		log.Warn("fetch final statistics failed", "error", err)
		return
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

// processFrame captures, uploads and records one frame. Failures are
// recorded on the frame; work interrupted by cancellation is not recorded.
func (s *Session) processFrame(ctx context.Context, log *slog.Logger, taskID string, idx int) {
	start := time.Now()
	frame, err := s.capturer.Capture(ctx, idx)
	metrics.FrameStageDuration.WithLabelValues("capture").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.FramesTotal.WithLabelValues(metrics.ResultCaptureFailed).Inc()
		s.recordFailure(log, taskID, idx, fmt.Errorf("capture: %w", err))
		return
	}

	start = time.Now()
	ack, err := s.deps.Backend.UploadFrame(ctx, taskID, backend.FrameUpload{
		FrameNumber: idx,
		FrameData:   frame.DataURL(),
	})
	metrics.FrameStageDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.FramesTotal.WithLabelValues(metrics.ResultUploadFailed).Inc()
		s.recordFailure(log, taskID, idx, fmt.Errorf("%w: %w", ErrFrameUpload, err))
		return
	}

	rec := FrameRecord{Processed: true, Status: ack.Status, Progress: ack.Progress}
	if s.deps.Archive != nil {
		key := archive.Key(s.info.ID, taskID, idx)
		if err := s.deps.Archive.Put(ctx, key, frame.JPEG); err != nil {
			metrics.FramesTotal.WithLabelValues(metrics.ResultArchiveFailed).Inc()
			log.Warn("archive frame failed", "frame", idx, "error", err)
		} else {
			rec.ArchiveKey = key
		}
	}

	metrics.FramesTotal.WithLabelValues(metrics.ResultUploaded).Inc()
	progress := s.store(idx, rec)
	log.Debug("frame uploaded", "frame", idx, "progress", progress)

	frameNo := idx
	s.publish(events.Event{Type: events.TypeFrameUploaded, TaskID: taskID, Frame: &frameNo, Progress: progress})
}

func (s *Session) recordFailure(log *slog.Logger, taskID string, idx int, err error) {
	progress := s.store(idx, FrameRecord{Error: true, ErrorMessage: err.Error()})
	log.Warn("frame failed", "frame", idx, "error", err)

	frameNo := idx
	s.publish(events.Event{Type: events.TypeFrameFailed, TaskID: taskID, Frame: &frameNo, Progress: progress, Error: err.Error()})
}

// store writes rec for idx and returns the updated progress, which never
// decreases.
func (s *Session) store(idx int, rec FrameRecord) int {
	rec.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	prev, existed := s.records[idx]
	rec.Attempts = prev.Attempts + 1
	if !existed {
		s.recorded++
	}
	s.records[idx] = rec
	if p := percent(s.recorded, s.sampled); p > s.progress {
		s.progress = p
	}
	progress := s.progress
	s.mu.Unlock()

	metrics.SessionProgress.Set(float64(progress))
	s.deps.Recorder.FrameRecorded(s.info.ID, idx, rec, progress)
	return progress
}

func (s *Session) isProcessed(idx int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[idx].Processed
}

func (s *Session) recordedFrames() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recorded
}

// Progress returns the integer completion percentage.
func (s *Session) Progress() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// Record returns the record for frame idx.
func (s *Session) Record(idx int) (FrameRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[idx]
	return rec, ok
}

// Records returns a copy of every frame record.
func (s *Session) Records() map[int]FrameRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]FrameRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

func (s *Session) Snapshot() Snapshot {
	t := s.tasks.Snapshot()

	snap := Snapshot{
		Info:          s.info,
		SampledFrames: s.sampled,
		Running:       s.running(),
	}
	if t.Generation == s.gen.Load() {
		snap.TaskID = t.ID
		snap.State = t.State.String()
		snap.Error = t.Err
		snap.Summary = t.Summary
	} else {
		snap.State = "discarded"
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snap.RecordedFrames = s.recorded
	snap.Progress = s.progress
	snap.Stats = s.stats
	for _, r := range s.records {
		if r.Processed {
			snap.ProcessedFrames++
		} else if r.Error {
			snap.FailedFrames++
		}
	}
	return snap
}

func (s *Session) publish(e events.Event) {
	e.SessionID = s.info.ID
	if err := s.deps.Events.Publish(context.Background(), e); err != nil {
		s.logger.Debug("publish event failed", "type", e.Type, "error", err)
	}
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(Info)                         {}
func (nopRecorder) TaskChanged(string, task.Task)               {}
func (nopRecorder) FrameRecorded(string, int, FrameRecord, int) {}
func (nopRecorder) SessionDiscarded(string)                     {}
