// Package history persists sessions and their frame records so status
// survives restarts.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/restolytics/restolytics-agent/internal/logging"
	"github.com/restolytics/restolytics-agent/internal/session"
	"github.com/restolytics/restolytics-agent/internal/task"
)

const writeTimeout = 5 * time.Second

var _ session.Recorder = (*Recorder)(nil)

// Recorder writes pipeline changes to a Repository. Write errors are logged
// and otherwise ignored.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{repo: repo, logger: logger}
}

func (r *Recorder) SessionStarted(info session.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := r.repo.CreateSession(ctx, &Session{
		ID:             info.ID,
		VideoPath:      info.VideoPath,
		State:          task.Ready.String(),
		TotalFrames:    info.TotalFrames,
		SampleInterval: info.SampleInterval,
		FrameRate:      info.FrameRate,
		CreatedAt:      info.CreatedAt,
		UpdatedAt:      info.CreatedAt,
	})
	r.check(err, "create session", info.ID)
}

func (r *Recorder) TaskChanged(sessionID string, t task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	r.check(r.repo.UpdateSessionState(ctx, sessionID, t.ID, t.State.String(), t.Err), "update session state", sessionID)
	if t.Summary != nil {
		r.check(r.repo.UpdateSessionFaces(ctx, sessionID, t.Summary.FacesDetected), "update session faces", sessionID)
	}
}

func (r *Recorder) FrameRecorded(sessionID string, frame int, rec session.FrameRecord, progress int) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := r.repo.SaveFrameRecord(ctx, &FrameRecord{
		SessionID:  sessionID,
		FrameIndex: frame,
		Processed:  rec.Processed,
		Status:     rec.Status,
		Progress:   rec.Progress,
		Error:      rec.ErrorMessage,
		ArchiveKey: rec.ArchiveKey,
		UpdatedAt:  rec.UpdatedAt,
	}, progress)
	r.check(err, "save frame record", sessionID)
}

func (r *Recorder) SessionDiscarded(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	r.check(r.repo.DiscardSession(ctx, sessionID), "discard session", sessionID)
}

func (r *Recorder) check(err error, op, sessionID string) {
	if err != nil {
		r.logger.Warn("history write failed", "op", op, "session_id", sessionID, "error", err)
	}
}
