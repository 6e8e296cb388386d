// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/restolytics/restolytics-agent/internal/backend"
)

// Upload is one recorded UploadFrame call.
type Upload struct {
	TaskID string
	Frame  int
}

// Fake records every call. Fields prefixed with On are optional hooks and
// must be set before use.
type Fake struct {
	InitErr     error
	CompleteErr error

	// FailFrames maps a frame number to how many times its upload fails
	// before succeeding. A negative count fails forever.
	FailFrames map[int]int

	// OnUpload runs before an upload is recorded. Returning an error fails it.
	OnUpload func(ctx context.Context, taskID string, frame int) error

	// OnComplete runs before CompleteTask returns.
	OnComplete func(ctx context.Context, taskID string)

	mu            sync.Mutex
	tasks         int
	uploads       []Upload
	attempts      map[int]int
	completeCalls []string
	statsCalls    []backend.StatsQuery
}

func New() *Fake {
	return &Fake{FailFrames: map[int]int{}, attempts: map[int]int{}}
}

func (f *Fake) InitTask(ctx context.Context, totalFrames int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		return "", f.InitErr
	}
	f.tasks++
	return fmt.Sprintf("task_%d", f.tasks), nil
}

func (f *Fake) UploadFrame(ctx context.Context, taskID string, frame backend.FrameUpload) (*backend.FrameAck, error) {
	if f.OnUpload != nil {
		if err := f.OnUpload(ctx, taskID, frame.FrameNumber); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[frame.FrameNumber]++
	if n, ok := f.FailFrames[frame.FrameNumber]; ok && (n < 0 || f.attempts[frame.FrameNumber] <= n) {
		return nil, &backend.APIError{Op: "frame", StatusCode: 500, Body: "analysis failed"}
	}

	f.uploads = append(f.uploads, Upload{TaskID: taskID, Frame: frame.FrameNumber})
	return &backend.FrameAck{
		TaskID:      taskID,
		FrameNumber: frame.FrameNumber,
		Status:      "processing",
		Progress:    float64(len(f.uploads)),
	}, nil
}

func (f *Fake) CompleteTask(ctx context.Context, taskID string) (*backend.TaskSummary, error) {
	if f.OnComplete != nil {
		f.OnComplete(ctx, taskID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls = append(f.completeCalls, taskID)
	if f.CompleteErr != nil {
		return nil, f.CompleteErr
	}
	return &backend.TaskSummary{TaskID: taskID, Status: "completed", ProcessedFrames: len(f.uploads)}, nil
}

func (f *Fake) FrameData(ctx context.Context, frameID int) ([]backend.Face, error) {
	top, right, bottom, left := 1, 2, 3, 0
	return []backend.Face{{
		TrackID:    frameID,
		PersonType: "customer",
		FaceTop:    &top, FaceRight: &right, FaceBottom: &bottom, FaceLeft: &left,
	}}, nil
}

func (f *Fake) FrameStats(ctx context.Context, q backend.StatsQuery) (*backend.FrameStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls = append(f.statsCalls, q)
	return &backend.FrameStats{TotalVisitors: len(f.uploads), Emotions: map[string]int{}}, nil
}

// Uploads returns the successful uploads in call order.
func (f *Fake) Uploads() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Upload(nil), f.uploads...)
}

// UploadedFrames returns the frame numbers of successful uploads in order.
func (f *Fake) UploadedFrames() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]int, 0, len(f.uploads))
	for _, u := range f.uploads {
		frames = append(frames, u.Frame)
	}
	return frames
}

// Attempts returns how many times frame was offered for upload.
func (f *Fake) Attempts(frame int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[frame]
}

func (f *Fake) CompleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completeCalls...)
}

func (f *Fake) StatsCalls() []backend.StatsQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.StatsQuery(nil), f.statsCalls...)
}
