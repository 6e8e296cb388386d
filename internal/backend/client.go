// Package backend is the client for the restaurant-analytics backend's video
// endpoints: task init, frame upload, task completion, per-frame detections
// and per-frame aggregate statistics.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformed marks a request that could not be built or a 2xx response
// that could not be decoded. The backend may already have acted on the
// request, so it is never retried.
var ErrMalformed = errors.New("malformed backend exchange")

// Client is the backend surface the pipeline depends on.
type Client interface {
	InitTask(ctx context.Context, totalFrames int) (string, error)
	UploadFrame(ctx context.Context, taskID string, frame FrameUpload) (*FrameAck, error)
	CompleteTask(ctx context.Context, taskID string) (*TaskSummary, error)
	FrameData(ctx context.Context, frameID int) ([]Face, error)
	FrameStats(ctx context.Context, q StatsQuery) (*FrameStats, error)
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

type initTaskRequest struct {
	TotalFrames int `json:"total_frames"`
}

type initTaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// FrameUpload is the body of POST video/frame/{task_id}.
type FrameUpload struct {
	FrameNumber int    `json:"frame_number"`
	FrameData   string `json:"frame_data"`
}

// FrameAck is the server echo for an uploaded frame.
type FrameAck struct {
	TaskID      string  `json:"task_id"`
	FrameNumber int     `json:"frame_number"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
}

// TaskSummary is returned by complete-task.
type TaskSummary struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	ProcessedFrames int    `json:"processed_frames"`
	TotalFrames     int    `json:"total_frames"`
	FacesDetected   int    `json:"faces_detected"`
}

// Box is a pixel rectangle in frame coordinates.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Face is one detection in a frame. Coordinates arrive flattened on the wire.
type Face struct {
	TrackID    int     `json:"track_id"`
	PersonType string  `json:"person_type"`
	Name       *string `json:"name"`
	Age        *int    `json:"age"`
	Gender     *string `json:"gender"`
	Emotion    *string `json:"emotion"`
	IsFrontal  bool    `json:"is_frontal"`

	FaceTop    *int `json:"face_top"`
	FaceRight  *int `json:"face_right"`
	FaceBottom *int `json:"face_bottom"`
	FaceLeft   *int `json:"face_left"`
	BodyTop    *int `json:"body_top"`
	BodyRight  *int `json:"body_right"`
	BodyBottom *int `json:"body_bottom"`
	BodyLeft   *int `json:"body_left"`
}

// FaceBox returns the face rectangle, or nil when any edge is missing.
func (f Face) FaceBox() *Box {
	return box(f.FaceTop, f.FaceRight, f.FaceBottom, f.FaceLeft)
}

// BodyBox returns the body rectangle, or nil when any edge is missing.
func (f Face) BodyBox() *Box {
	return box(f.BodyTop, f.BodyRight, f.BodyBottom, f.BodyLeft)
}

func box(top, right, bottom, left *int) *Box {
	if top == nil || right == nil || bottom == nil || left == nil {
		return nil
	}
	return &Box{Top: *top, Right: *right, Bottom: *bottom, Left: *left}
}

type frameDataResponse struct {
	Faces []Face `json:"faces"`
}

// StatsQuery selects aggregate statistics up to and including MaxFrameID.
type StatsQuery struct {
	MaxFrameID int
	TaskID     string
	PersonType string
}

// FrameStats aggregates detections up to a frame.
type FrameStats struct {
	TotalVisitors    int            `json:"total_visitors"`
	UniqueVisitors   int            `json:"unique_visitors"`
	WaitersCount     int            `json:"waiters_count"`
	CelebritiesCount int            `json:"celebrities_count"`
	Emotions         map[string]int `json:"emotions"`
}
