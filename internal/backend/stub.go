package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// StubClient accepts everything and talks to nothing. It backs dry runs when
// no backend URL is configured.
type StubClient struct {
	logger *slog.Logger
	tasks  atomic.Int64
	frames atomic.Int64
}

func NewStubClient(logger *slog.Logger) *StubClient {
	return &StubClient{logger: logger}
}

func (c *StubClient) InitTask(ctx context.Context, totalFrames int) (string, error) {
	id := fmt.Sprintf("task_%d", c.tasks.Add(1))
	c.frames.Store(0)
	c.logger.Info("backend stub: task init requested", "task_id", id, "total_frames", totalFrames)
	return id, nil
}

func (c *StubClient) UploadFrame(ctx context.Context, taskID string, frame FrameUpload) (*FrameAck, error) {
	n := c.frames.Add(1)
	c.logger.Debug("backend stub: frame upload requested", "task_id", taskID, "frame", frame.FrameNumber)
	return &FrameAck{TaskID: taskID, FrameNumber: frame.FrameNumber, Status: "processing", Progress: float64(n)}, nil
}

func (c *StubClient) CompleteTask(ctx context.Context, taskID string) (*TaskSummary, error) {
	c.logger.Info("backend stub: task completion requested", "task_id", taskID)
	return &TaskSummary{TaskID: taskID, Status: "completed", ProcessedFrames: int(c.frames.Load())}, nil
}

func (c *StubClient) FrameData(ctx context.Context, frameID int) ([]Face, error) {
	return []Face{}, nil
}

func (c *StubClient) FrameStats(ctx context.Context, q StatsQuery) (*FrameStats, error) {
	return &FrameStats{Emotions: map[string]int{}}, nil
}
