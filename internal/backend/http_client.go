package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/restolytics/restolytics-agent/internal/metrics"
)

const (
	maxErrorBody    = 4096
	requestIDHeader = "X-Request-Id"
)

// Options configures an HTTPClient.
type Options struct {
	BaseURL string
	Token   string

	// Timeout bounds each single request attempt. Zero disables it.
	Timeout time.Duration

	// UploadRetries is the number of extra attempts for a frame upload that
	// failed with a retryable error. Init and complete are never retried.
	UploadRetries int
	RetryBackoff  time.Duration

	Logger *slog.Logger
}

// HTTPClient talks JSON over HTTP to the analysis backend.
type HTTPClient struct {
	opts       Options
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	return &HTTPClient{
		opts:       opts,
		httpClient: &http.Client{},
		tracer:     otel.Tracer("backend"),
		logger:     opts.Logger,
	}
}

// InitTask creates a remote task for totalFrames frames.
func (c *HTTPClient) InitTask(ctx context.Context, totalFrames int) (string, error) {
	ctx, span := c.tracer.Start(ctx, "backend.InitTask",
		trace.WithAttributes(attribute.Int("total_frames", totalFrames)))
	defer span.End()

	var resp initTaskResponse
	err := c.do(ctx, "init-task", http.MethodPost, "video/init-task", initTaskRequest{TotalFrames: totalFrames}, &resp)
	if err == nil && resp.TaskID == "" {
		err = errors.New("backend init-task returned no task_id")
	}
	if err != nil {
		recordError(span, err)
		return "", err
	}

	span.SetAttributes(attribute.String("task_id", resp.TaskID))
	c.logger.Info("task initialized", "task_id", resp.TaskID, "total_frames", totalFrames)
	return resp.TaskID, nil
}

// UploadFrame posts one encoded frame. Retryable failures are retried up to
// UploadRetries times with linear backoff.
func (c *HTTPClient) UploadFrame(ctx context.Context, taskID string, frame FrameUpload) (*FrameAck, error) {
	ctx, span := c.tracer.Start(ctx, "backend.UploadFrame", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.Int("frame_number", frame.FrameNumber),
	))
	defer span.End()

	path := "video/frame/" + url.PathEscape(taskID)

	var lastErr error
	for attempt := 0; attempt <= c.opts.UploadRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*c.opts.RetryBackoff); err != nil {
				break
			}
			c.logger.Debug("retrying frame upload",
				"task_id", taskID, "frame", frame.FrameNumber, "attempt", attempt)
		}

		var ack FrameAck
		err := c.do(ctx, "frame", http.MethodPost, path, frame, &ack)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return &ack, nil
		}
		lastErr = err
		if !IsRetryable(ctx, err) {
			break
		}
	}

	recordError(span, lastErr)
	return nil, lastErr
}

// CompleteTask finalizes the task. It is a single call with no retry.
func (c *HTTPClient) CompleteTask(ctx context.Context, taskID string) (*TaskSummary, error) {
	ctx, span := c.tracer.Start(ctx, "backend.CompleteTask",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	var summary TaskSummary
	if err := c.do(ctx, "complete-task", http.MethodPost, "video/complete-task/"+url.PathEscape(taskID), nil, &summary); err != nil {
		recordError(span, err)
		return nil, err
	}

	c.logger.Info("task completed",
		"task_id", taskID,
		"processed_frames", summary.ProcessedFrames,
		"faces_detected", summary.FacesDetected,
	)
	return &summary, nil
}

// FrameData returns the detections stored for a frame.
func (c *HTTPClient) FrameData(ctx context.Context, frameID int) ([]Face, error) {
	ctx, span := c.tracer.Start(ctx, "backend.FrameData",
		trace.WithAttributes(attribute.Int("frame_id", frameID)))
	defer span.End()

	q := url.Values{"frame_id": {strconv.Itoa(frameID)}}
	var resp frameDataResponse
	if err := c.do(ctx, "frame-data", http.MethodGet, "video/frame-data?"+q.Encode(), nil, &resp); err != nil {
		recordError(span, err)
		return nil, err
	}
	return resp.Faces, nil
}

// FrameStats returns aggregate counts up to q.MaxFrameID.
func (c *HTTPClient) FrameStats(ctx context.Context, q StatsQuery) (*FrameStats, error) {
	ctx, span := c.tracer.Start(ctx, "backend.FrameStats",
		trace.WithAttributes(attribute.Int("max_frame_id", q.MaxFrameID)))
	defer span.End()

	v := url.Values{"max_frame_id": {strconv.Itoa(q.MaxFrameID)}}
	if q.TaskID != "" {
		v.Set("task_id", q.TaskID)
	}
	if q.PersonType != "" {
		v.Set("person_type", q.PersonType)
	}

	var stats FrameStats
	if err := c.do(ctx, "stats", http.MethodGet, "stats/frame?"+v.Encode(), nil, &stats); err != nil {
		recordError(span, err)
		return nil, err
	}
	if stats.Emotions == nil {
		stats.Emotions = map[string]int{}
	}
	return &stats, nil
}

// do performs one request under the per-call timeout and decodes a 2xx JSON
// body into out.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: marshal %s request: %w", ErrMalformed, op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+"/"+path, body)
	if err != nil {
		return fmt.Errorf("%w: create %s request: %w", ErrMalformed, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.BackendRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("backend %s request failed: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.BackendRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrMalformed, op, err)
	}
	return nil
}

// IsRetryable reports whether err may succeed on a later attempt: 5xx
// responses and transport failures. Cancellation of ctx, a 4xx and
// ErrMalformed are final.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrMalformed) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Per-attempt deadline or network error.
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
