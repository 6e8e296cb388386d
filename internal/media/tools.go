// Package media wraps the ffmpeg and ffprobe executables: it probes video
// metadata and renders single frames for capture.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

// Tools holds resolved ffmpeg/ffprobe binaries.
type Tools struct {
	FFmpeg  string
	FFprobe string
	Logger  *slog.Logger
}

// NewTools resolves both executables on PATH.
func NewTools(ffmpegPath, ffprobePath string, logger *slog.Logger) (*Tools, error) {
	ffmpeg, err := resolveBinary(ffmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobe, err := resolveBinary(ffprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	return &Tools{FFmpeg: ffmpeg, FFprobe: ffprobe, Logger: logger}, nil
}

// ExecError is returned when a tool exits non-zero.
type ExecError struct {
	Tool       string
	ExitCode   int
	StderrTail string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.Tool, e.ExitCode, truncate(e.StderrTail, 512))
}

// run executes bin with args and returns stdout.
func (t *Tools) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxStderrBytes}

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		t.Logger.Debug("media command failed",
			"bin", bin,
			"exit_code", code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, &ExecError{Tool: bin, ExitCode: code, StderrTail: stderr.String()}
	}
	return stdout.Bytes(), nil
}

func resolveBinary(preferred, fallback string) (string, error) {
	name := preferred
	if name == "" {
		name = fallback
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return p, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
