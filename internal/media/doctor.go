package media

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// ToolInfo is the availability of one executable.
type ToolInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Capabilities reports whether the agent can probe and capture.
type Capabilities struct {
	FFmpeg   ToolInfo  `json:"ffmpeg"`
	FFprobe  ToolInfo  `json:"ffprobe"`
	ProbedAt time.Time `json:"probed_at"`
}

// Ready is true when both tools answered.
func (c Capabilities) Ready() bool {
	return c.FFmpeg.Available && c.FFprobe.Available
}

// Doctor caches tool version probes with a TTL, so health checks do not fork
// two processes per request.
type Doctor struct {
	ffmpegPath  string
	ffprobePath string
	ttl         time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewDoctor(ffmpegPath, ffprobePath string, logger *slog.Logger) *Doctor {
	return &Doctor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		ttl:         defaultCacheTTL,
		logger:      logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *Doctor) Get(ctx context.Context) Capabilities {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := *d.cached
		d.mu.RUnlock()
		return caps
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Refresh forces a new probe regardless of cache freshness.
func (d *Doctor) Refresh(ctx context.Context) Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := Capabilities{
		FFmpeg:   d.probe(ctx, d.ffmpegPath, "ffmpeg"),
		FFprobe:  d.probe(ctx, d.ffprobePath, "ffprobe"),
		ProbedAt: time.Now(),
	}
	if !caps.Ready() {
		d.logger.Warn("media tools unavailable",
			"ffmpeg", caps.FFmpeg.Error,
			"ffprobe", caps.FFprobe.Error,
		)
	}
	d.cached = &caps
	return caps
}

func (d *Doctor) probe(ctx context.Context, preferred, fallback string) ToolInfo {
	path, err := resolveBinary(preferred, fallback)
	if err != nil {
		return ToolInfo{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	t := &Tools{Logger: d.logger}
	out, err := t.run(ctx, path, "-version")
	if err != nil {
		return ToolInfo{Path: path, Error: err.Error()}
	}
	return ToolInfo{Available: true, Path: path, Version: parseVersion(out)}
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out []byte) string {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	sc := bufio.NewScanner(bytes.NewReader(line))
	sc.Split(bufio.ScanWords)
	var prev string
	for sc.Scan() {
		w := sc.Text()
		if prev == "version" {
			return strings.TrimSpace(w)
		}
		prev = w
	}
	return ""
}
