package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNoVideoStream is returned when a file has no video stream.
var ErrNoVideoStream = errors.New("media: no video stream")

// Metadata describes the first video stream of a file.
type Metadata struct {
	Duration  time.Duration `json:"duration"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	FrameRate float64       `json:"frame_rate"`
	Codec     string        `json:"codec"`
}

// TotalFrames returns floor(duration * fps).
func (m Metadata) TotalFrames(fps float64) int {
	if fps <= 0 || m.Duration <= 0 {
		return 0
	}
	return int(math.Floor(m.Duration.Seconds() * fps))
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe on path.
func (t *Tools) Probe(ctx context.Context, path string) (*Metadata, error) {
	out, err := t.run(ctx, t.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*Metadata, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		m := &Metadata{
			Width:  s.Width,
			Height: s.Height,
			Codec:  s.CodecName,
		}
		m.FrameRate = parseRate(s.AvgFrameRate)
		if m.FrameRate == 0 {
			m.FrameRate = parseRate(s.RFrameRate)
		}

		dur := s.Duration
		if dur == "" || dur == "N/A" {
			dur = out.Format.Duration
		}
		if secs, err := strconv.ParseFloat(strings.TrimSpace(dur), 64); err == nil && secs > 0 {
			m.Duration = time.Duration(secs * float64(time.Second))
		}
		return m, nil
	}
	return nil, ErrNoVideoStream
}

// parseRate parses ffprobe rates such as "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
