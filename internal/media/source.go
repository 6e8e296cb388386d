package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strconv"
	"time"
)

// FFmpegSource is a seekable video file. Every Seek decodes one frame with a
// fresh ffmpeg process, so the returned image always matches the requested
// timestamp.
type FFmpegSource struct {
	tools *Tools
	path  string
	meta  Metadata
}

// Open probes path and returns a source ready for capture.
func Open(ctx context.Context, tools *Tools, path string) (*FFmpegSource, error) {
	meta, err := tools.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return &FFmpegSource{tools: tools, path: path, meta: *meta}, nil
}

func (s *FFmpegSource) Path() string { return s.path }

func (s *FFmpegSource) Metadata() Metadata { return s.meta }

// Dimensions implements capture.Source.
func (s *FFmpegSource) Dimensions() (int, int) {
	return s.meta.Width, s.meta.Height
}

// Seek implements capture.Source. It returns once ffmpeg has decoded the
// frame at ts.
func (s *FFmpegSource) Seek(ctx context.Context, ts time.Duration) (image.Image, error) {
	out, err := s.tools.run(ctx, s.tools.FFmpeg,
		"-nostdin",
		"-v", "error",
		"-ss", strconv.FormatFloat(ts.Seconds(), 'f', 3, 64),
		"-i", s.path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no frame decoded at %s", ts)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}
