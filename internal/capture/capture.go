// Package capture extracts single frames from a video source and encodes
// them as JPEG for upload.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

var (
	// ErrNotReady is returned when the source has no dimensions yet.
	ErrNotReady = errors.New("capture: source not ready")

	// ErrSuperseded is returned to a capture that was replaced by a newer
	// request on the same capturer before its seek settled.
	ErrSuperseded = errors.New("capture: superseded by a newer request")
)

// Source is a seekable video. Seek returns the rendered frame once the
// source has settled on the requested timestamp.
type Source interface {
	Dimensions() (width, height int)
	Seek(ctx context.Context, ts time.Duration) (image.Image, error)
}

// EncodedFrame is a captured frame ready for upload.
type EncodedFrame struct {
	Index     int
	Timestamp time.Duration
	Width     int
	Height    int
	JPEG      []byte
}

// DataURL returns the frame as a base64 data URL, the form the analysis
// backend accepts in frame_data.
func (f *EncodedFrame) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.JPEG)
}

// Capturer captures frames from one Source. Only one capture is pending at a
// time: starting a new one cancels the previous request.
type Capturer struct {
	src     Source
	fps     float64
	quality int

	seekMu sync.Mutex

	slotMu sync.Mutex
	gen    uint64
	cancel context.CancelCauseFunc
}

// New creates a Capturer. fps converts frame indices to timestamps and
// quality is the JPEG quality in [1, 100].
func New(src Source, fps float64, quality int) *Capturer {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Capturer{src: src, fps: fps, quality: quality}
}

// Timestamp converts a frame index to a playback position.
func Timestamp(index int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(index) / fps * float64(time.Second))
}

// Capture seeks to frame index, waits for the seek to settle and returns the
// JPEG-encoded frame.
func (c *Capturer) Capture(ctx context.Context, index int) (*EncodedFrame, error) {
	w, h := c.src.Dimensions()
	if w <= 0 || h <= 0 {
		return nil, ErrNotReady
	}

	ctx, gen := c.claim(ctx)
	defer c.release(gen)

	ts := Timestamp(index, c.fps)

	c.seekMu.Lock()
	img, err := c.seek(ctx, ts)
	c.seekMu.Unlock()
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrSuperseded) {
			return nil, ErrSuperseded
		}
		return nil, fmt.Errorf("seek frame %d at %s: %w", index, ts, err)
	}
	if !c.current(gen) {
		return nil, ErrSuperseded
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", index, err)
	}

	b := img.Bounds()
	return &EncodedFrame{
		Index:     index,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		JPEG:      buf.Bytes(),
	}, nil
}

func (c *Capturer) seek(ctx context.Context, ts time.Duration) (image.Image, error) {
	// A newer request may have cancelled us while we waited for the lock.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.src.Seek(ctx, ts)
}

// claim makes the caller the pending capture, cancelling any earlier one.
func (c *Capturer) claim(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancelCause(parent)

	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.cancel != nil {
		c.cancel(ErrSuperseded)
	}
	c.gen++
	c.cancel = cancel
	return ctx, c.gen
}

func (c *Capturer) release(gen uint64) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.gen == gen && c.cancel != nil {
		c.cancel(nil)
		c.cancel = nil
	}
}

func (c *Capturer) current(gen uint64) bool {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	return c.gen == gen
}
