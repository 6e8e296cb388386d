package session

import (
	"math"
	"time"
)

// FrameRecord is the outcome of one sampled frame. A record is either
// processed, with the backend's echo, or errored with a message.
type FrameRecord struct {
	Processed    bool      `json:"processed"`
	Status       string    `json:"status,omitempty"`
	Progress     float64   `json:"progress,omitempty"`
	Error        bool      `json:"error,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	ArchiveKey   string    `json:"archive_key,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// percent is recorded/sampled as a whole percentage, rounded down so that 100
// means every sampled frame has a record. Zero sampled frames is complete.
func percent(recorded, sampled int) int {
	if sampled <= 0 {
		return 100
	}
	if recorded >= sampled {
		return 100
	}
	return recorded * 100 / sampled
}

// CursorFrame returns the frame shown at playback position seconds.
func CursorFrame(seconds, fps float64) int {
	if !(seconds > 0) || !(fps > 0) || math.IsInf(seconds, 0) || math.IsInf(fps, 0) {
		return 0
	}
	return int(math.Floor(seconds * fps))
}
