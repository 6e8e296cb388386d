package history

import (
	"path/filepath"
	"strings"
	"time"
)

// StateDiscarded marks a session replaced by a newer video before its task
// finished.
const StateDiscarded = "discarded"

// Session is one loaded video and the outcome of its task.
type Session struct {
	ID              string    `json:"id"`
	VideoPath       string    `json:"video_path"`
	TaskID          string    `json:"task_id,omitempty"`
	State           string    `json:"state"`
	TotalFrames     int       `json:"total_frames"`
	SampleInterval  int       `json:"sample_interval"`
	FrameRate       float64   `json:"frame_rate"`
	Progress        int       `json:"progress"`
	ProcessedFrames int       `json:"processed_frames"`
	FailedFrames    int       `json:"failed_frames"`
	FacesDetected   int       `json:"faces_detected"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FrameRecord is the persisted outcome of one sampled frame.
type FrameRecord struct {
	SessionID  string    `json:"session_id"`
	FrameIndex int       `json:"frame_index"`
	Processed  bool      `json:"processed"`
	Status     string    `json:"status,omitempty"`
	Progress   float64   `json:"progress,omitempty"`
	Error      string    `json:"error,omitempty"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
	".avi":  true,
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
