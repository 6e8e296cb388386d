package api

import (
	"sort"
	"time"

	"github.com/restolytics/restolytics-agent/internal/history"
	"github.com/restolytics/restolytics-agent/internal/media"
	"github.com/restolytics/restolytics-agent/internal/session"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
	AgentID string `json:"agent_id"`
}

type StatusResponse struct {
	State   string            `json:"state"`
	Session *session.Snapshot `json:"session,omitempty"`
	Tools   *ToolsResponse    `json:"tools,omitempty"`
}

type ToolsResponse struct {
	Ready          bool   `json:"ready"`
	FFmpegVersion  string `json:"ffmpeg_version,omitempty"`
	FFprobeVersion string `json:"ffprobe_version,omitempty"`
	LastProbeAt    string `json:"last_probe_at,omitempty"`
}

type LoadRequest struct {
	Path           string `json:"path"`
	SampleInterval int    `json:"sample_interval,omitempty"`
}

type LoadResponse struct {
	Session *session.Snapshot `json:"session"`
	Error   string            `json:"error,omitempty"`
	Code    string            `json:"code,omitempty"`
}

type SessionsResponse struct {
	Sessions []*history.Session `json:"sessions"`
}

type FrameRecordResponse struct {
	Frame int `json:"frame"`
	session.FrameRecord
}

type FramesResponse struct {
	Frames []FrameRecordResponse `json:"frames"`
}

type StoredFramesResponse struct {
	Frames []*history.FrameRecord `json:"frames"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ToolsToResponse(c media.Capabilities) *ToolsResponse {
	resp := &ToolsResponse{
		Ready:          c.Ready(),
		FFmpegVersion:  c.FFmpeg.Version,
		FFprobeVersion: c.FFprobe.Version,
	}
	if !c.ProbedAt.IsZero() {
		resp.LastProbeAt = c.ProbedAt.Format(time.RFC3339)
	}
	return resp
}

// RecordsToResponse orders records by frame number.
func RecordsToResponse(records map[int]session.FrameRecord) FramesResponse {
	resp := FramesResponse{Frames: make([]FrameRecordResponse, 0, len(records))}
	for frame, rec := range records {
		resp.Frames = append(resp.Frames, FrameRecordResponse{Frame: frame, FrameRecord: rec})
	}
	sort.Slice(resp.Frames, func(i, j int) bool { return resp.Frames[i].Frame < resp.Frames[j].Frame })
	return resp
}
