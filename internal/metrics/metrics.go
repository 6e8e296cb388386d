// Package metrics defines the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restolytics_frames_total",
		Help: "Sampled frames handled by the pipeline, by result",
	}, []string{"result"})

	FrameStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "restolytics_frame_stage_duration_seconds",
		Help:    "Duration of per-frame pipeline stages",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "restolytics_backend_request_duration_seconds",
		Help:    "Duration of analysis backend requests, by operation and status code",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "code"})

	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restolytics_tasks_finished_total",
		Help: "Processing tasks that reached a terminal state",
	}, []string{"state"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "restolytics_active_runs",
		Help: "Upload loops currently running",
	})

	SessionProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "restolytics_session_progress_percent",
		Help: "Progress of the current session",
	})
)

// Frame results.
const (
	ResultUploaded      = "uploaded"
	ResultUploadFailed  = "upload_failed"
	ResultCaptureFailed = "capture_failed"
	ResultArchiveFailed = "archive_failed"
)
