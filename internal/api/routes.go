package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/restolytics/restolytics-agent/internal/backend"
	"github.com/restolytics/restolytics-agent/internal/capture"
	"github.com/restolytics/restolytics-agent/internal/history"
	"github.com/restolytics/restolytics-agent/internal/session"
	"github.com/restolytics/restolytics-agent/internal/task"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Video elements cannot send an Authorization header, so playback is
	// limited to loopback callers instead.
	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Get("/playback/current", playbackHandler(cfg))
		r.Head("/playback/current", playbackHandler(cfg))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.History, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Post("/sessions", loadHandler(cfg))
		r.Get("/sessions", listSessionsHandler(cfg))
		r.Get("/sessions/{id}/frames", storedFramesHandler(cfg))

		r.Route("/sessions/current", func(r chi.Router) {
			r.Get("/", currentHandler(cfg))
			r.Post("/play", controlHandler(cfg, func(ctx context.Context) error { return cfg.Controller.Play() }))
			r.Post("/pause", controlHandler(cfg, func(ctx context.Context) error { return cfg.Controller.Pause() }))
			r.Post("/suspend", controlHandler(cfg, func(ctx context.Context) error { return cfg.Controller.Suspend(ctx) }))
			r.Post("/ended", controlHandler(cfg, func(ctx context.Context) error { return cfg.Controller.Ended(ctx) }))
			r.Post("/stop", controlHandler(cfg, func(ctx context.Context) error { return cfg.Controller.Stop() }))
			r.Get("/frames", liveFramesHandler(cfg))
			r.Get("/cursor", cursorHandler(cfg))
			r.Get("/stats", statsHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
			AgentID: cfg.AgentID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{State: task.Idle.String()}

		if snap, err := cfg.Controller.Snapshot(); err == nil {
			resp.State = snap.State
			resp.Session = snap
		}

		if cfg.Doctor != nil {
			resp.Tools = ToolsToResponse(cfg.Doctor.Get(r.Context()))
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func loadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		if req.SampleInterval < 0 {
			WriteError(w, http.StatusBadRequest, "sample_interval must be positive", "BAD_REQUEST")
			return
		}
		if !history.IsVideoFile(req.Path) {
			WriteError(w, http.StatusBadRequest, "unsupported video file", "BAD_REQUEST")
			return
		}
		info, err := os.Stat(req.Path)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "path does not exist", "BAD_REQUEST")
			return
		}
		if info.IsDir() {
			WriteError(w, http.StatusBadRequest, "path is a directory", "BAD_REQUEST")
			return
		}

		snap, err := cfg.Controller.Load(r.Context(), req.Path, session.LoadOptions{SampleInterval: req.SampleInterval})
		if err != nil {
			if snap == nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			status, code := errorStatus(err)
			WriteJSON(w, status, LoadResponse{Session: snap, Error: err.Error(), Code: code})
			return
		}

		WriteJSON(w, http.StatusCreated, LoadResponse{Session: snap})
	}
}

func currentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Controller.Snapshot()
		if err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

// controlHandler runs a playback event and answers with the resulting
// snapshot.
func controlHandler(cfg ServerConfig, op func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			writeControlError(w, err)
			return
		}
		snap, err := cfg.Controller.Snapshot()
		if err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func liveFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := cfg.Controller.Records()
		if err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, RecordsToResponse(records))
	}
}

func cursorHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seconds, err := strconv.ParseFloat(r.URL.Query().Get("t"), 64)
		if err != nil || seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			WriteError(w, http.StatusBadRequest, "t must be a finite non-negative number of seconds", "BAD_REQUEST")
			return
		}

		cur, err := cfg.Controller.FrameFaces(r.Context(), seconds)
		if err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, cur)
	}
}

func statsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxFrame := 0
		if v := r.URL.Query().Get("max_frame_id"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "max_frame_id must be a positive integer", "BAD_REQUEST")
				return
			}
			maxFrame = n
		}

		stats, err := cfg.Controller.Stats(r.Context(), maxFrame, r.URL.Query().Get("person_type"))
		if err != nil {
			writeControlError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func listSessionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		sessions, err := cfg.History.ListSessions(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
			return
		}
		if sessions == nil {
			sessions = []*history.Session{}
		}
		WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
	}
}

func storedFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "session id required", "BAD_REQUEST")
			return
		}

		s, err := cfg.History.GetSession(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if s == nil {
			WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}

		frames, err := cfg.History.ListFrameRecords(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if frames == nil {
			frames = []*history.FrameRecord{}
		}
		WriteJSON(w, http.StatusOK, StoredFramesResponse{Frames: frames})
	}
}

func playbackHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cfg.Controller.Snapshot()
		if err != nil {
			writeControlError(w, err)
			return
		}

		if err := cfg.PlaybackServer.ServeFile(w, r, snap.VideoPath); err != nil {
			cfg.Logger.Error("playback error", "error", err, "session_id", snap.ID)
		}
	}
}

func writeControlError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	WriteError(w, status, err.Error(), code)
}

func errorStatus(err error) (int, string) {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound, "NO_SESSION"
	case errors.Is(err, capture.ErrNotReady):
		return http.StatusConflict, "NOT_READY"
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrAlreadyFinalized),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, task.ErrInitFailure),
		errors.Is(err, task.ErrFinalizeFailure),
		errors.As(err, &apiErr):
		return http.StatusBadGateway, "BACKEND_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
