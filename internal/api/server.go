// Package api serves the agent's local control API: loading a video,
// playback events, status, history and video playback.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/restolytics/restolytics-agent/internal/backend"
	"github.com/restolytics/restolytics-agent/internal/history"
	"github.com/restolytics/restolytics-agent/internal/media"
	"github.com/restolytics/restolytics-agent/internal/playback"
	"github.com/restolytics/restolytics-agent/internal/session"
)

// Controller is the pipeline surface driven by the API.
type Controller interface {
	Load(ctx context.Context, path string, opts session.LoadOptions) (*session.Snapshot, error)
	Play() error
	Pause() error
	Suspend(ctx context.Context) error
	Ended(ctx context.Context) error
	Stop() error
	Snapshot() (*session.Snapshot, error)
	Records() (map[int]session.FrameRecord, error)
	FrameFaces(ctx context.Context, seconds float64) (*session.Cursor, error)
	Stats(ctx context.Context, maxFrame int, personType string) (*backend.FrameStats, error)
}

// ToolsProvider reports media tool availability.
type ToolsProvider interface {
	Get(ctx context.Context) media.Capabilities
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port           int
	Controller     Controller
	History        history.Repository
	PlaybackServer playback.PlaybackService
	Doctor         ToolsProvider
	// Metrics is mounted at /metrics when set.
	Metrics   http.Handler
	Logger    *slog.Logger
	StartTime time.Time
	AgentID   string
	Version   string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
