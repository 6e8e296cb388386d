package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/restolytics/restolytics-agent/internal/api"
	"github.com/restolytics/restolytics-agent/internal/archive"
	"github.com/restolytics/restolytics-agent/internal/backend"
	"github.com/restolytics/restolytics-agent/internal/config"
	"github.com/restolytics/restolytics-agent/internal/db"
	"github.com/restolytics/restolytics-agent/internal/events"
	"github.com/restolytics/restolytics-agent/internal/history"
	"github.com/restolytics/restolytics-agent/internal/logging"
	"github.com/restolytics/restolytics-agent/internal/media"
	"github.com/restolytics/restolytics-agent/internal/playback"
	"github.com/restolytics/restolytics-agent/internal/session"
	"github.com/restolytics/restolytics-agent/internal/tracing"
	"github.com/restolytics/restolytics-agent/internal/ui"
)

const (
	eventQueueSize  = 256
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
	logger.Info("starting restolytics agent",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if endpoint := cfg.OTLPEndpoint(); endpoint != "" {
		tp, err := tracing.InitTracer(ctx, endpoint, config.Version)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = tp.Shutdown(shutdownCtx)
			}()
			logger.Info("tracing enabled", "endpoint", endpoint)
		}
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := history.NewRepository(database.Conn())

	agentID, err := ensureAgentID(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure agent ID: %w", err)
	}

	authToken, err := ensureAuthToken(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 RESTOLYTICS AGENT v%-22s ║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Agent ID:   %-45s ║\n", agentID)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	client := newBackend(cfg, logger)

	tools, err := media.NewTools(cfg.FFmpegPath(), cfg.FFprobePath(), logging.WithComponent(logger, "media"))
	if err != nil {
		logger.Warn("media tools unavailable, videos cannot be loaded", "error", err)
	}
	doctor := media.NewDoctor(cfg.FFmpegPath(), cfg.FFprobePath(), logger)
	caps := doctor.Refresh(ctx)
	logger.Info("media capabilities detected",
		"ffmpeg", caps.FFmpeg.Available,
		"ffprobe", caps.FFprobe.Available,
	)

	store := newArchive(ctx, cfg, logger)
	publisher := newPublisher(cfg, agentID, logger)
	defer publisher.Close()

	opener := func(ctx context.Context, path string) (session.Source, error) {
		if tools == nil {
			return nil, fmt.Errorf("ffmpeg/ffprobe not available")
		}
		src, err := media.Open(ctx, tools, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	ctrl := session.NewController(ctx, opener, session.Settings{
		SampleInterval: cfg.SampleInterval(),
		FrameRate:      cfg.FrameRate(),
		JPEGQuality:    cfg.JPEGQuality(),
	}, session.Deps{
		Backend:  client,
		Archive:  store,
		Events:   publisher,
		Recorder: history.NewRecorder(repo, logging.WithComponent(logger, "history")),
		Logger:   logger,
	})

	var metricsHandler http.Handler
	if cfg.MetricsEnabled() {
		metricsHandler = promhttp.Handler()
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Controller:     ctrl,
		History:        repo,
		PlaybackServer: playback.NewServer(logger),
		Doctor:         doctor,
		Metrics:        metricsHandler,
		Logger:         logger,
		StartTime:      startTime,
		AgentID:        agentID,
		Version:        config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quit := newQuitter()

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit.Quit()
		case <-quit.Done():
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Controller: ctrl,
			Logger:     logging.WithComponent(logger, "tray"),
			OnQuit:     quit.Quit,
		})
		go tray.Run()
	}

	<-quit.Done()

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("upload run did not stop in time", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newBackend(cfg config.Config, logger *slog.Logger) backend.Client {
	if cfg.BackendURL() == "" {
		logger.Warn("no backend configured, using stub client")
		return backend.NewStubClient(logger)
	}
	logger.Info("analysis backend configured", "base_url", cfg.BackendURL())
	return backend.NewHTTPClient(backend.Options{
		BaseURL:       cfg.BackendURL(),
		Token:         cfg.BackendToken(),
		Timeout:       cfg.RequestTimeout(),
		UploadRetries: cfg.UploadRetries(),
		RetryBackoff:  cfg.RetryBackoff(),
		Logger:        logging.WithComponent(logger, "backend"),
	})
}

func newArchive(ctx context.Context, cfg config.Config, logger *slog.Logger) archive.Store {
	if !cfg.ArchiveEnabled() {
		return nil
	}
	store, err := archive.NewMinIOStore(archive.Config{
		Endpoint:  cfg.ArchiveEndpoint(),
		AccessKey: cfg.ArchiveAccessKey(),
		SecretKey: cfg.ArchiveSecretKey(),
		UseSSL:    cfg.ArchiveUseSSL(),
		Bucket:    cfg.ArchiveBucket(),
	})
	if err == nil {
		err = store.EnsureBucket(ctx)
	}
	if err != nil {
		logger.Warn("frame archive disabled", "error", err)
		return nil
	}
	logger.Info("frame archive enabled", "endpoint", cfg.ArchiveEndpoint(), "bucket", cfg.ArchiveBucket())
	return store
}

func newPublisher(cfg config.Config, agentID string, logger *slog.Logger) events.Publisher {
	var sinks events.Multi

	if broker := cfg.MQTTBroker(); broker != "" {
		p, err := events.NewMQTTPublisher(broker, "restolytics-"+agentID, cfg.MQTTTopic(), logging.WithComponent(logger, "mqtt"))
		if err != nil {
			logger.Warn("mqtt events disabled", "error", err)
		} else {
			sinks = append(sinks, p)
		}
	}
	if url := cfg.AMQPURL(); url != "" {
		p, err := events.NewAMQPPublisher(url, cfg.AMQPExchange())
		if err != nil {
			logger.Warn("amqp events disabled", "error", err)
		} else {
			sinks = append(sinks, p)
		}
	}

	if len(sinks) == 0 {
		return events.Nop{}
	}
	return events.NewAsync(sinks, eventQueueSize, logging.WithComponent(logger, "events"))
}

func ensureAgentID(ctx context.Context, repo history.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, "agent_id")
	if err == nil && existing != "" {
		return existing, nil
	}

	agentID := uuid.NewString()
	if err := repo.SetConfig(ctx, "agent_id", agentID); err != nil {
		return "", err
	}
	return agentID, nil
}

func ensureAuthToken(ctx context.Context, repo history.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}
	return token, nil
}
