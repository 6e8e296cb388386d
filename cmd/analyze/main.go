// Command analyze samples one video, uploads every sampled frame to the
// analysis backend and prints the task summary. It runs the same pipeline as
// the agent without the local API, tray or history database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/restolytics/restolytics-agent/internal/backend"
	"github.com/restolytics/restolytics-agent/internal/config"
	"github.com/restolytics/restolytics-agent/internal/logging"
	"github.com/restolytics/restolytics-agent/internal/media"
	"github.com/restolytics/restolytics-agent/internal/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("analyze: %v", err)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	videoPath := flag.String("video", "", "Path to the video file (required)")
	interval := flag.Int("interval", cfg.SampleInterval(), "Sample every Nth frame")
	fps := flag.Float64("fps", cfg.FrameRate(), "Nominal frame rate (0 = probed rate)")
	quality := flag.Int("jpeg-quality", cfg.JPEGQuality(), "JPEG quality (1-100)")
	backendURL := flag.String("backend", cfg.BackendURL(), "Analysis backend base URL")
	dryRun := flag.Bool("dry-run", false, "Use the stub backend instead of uploading")
	personType := flag.String("person-type", "", "Restrict the final stats to one person type")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("analyze %s (%s)\n", config.Version, config.GitCommit)
		return nil
	}
	if *videoPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -video flag is required\n\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *interval < 1 {
		return fmt.Errorf("-interval must be at least 1")
	}
	if *quality < 1 || *quality > 100 {
		return fmt.Errorf("-jpeg-quality must be between 1 and 100")
	}

	level := cfg.LogLevel()
	if *debug {
		level = "debug"
	}
	logger := logging.NewLogger(level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tools, err := media.NewTools(cfg.FFmpegPath(), cfg.FFprobePath(), logger)
	if err != nil {
		return err
	}

	var client backend.Client
	if *dryRun {
		client = backend.NewStubClient(logger)
	} else {
		client = backend.NewHTTPClient(backend.Options{
			BaseURL:       *backendURL,
			Token:         cfg.BackendToken(),
			Timeout:       cfg.RequestTimeout(),
			UploadRetries: cfg.UploadRetries(),
			RetryBackoff:  cfg.RetryBackoff(),
			Logger:        logger,
		})
	}

	ctrl := session.NewController(ctx, func(ctx context.Context, path string) (session.Source, error) {
		src, err := media.Open(ctx, tools, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}, session.Settings{
		SampleInterval: *interval,
		FrameRate:      *fps,
		JPEGQuality:    *quality,
	}, session.Deps{
		Backend: client,
		Logger:  logger,
	})

	start := time.Now()
	snap, err := ctrl.Load(ctx, *videoPath, session.LoadOptions{})
	if err != nil {
		return fmt.Errorf("load %s: %w", *videoPath, err)
	}
	fmt.Printf("Video:    %s\n", snap.VideoPath)
	fmt.Printf("Frames:   %d total, %d sampled (every %d at %.2f fps)\n",
		snap.TotalFrames, snap.SampledFrames, snap.SampleInterval, snap.FrameRate)
	fmt.Printf("Task:     %s\n\n", snap.TaskID)

	if err := ctrl.Play(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Wait(context.Background()) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
wait:
	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			break wait
		case <-ticker.C:
			if s, err := ctrl.Snapshot(); err == nil {
				fmt.Printf("  %3d%%  %d/%d frames\n", s.Progress, s.RecordedFrames, s.SampledFrames)
			}
		}
	}

	snap, err = ctrl.Snapshot()
	if err != nil {
		return err
	}

	fmt.Printf("\nState:    %s\n", snap.State)
	fmt.Printf("Uploaded: %d processed, %d failed of %d sampled\n",
		snap.ProcessedFrames, snap.FailedFrames, snap.SampledFrames)
	fmt.Printf("Elapsed:  %s\n", time.Since(start).Round(time.Millisecond))
	if snap.Summary != nil {
		fmt.Printf("Backend:  %s, %d faces detected\n", snap.Summary.Status, snap.Summary.FacesDetected)
	}

	if *personType != "" && snap.State == "completed" {
		statsCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
		defer cancel()
		stats, err := ctrl.Stats(statsCtx, 0, *personType)
		if err != nil {
			logger.Warn("stats unavailable", "error", err)
		} else {
			fmt.Printf("Stats:    %+v\n", *stats)
		}
	}

	if snap.State != "completed" {
		if snap.Error != "" {
			return errors.New(snap.Error)
		}
		return fmt.Errorf("task ended in state %s", snap.State)
	}
	return nil
}
