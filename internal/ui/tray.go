// Package ui shows the agent's pipeline state in the system tray.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/restolytics/restolytics-agent/internal/session"
)

const refreshInterval = 2 * time.Second

// Controller is the part of the session controller the tray drives.
type Controller interface {
	Snapshot() (*session.Snapshot, error)
	Play() error
	Suspend(ctx context.Context) error
	Stop() error
}

type Tray struct {
	ctrl   Controller
	logger *slog.Logger

	statusItem  *systray.MenuItem
	videoItem   *systray.MenuItem
	suspendItem *systray.MenuItem
	stopItem    *systray.MenuItem

	mu sync.Mutex

	onQuit func()
	done   chan struct{}
}

type TrayConfig struct {
	Controller Controller
	Logger     *slog.Logger
	OnQuit     func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		ctrl:   cfg.Controller,
		logger: cfg.Logger,
		onQuit: cfg.OnQuit,
		done:   make(chan struct{}),
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Restolytics")
	systray.SetTooltip("Restolytics Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current pipeline status")
	t.statusItem.Disable()

	t.videoItem = systray.AddMenuItem("No video loaded", "Current video")
	t.videoItem.Disable()

	systray.AddSeparator()

	t.suspendItem = systray.AddMenuItem("Suspend Uploads", "Stop uploading and keep the task open")
	t.stopItem = systray.AddMenuItem("Stop", "Cancel the current task")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Restolytics Agent")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-t.suspendItem.ClickedCh:
				t.toggleSuspend()
			case <-t.stopItem.ClickedCh:
				if err := t.ctrl.Stop(); err != nil {
					t.logger.Warn("stop from tray failed", "error", err)
				}
				t.refresh()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				close(t.done)
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	t.refresh()
	for {
		select {
		case <-ticker.C:
			t.refresh()
		case <-t.done:
			return
		}
	}
}

func (t *Tray) toggleSuspend() {
	snap, err := t.ctrl.Snapshot()
	if err != nil {
		return
	}

	if snap.Running {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err = t.ctrl.Suspend(ctx)
	} else {
		err = t.ctrl.Play()
	}
	if err != nil {
		t.logger.Warn("tray playback toggle failed", "error", err)
	}
	t.refresh()
}

func (t *Tray) refresh() {
	snap, _ := t.ctrl.Snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.statusItem.SetTitle(statusTitle(snap))
	t.videoItem.SetTitle(videoTitle(snap))

	if snap != nil && snap.Running {
		t.suspendItem.SetTitle("Suspend Uploads")
	} else {
		t.suspendItem.SetTitle("Resume Uploads")
	}
	if snap != nil && (snap.Running || snap.State == "initialized") {
		t.suspendItem.Enable()
		t.stopItem.Enable()
	} else {
		t.suspendItem.Disable()
		t.stopItem.Disable()
	}
}

func statusTitle(snap *session.Snapshot) string {
	if snap == nil {
		return "Status: Idle"
	}
	switch snap.State {
	case "processing":
		return fmt.Sprintf("Status: Uploading %d%%", snap.Progress)
	case "completed":
		return fmt.Sprintf("Status: Completed (%d/%d frames)", snap.ProcessedFrames, snap.SampledFrames)
	case "error":
		return "Status: Error"
	case "initialized":
		if snap.RecordedFrames > 0 {
			return fmt.Sprintf("Status: Suspended at %d%%", snap.Progress)
		}
		return "Status: Ready to upload"
	default:
		return "Status: " + snap.State
	}
}

func videoTitle(snap *session.Snapshot) string {
	if snap == nil {
		return "No video loaded"
	}
	return "Video: " + filepath.Base(snap.VideoPath)
}

func (t *Tray) Quit() {
	systray.Quit()
}
