package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SampleInterval() != DefaultSampleInterval {
		t.Errorf("SampleInterval = %d, want %d", cfg.SampleInterval(), DefaultSampleInterval)
	}
	if cfg.JPEGQuality() != DefaultJPEGQuality {
		t.Errorf("JPEGQuality = %d, want %d", cfg.JPEGQuality(), DefaultJPEGQuality)
	}
	if cfg.FrameRate() != DefaultFrameRate {
		t.Errorf("FrameRate = %v, want %v", cfg.FrameRate(), DefaultFrameRate)
	}
	if cfg.ArchiveEnabled() {
		t.Error("archive should be disabled without an endpoint")
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("RESTOLYTICS_SAMPLE_INTERVAL", "10")
	t.Setenv("RESTOLYTICS_REQUEST_TIMEOUT", "5s")
	t.Setenv("RESTOLYTICS_BACKEND_URL", "http://backend:8000/api/")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SampleInterval() != 10 {
		t.Errorf("SampleInterval = %d, want 10", cfg.SampleInterval())
	}
	if cfg.RequestTimeout() != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout())
	}
	if cfg.BackendURL() != "http://backend:8000/api" {
		t.Errorf("BackendURL = %q, want trailing slash trimmed", cfg.BackendURL())
	}
}

func TestNew_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := "port: 9100\njpeg_quality: 65\nframe_rate: 0\narchive_endpoint: minio:9000\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(EnvConfigFile, path)
	t.Setenv("RESTOLYTICS_PORT", "9200")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9200 {
		t.Errorf("Port = %d, want env to win over file", cfg.Port())
	}
	if cfg.JPEGQuality() != 65 {
		t.Errorf("JPEGQuality = %d, want 65 from file", cfg.JPEGQuality())
	}
	if cfg.FrameRate() != 0 {
		t.Errorf("FrameRate = %v, want 0 from file", cfg.FrameRate())
	}
	if !cfg.ArchiveEnabled() {
		t.Error("archive should be enabled when an endpoint is set")
	}
}

func TestNew_InvalidValues(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero interval", "RESTOLYTICS_SAMPLE_INTERVAL", "0"},
		{"quality too high", "RESTOLYTICS_JPEG_QUALITY", "101"},
		{"bad port", "RESTOLYTICS_PORT", "70000"},
		{"bad log format", "RESTOLYTICS_LOG_FORMAT", "xml"},
		{"not a number", "RESTOLYTICS_UPLOAD_RETRIES", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := New(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestNew_MissingFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := New(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
