package playback

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeVideo(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lunch.mp4")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

func TestServeFile_Full(t *testing.T) {
	path := writeVideo(t, 1000)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 1000 {
		t.Errorf("body length = %d, want 1000", rr.Body.Len())
	}
	if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want video/mp4", got)
	}
}

func TestServeFile_Range(t *testing.T) {
	path := writeVideo(t, 1000)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	req.Header.Set("Range", "bytes=100-199")
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	body := rr.Body.Bytes()
	if len(body) != 100 {
		t.Fatalf("body length = %d, want 100", len(body))
	}
	if body[0] != byte(100%251) {
		t.Errorf("first byte = %d, want %d", body[0], 100%251)
	}
}

func TestServeFile_Unsatisfiable(t *testing.T) {
	path := writeVideo(t, 1000)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	req.Header.Set("Range", "bytes=5000-")
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}

	if rr.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes */1000" {
		t.Errorf("Content-Range = %q, want bytes */1000", got)
	}
}

func TestServeFile_InvalidRangeServesWholeFile(t *testing.T) {
	path := writeVideo(t, 10)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	req.Header.Set("Range", "chars=0-1")
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusOK || rr.Body.Len() != 10 {
		t.Errorf("status/len = %d/%d, want 200/10", rr.Code, rr.Body.Len())
	}
}

func TestServeFile_HeadHasNoBody(t *testing.T) {
	path := writeVideo(t, 1000)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/playback/current", nil)
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("HEAD body length = %d, want 0", rr.Body.Len())
	}
	if got := rr.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q, want 1000", got)
	}
}

func TestServeFile_Missing(t *testing.T) {
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	if err := srv.ServeFile(rr, req, filepath.Join(t.TempDir(), "gone.mp4")); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.mp4":  "video/mp4",
		"a.MKV":  "video/x-matroska",
		"a.webm": "video/webm",
		"a.zzz":  "application/octet-stream",
	}
	for path, want := range tests {
		if got := contentType(path); got != want {
			t.Errorf("contentType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestServeFile_BackwardRangeServesWholeFile(t *testing.T) {
	path := writeVideo(t, 1000)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	req.Header.Set("Range", "bytes=500-100")
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusOK || rr.Body.Len() != 1000 {
		t.Errorf("status/len = %d/%d, want 200/1000", rr.Code, rr.Body.Len())
	}
	if got := rr.Header().Get("Content-Range"); got != "" {
		t.Errorf("Content-Range = %q, want none", got)
	}
}

func TestServeFile_EmptyFile(t *testing.T) {
	path := writeVideo(t, 0)
	srv := NewServer(nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/current", nil)
	if err := srv.ServeFile(rr, req, path); err != nil {
		t.Fatalf("ServeFile() error = %v", err)
	}
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Errorf("status/len = %d/%d, want 200/0", rr.Code, rr.Body.Len())
	}
	if got := rr.Header().Get("Content-Length"); got != "0" {
		t.Errorf("Content-Length = %q, want 0", got)
	}
}
