// Package playback serves the loaded video to the local dashboard's player
// with byte-range support.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type PlaybackService interface {
	ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error
}

// videoTypes covers containers that mime.TypeByExtension often misses.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ServeFile writes filePath honoring a single Range header. HEAD requests
// get headers only.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "not a file", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType(filePath))
	w.Header().Set("Cache-Control", "no-store")

	span, partial, err := parseSpan(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		w.Header().Set("Content-Range", unsatisfiedRange(size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// An unparseable Range header is ignored and the whole file served.
		partial = false
	case err != nil:
		return err
	}

	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", span.ContentRange(size))
		status = http.StatusPartialContent
	} else {
		span = Span{First: 0, Last: size - 1}
	}
	w.Header().Set("Content-Length", strconv.FormatInt(span.Len(), 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead || span.Len() <= 0 {
		return nil
	}

	if _, err := file.Seek(span.First, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	n, err := io.CopyN(w, file, span.Len())
	s.logCopy(filePath, n, err)
	return nil
}

// logCopy records aborted transfers, which players cause routinely when
// seeking.
func (s *Server) logCopy(path string, n int64, err error) {
	if err != nil && s.logger != nil {
		s.logger.Debug("playback copy interrupted", "path", path, "bytes", n, "error", err)
	}
}
