package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRange means the Range header is malformed and is ignored.
	ErrInvalidRange = errors.New("invalid range format")
	// ErrUnsatisfiable means the range starts past the end of the video.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Span is an inclusive byte span of a video file, as requested by a player
// seeking into it.
type Span struct {
	First int64
	Last  int64
}

func (s Span) Len() int64 {
	return s.Last - s.First + 1
}

// ContentRange formats the Content-Range value for a file of size bytes.
func (s Span) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", s.First, s.Last, size)
}

func unsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// parseSpan resolves a Range header against a file of size bytes. ok is
// false when the header is absent and the whole file should be sent.
// Players only ever ask for one span; of a multi-range header the first
// span is used.
func parseSpan(header string, size int64) (span Span, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Span{}, false, nil
	}

	unit, set, found := strings.Cut(header, "=")
	if !found || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return Span{}, false, ErrInvalidRange
	}
	first, _, _ := strings.Cut(set, ",")
	from, to, found := strings.Cut(strings.TrimSpace(first), "-")
	if !found {
		return Span{}, false, ErrInvalidRange
	}
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)

	if size <= 0 {
		return Span{}, false, ErrUnsatisfiable
	}

	if from == "" {
		// Suffix form: the last n bytes, used by players probing for a
		// trailing moov atom.
		n, err := parseOffset(to)
		if err != nil || n == 0 {
			return Span{}, false, ErrInvalidRange
		}
		return Span{First: max(size-n, 0), Last: size - 1}, true, nil
	}

	start, err := parseOffset(from)
	if err != nil {
		return Span{}, false, ErrInvalidRange
	}
	end := size - 1
	if to != "" {
		if end, err = parseOffset(to); err != nil || end < start {
			return Span{}, false, ErrInvalidRange
		}
	}

	if start >= size {
		return Span{}, false, ErrUnsatisfiable
	}
	return Span{First: start, Last: min(end, size-1)}, true, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, ErrInvalidRange
	}
	return strconv.ParseInt(s, 10, 64)
}
