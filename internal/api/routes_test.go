package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/restolytics/restolytics-agent/internal/backend/backendtest"
	"github.com/restolytics/restolytics-agent/internal/db"
	"github.com/restolytics/restolytics-agent/internal/history"
	"github.com/restolytics/restolytics-agent/internal/media"
	"github.com/restolytics/restolytics-agent/internal/playback"
	"github.com/restolytics/restolytics-agent/internal/session"
)

const testToken = "test-token-0123456789"

type fakeSource struct {
	meta media.Metadata
}

func (s *fakeSource) Dimensions() (int, int)   { return s.meta.Width, s.meta.Height }
func (s *fakeSource) Metadata() media.Metadata { return s.meta }

func (s *fakeSource) Seek(ctx context.Context, ts time.Duration) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, s.meta.Width, s.meta.Height)), nil
}

type fakeTools struct{}

func (fakeTools) Get(ctx context.Context) media.Capabilities {
	return media.Capabilities{
		FFmpeg:   media.ToolInfo{Available: true, Version: "6.1"},
		FFprobe:  media.ToolInfo{Available: true, Version: "6.1"},
		ProbedAt: time.Now(),
	}
}

type testEnv struct {
	router http.Handler
	ctrl   *session.Controller
	fake   *backendtest.Fake
	repo   history.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := history.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), AuthTokenKey, testToken); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fake := backendtest.New()
	open := func(ctx context.Context, path string) (session.Source, error) {
		return &fakeSource{meta: media.Metadata{Duration: 4 * time.Second, Width: 32, Height: 24, FrameRate: 25}}, nil
	}
	ctrl := session.NewController(ctx, open, session.Settings{SampleInterval: 5, JPEGQuality: 80}, session.Deps{
		Backend:  fake,
		Recorder: history.NewRecorder(repo, logger),
		Logger:   logger,
	})

	router := NewRouter(ServerConfig{
		Controller:     ctrl,
		History:        repo,
		PlaybackServer: playback.NewServer(logger),
		Doctor:         fakeTools{},
		Logger:         logger,
		StartTime:      time.Now().Add(-10 * time.Second),
		AgentID:        "test-agent",
		Version:        "test",
	})

	return &testEnv{router: router, ctrl: ctrl, fake: fake, repo: repo}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.ctrl.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lunch.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v (%q)", err, rr.Body.String())
	}

	return body
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["agent_id"] != "test-agent" {
		t.Errorf("agent_id = %v, want test-agent", body["agent_id"])
	}
	if up, _ := body["uptime_s"].(float64); up < 10 {
		t.Errorf("uptime_s = %v, want >= 10", body["uptime_s"])
	}
}

func TestStatus_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestStatus_Idle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}

	body := decodeJSONBody(t, rr)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if _, ok := body["session"]; ok {
		t.Error("session should be omitted before a video is loaded")
	}
	tools, ok := body["tools"].(map[string]interface{})
	if !ok {
		t.Fatal("tools missing from response")
	}
	if tools["ready"] != true {
		t.Errorf("tools.ready = %v, want true", tools["ready"])
	}
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	env.fake.FailFrames[25] = -1
	path := writeVideo(t)

	rr := env.do(t, http.MethodPost, "/sessions", LoadRequest{Path: path})
	if rr.Code != http.StatusCreated {
		t.Fatalf("load status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var loaded LoadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("decode load response: %v", err)
	}
	if loaded.Session.State != "initialized" {
		t.Errorf("state = %q, want initialized", loaded.Session.State)
	}
	if loaded.Session.TotalFrames != 100 || loaded.Session.SampledFrames != 20 {
		t.Errorf("frames = %d/%d, want 100/20", loaded.Session.TotalFrames, loaded.Session.SampledFrames)
	}

	if rr := env.do(t, http.MethodPost, "/sessions/current/play", nil); rr.Code != http.StatusOK {
		t.Fatalf("play status = %d: %s", rr.Code, rr.Body.String())
	}
	env.wait(t)

	rr = env.do(t, http.MethodGet, "/sessions/current", nil)
	current := decodeJSONBody(t, rr)
	if current["state"] != "completed" {
		t.Errorf("state = %v, want completed", current["state"])
	}
	if current["progress"] != float64(100) {
		t.Errorf("progress = %v, want 100", current["progress"])
	}

	rr = env.do(t, http.MethodGet, "/sessions/current/frames", nil)
	var frames FramesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &frames); err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	if len(frames.Frames) != 20 {
		t.Fatalf("len(frames) = %d, want 20", len(frames.Frames))
	}
	if frames.Frames[5].Frame != 25 || !frames.Frames[5].Error {
		t.Errorf("frame 25 should be errored: %+v", frames.Frames[5])
	}

	rr = env.do(t, http.MethodGet, "/sessions/current/cursor?t=0.2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cursor status = %d: %s", rr.Code, rr.Body.String())
	}
	var cur session.Cursor
	if err := json.Unmarshal(rr.Body.Bytes(), &cur); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if cur.Frame != 5 || len(cur.Faces) != 1 {
		t.Errorf("cursor = frame %d with %d faces, want frame 5 with 1 face", cur.Frame, len(cur.Faces))
	}

	rr = env.do(t, http.MethodGet, "/sessions/current/stats?max_frame_id=50", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/sessions", nil)
	var list SessionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(list.Sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(list.Sessions))
	}
	stored := list.Sessions[0]
	if stored.State != "completed" || stored.ProcessedFrames != 19 || stored.FailedFrames != 1 {
		t.Errorf("stored session = %+v", stored)
	}

	rr = env.do(t, http.MethodGet, "/sessions/"+stored.ID+"/frames", nil)
	var storedFrames StoredFramesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &storedFrames); err != nil {
		t.Fatalf("decode stored frames: %v", err)
	}
	if len(storedFrames.Frames) != 20 {
		t.Errorf("len(stored frames) = %d, want 20", len(storedFrames.Frames))
	}
}

func TestLoad_Validation(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	notVideo := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notVideo, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	videoDir := filepath.Join(dir, "clips.mp4")
	if err := os.Mkdir(videoDir, 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty path", LoadRequest{}},
		{"not a video", LoadRequest{Path: notVideo}},
		{"missing file", LoadRequest{Path: filepath.Join(dir, "gone.mp4")}},
		{"directory", LoadRequest{Path: videoDir}},
		{"negative interval", LoadRequest{Path: writeVideo(t), SampleInterval: -1}},
		{"bad json", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/sessions", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestLoad_InitFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fake.InitErr = errors.New("backend down")

	rr := env.do(t, http.MethodPost, "/sessions", LoadRequest{Path: writeVideo(t)})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
	var resp LoadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session == nil || resp.Session.State != "error" {
		t.Errorf("session = %+v, want error state", resp.Session)
	}
	if resp.Code != "BACKEND_ERROR" {
		t.Errorf("code = %q, want BACKEND_ERROR", resp.Code)
	}

	if rr := env.do(t, http.MethodPost, "/sessions/current/play", nil); rr.Code != http.StatusConflict {
		t.Errorf("play after init failure = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestControl_NoSession(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/sessions/current/play", "/sessions/current/stop", "/sessions/current/ended"} {
		rr := env.do(t, http.MethodPost, path, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want %d", path, rr.Code, http.StatusNotFound)
		}
		if body := decodeJSONBody(t, rr); body["code"] != "NO_SESSION" {
			t.Errorf("%s code = %v, want NO_SESSION", path, body["code"])
		}
	}
}

func TestControl_SuspendWithoutRun(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/sessions", LoadRequest{Path: writeVideo(t)})

	rr := env.do(t, http.MethodPost, "/sessions/current/suspend", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusConflict)
	}

	// Pause is accepted and changes nothing.
	rr = env.do(t, http.MethodPost, "/sessions/current/pause", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("pause status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := decodeJSONBody(t, rr); body["state"] != "initialized" {
		t.Errorf("state = %v, want initialized", body["state"])
	}
}

func TestCursor_BadParam(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/sessions", LoadRequest{Path: writeVideo(t)})

	for _, q := range []string{"", "?t=abc", "?t=-1", "?t=NaN", "?t=Inf", "?t=%2BInf", "?t=-Inf"} {
		rr := env.do(t, http.MethodGet, "/sessions/current/cursor"+q, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("cursor%s status = %d, want %d", q, rr.Code, http.StatusBadRequest)
		}
	}

	rr := env.do(t, http.MethodGet, "/sessions/current/stats?max_frame_id=0", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("stats max_frame_id=0 status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStoredFrames_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/sessions/nope/frames", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestPlayback_CurrentVideo(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/playback/current")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before load = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	env.do(t, http.MethodPost, "/sessions", LoadRequest{Path: writeVideo(t)})

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/playback/current", nil)
	req.Header.Set("Range", "bytes=0-5")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusPartialContent)
	}
	if string(body) != "not re" {
		t.Errorf("body = %q, want %q", body, "not re")
	}

	req, _ = http.NewRequest(http.MethodHead, server.URL+"/playback/current", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Errorf("HEAD = %d with %d bytes, want 200 with none", resp.StatusCode, len(body))
	}
}

func TestMetricsRoute(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})
	router := NewRouter(ServerConfig{Logger: logger, Metrics: metrics, StartTime: time.Now()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "# metrics" {
		t.Errorf("metrics = %d %q", rr.Code, rr.Body.String())
	}
}
