package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viralflow/internal/config"
	"viralflow/internal/frames"
	"viralflow/internal/pipeline"
	"viralflow/internal/store"
	"viralflow/internal/types"
)

type stubAnalyzer struct{}

func (stubAnalyzer) AnalyzeVideo(context.Context, []byte, string, string, string) (*types.VideoAnalysis, error) {
	a := &types.VideoAnalysis{
		PrimaryTrendingTitle: "Stub Title",
		KeyMoments:           make([]types.KeyMoment, 5),
	}
	for i := 0; i < 4; i++ {
		a.ThumbnailMoments = append(a.ThumbnailMoments, types.ThumbnailMoment{
			Seconds:       float64(i),
			SuggestedText: fmt.Sprintf("text-%d", i),
		})
	}
	return a, nil
}

func (stubAnalyzer) EnhanceFrame(_ context.Context, _, _, text, _, _, _ string) (string, error) {
	return "data:image/png;base64,enhanced-" + text, nil
}

type stubCapturer struct{}

func (stubCapturer) Open(_ context.Context, path string) (*frames.Handle, error) {
	return &frames.Handle{Path: path, Width: 1280, Height: 720, Duration: 30}, nil
}

func (stubCapturer) Capture(_ context.Context, _ *frames.Handle, at float64) ([]byte, error) {
	return []byte(fmt.Sprintf("frame-%.0f", at)), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Enhance.ThrottleMS = 1
	dir := t.TempDir()
	cfg.Paths.Uploads = filepath.Join(dir, "uploads")
	cfg.Paths.DBFile = filepath.Join(dir, "viralflow.db")

	st, err := store.Open(cfg.Paths.DBFile)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	orch := pipeline.New(cfg, stubAnalyzer{}, stubCapturer{}, nil, st, log)
	return New(cfg, orch, st, nil, log)
}

type apiResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Snap    pipeline.Snapshot `json:"-"`
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	if len(out.Data) > 0 && strings.HasPrefix(string(out.Data), "{") {
		_ = json.Unmarshal(out.Data, &out.Snap)
	}
	return resp.StatusCode, out
}

func uploadVideo(t *testing.T, s *Server, name string, payload []byte, vibe string) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("video", name)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	if vibe != "" {
		require.NoError(t, w.WriteField("vibe", vibe))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	if len(out.Data) > 0 {
		_ = json.Unmarshal(out.Data, &out.Snap)
	}
	return resp.StatusCode, out
}

func waitForState(t *testing.T, s *Server, runID string, want pipeline.State) pipeline.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, out := doJSON(t, s, http.MethodGet, "/api/v1/runs/"+runID, nil)
		require.Equal(t, http.StatusOK, code)
		if out.Snap.State == want || out.Snap.State == pipeline.StateError {
			require.Equal(t, want, out.Snap.State, "run error: %s", out.Snap.Error)
			return out.Snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached state %s", runID, want)
	return pipeline.Snapshot{}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, _ := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestVibesListsPresets(t *testing.T) {
	s := newTestServer(t)
	code, out := doJSON(t, s, http.MethodGet, "/api/v1/vibes", nil)
	require.Equal(t, http.StatusOK, code)

	var presets []VibePreset
	require.NoError(t, json.Unmarshal(out.Data, &presets))
	require.Len(t, presets, 5)
	assert.Equal(t, "cinematic", presets[0].ID)
}

func TestFullRunLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, out := uploadVideo(t, s, "clip.mp4", []byte("fake video bytes"), "retro")
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, pipeline.StateReady, out.Snap.State)
	runID := out.Snap.ID

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+runID+"/start", nil)
	require.Equal(t, http.StatusAccepted, code)

	snap := waitForState(t, s, runID, pipeline.StateCompleted)
	require.Len(t, snap.Thumbnails, 4)
	assert.NotEmpty(t, snap.SavedID)

	// starting again conflicts
	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+runID+"/start", nil)
	assert.Equal(t, http.StatusConflict, code)

	// feedback toggles through the endpoint
	thumbID := snap.Thumbnails[0].ID
	code, out = doJSON(t, s, http.MethodPost, "/api/v1/thumbnails/"+thumbID+"/feedback",
		fiber.Map{"runId": runID, "feedback": "up"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.FeedbackUp, out.Snap.Thumbnails[0].Feedback)

	code, out = doJSON(t, s, http.MethodPost, "/api/v1/thumbnails/"+thumbID+"/feedback",
		fiber.Map{"runId": runID, "feedback": "up"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.FeedbackNone, out.Snap.Thumbnails[0].Feedback)

	// regeneration with a text override
	code, out = doJSON(t, s, http.MethodPost, "/api/v1/thumbnails/"+thumbID+"/regenerate",
		fiber.Map{"runId": runID, "text": "new overlay"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "new overlay", out.Snap.Thumbnails[0].SuggestedText)

	// history now has exactly one entry for the guest user
	code, hist := doJSON(t, s, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []types.StoredAnalysis
	require.NoError(t, json.Unmarshal(hist.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "clip.mp4", entries[0].VideoName)
	assert.Equal(t, "retro", entries[0].Vibe)

	// the stored entry can be recalled individually
	code, _ = doJSON(t, s, http.MethodGet, "/api/v1/history/"+entries[0].ID, nil)
	assert.Equal(t, http.StatusOK, code)

	// reset clears the view but keeps history
	code, out = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+runID+"/reset", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, pipeline.StateIdle, out.Snap.State)

	code, hist = doJSON(t, s, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(hist.Data, &entries))
	assert.Len(t, entries, 1)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Server.MaxUploadMB = 1

	code, out := uploadVideo(t, s, "big.mp4", make([]byte, 1024*1024+1), "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out.Message, "under 1MB")
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)

	code, out := doJSON(t, s, http.MethodPost, "/api/v1/auth/register",
		fiber.Map{"email": "creator@example.com", "password": "hunter22", "name": "Creator"})
	require.Equal(t, http.StatusCreated, code)

	var user types.User
	require.NoError(t, json.Unmarshal(out.Data, &user))
	assert.Empty(t, user.Password)
	assert.Equal(t, "Creator", user.Name)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/auth/register",
		fiber.Map{"email": "creator@example.com", "password": "other22", "name": "Impostor"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/auth/login",
		fiber.Map{"email": "creator@example.com", "password": "hunter22"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/auth/login",
		fiber.Map{"email": "creator@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = doJSON(t, s, http.MethodPost, "/api/v1/auth/register",
		fiber.Map{"email": "not-an-email", "password": "hunter22", "name": "X"})
	assert.Equal(t, http.StatusBadRequest, code)
}

type failingStore struct{ Store }

func (failingStore) ListByOwner(string) ([]types.StoredAnalysis, error) {
	return nil, errors.New("database unavailable")
}

func TestHistoryFailureResolvesToEmptyList(t *testing.T) {
	s := newTestServer(t)
	s.store = failingStore{}

	code, out := doJSON(t, s, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "[]", strings.TrimSpace(string(out.Data)))
}

func TestLoadHistoryEntryNotFound(t *testing.T) {
	s := newTestServer(t)
	code, _ := doJSON(t, s, http.MethodGet, "/api/v1/history/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPublishUnconfigured(t *testing.T) {
	s := newTestServer(t)
	code, out := doJSON(t, s, http.MethodPost, "/api/v1/runs/any/publish", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, out.Message, "not configured")
}
