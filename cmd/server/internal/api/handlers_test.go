package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetnote/meetnote/cmd/server/internal/audio"
	"github.com/meetnote/meetnote/cmd/server/internal/config"
	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/meetings"
	"github.com/meetnote/meetnote/cmd/server/internal/summarize"
	"github.com/meetnote/meetnote/cmd/server/internal/transcription"
	"github.com/meetnote/meetnote/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init(logger.Config{Level: "error", Environment: "test"}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type nopChunkTranscriber struct{}

func (nopChunkTranscriber) TranscribeChunk(ctx context.Context, audioPath string, offset float64) ([]transcription.Segment, string, float64, error) {
	return nil, "unknown", 0, nil
}
func (nopChunkTranscriber) ChunkSeconds() int { return 2 }

type stubTranscriberHealth struct {
	healthy bool
	err     error
}

func (s stubTranscriberHealth) HealthCheck(ctx context.Context) (bool, error) {
	return s.healthy, s.err
}
func (s stubTranscriberHealth) TranscriberName() string { return "stub" }

func newTestRouter(t *testing.T, th TranscriberHealth) (*gin.Engine, *meetings.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := meetings.NewStore(filepath.Join(t.TempDir(), "meetings.json"))
	require.NoError(t, err)
	batch, err := diarization.NewBatchProvider(diarization.BackendNone, diarization.BatchOptions{})
	require.NoError(t, err)
	fin := meetings.NewFinalizer(store, batch, summarize.NewMockProvider(), 0, 0, 0)
	mgr := meetings.NewManager(store, nopChunkTranscriber{}, func() *diarization.Realtime {
		return diarization.NewRealtime(false, nil)
	}, fin, t.TempDir())
	capture := audio.NewCaptureService("ffmpeg", "default", 8, time.Second)

	h := NewHandler(&config.Config{}, store, capture, mgr, th)
	return NewRouter(h), store
}

func TestHealthReportsTranscriberStatus(t *testing.T) {
	r, _ := newTestRouter(t, stubTranscriberHealth{healthy: true})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status      string `json:"status"`
		Transcriber struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
		} `json:"transcriber"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "stub", body.Transcriber.Name)
	assert.True(t, body.Transcriber.Healthy)
}

func TestHealthDegradesWhenTranscriberDown(t *testing.T) {
	r, _ := newTestRouter(t, stubTranscriberHealth{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// the endpoint itself stays up: the store and control surface still work
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestSessionStatusReportsStages(t *testing.T) {
	r, store := newTestRouter(t, stubTranscriberHealth{healthy: true})

	m, err := store.CreateMeeting("/rec/a.wav", 16000, 1)
	require.NoError(t, err)
	require.NoError(t, store.MarkStage(m.ID, meetings.StageSummary, meetings.StageFailed))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/meetings/"+m.ID+"/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Phase   string   `json:"phase"`
		Pending []string `json:"pending_stages"`
		Failed  []string `json:"failed_stages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, meetings.PhaseIdle, body.Phase)
	assert.Equal(t, []string{meetings.StageSummary}, body.Failed)
	assert.NotContains(t, body.Pending, meetings.StageSummary, "a failed stage is never pending again")
}

func TestSessionStatusUnknownMeeting(t *testing.T) {
	r, _ := newTestRouter(t, stubTranscriberHealth{healthy: true})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/meetings/nope/status", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
