package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meetnote/meetnote/cmd/server/internal/audio"
	"github.com/meetnote/meetnote/cmd/server/internal/config"
	"github.com/meetnote/meetnote/cmd/server/internal/meetings"
)

// TranscriberHealth is the slice of the transcription pipeline the health
// endpoint checks. *transcription.Pipeline satisfies it.
type TranscriberHealth interface {
	HealthCheck(ctx context.Context) (bool, error)
	TranscriberName() string
}

// Handler carries the collaborators the HTTP layer dispatches into. The core
// packages never import gin; this layer stays a thin adapter.
type Handler struct {
	cfg         *config.Config
	store       *meetings.Store
	capture     *audio.CaptureService
	manager     *meetings.Manager
	transcriber TranscriberHealth
}

// NewHandler wires the control surface.
func NewHandler(cfg *config.Config, store *meetings.Store, capture *audio.CaptureService, manager *meetings.Manager, transcriber TranscriberHealth) *Handler {
	return &Handler{cfg: cfg, store: store, capture: capture, manager: manager, transcriber: transcriber}
}

// StartRecording opens the microphone, creates a meeting, and launches the
// live transcription session over the capture service's tap.
func (h *Handler) StartRecording(c *gin.Context) {
	rate := h.cfg.Audio.SampleRate
	channels := h.cfg.Audio.Channels
	outPath := filepath.Join(h.cfg.Data.RecordingsDir,
		fmt.Sprintf("rec-%s.wav", time.Now().Format("20060102-150405")))

	sessionID, err := h.capture.StartRecording(audio.CaptureOptions{
		OutputPath: outPath,
		SampleRate: rate,
		Channels:   channels,
	})
	if err != nil {
		if errors.Is(err, audio.ErrRecordingActive) {
			conflictResponse(c, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	// the tap must exist before the mic source snapshots it
	h.capture.EnableLiveTap()
	source := audio.NewMicSource(h.capture)

	meeting, err := h.store.CreateMeeting(outPath, rate, channels)
	if err != nil {
		source.Stop()
		h.capture.DisableLiveTap()
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	h.manager.StartSession(meeting.ID, source)
	successResponse(c, gin.H{
		"meeting_id": meeting.ID,
		"session_id": sessionID,
		"audio_path": outPath,
	})
}

// StopRecording requests a cooperative stop. Buffered audio keeps processing
// in the background; the response reports "stopping", not "stopped".
func (h *Handler) StopRecording(c *gin.Context) {
	meetingID := c.Param("id")
	if !h.manager.Stop(meetingID) {
		notFoundResponse(c, "active session")
		return
	}
	h.capture.DisableLiveTap()
	successResponse(c, gin.H{
		"meeting_id": meetingID,
		"status":     "stopping",
	})
}

type transcribeFileRequest struct {
	Path         string `json:"path" binding:"required"`
	SpeedPercent *int   `json:"speed_percent"`
}

// TranscribeFile starts a playback-at-speed transcription session over a
// recorded WAV file.
func (h *Handler) TranscribeFile(c *gin.Context) {
	var req transcribeFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, err.Error())
		return
	}
	if _, err := os.Stat(req.Path); err != nil {
		notFoundResponse(c, "audio file")
		return
	}
	speed := 0 // 默认不限速
	if req.SpeedPercent != nil {
		speed = *req.SpeedPercent
	}

	source, err := audio.NewFileSource(req.Path, speed)
	if err != nil {
		badRequestResponse(c, err.Error())
		return
	}
	md := source.Metadata()

	meeting, err := h.store.CreateMeeting(req.Path, md.SampleRate, md.Channels)
	if err != nil {
		source.Stop()
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	h.manager.StartSession(meeting.ID, source)
	successResponse(c, gin.H{
		"meeting_id":    meeting.ID,
		"speed_percent": speed,
	})
}

// SessionStatus reports which phase a meeting is in (transcribing,
// finalizing, idle) and where its finalization stands. Failed stages are
// surfaced here because the sweep never retries them on its own.
func (h *Handler) SessionStatus(c *gin.Context) {
	meetingID := c.Param("id")
	if _, err := h.store.Get(meetingID); err != nil {
		notFoundResponse(c, "meeting")
		return
	}
	pending, _ := h.store.PendingStages(meetingID)
	failed, _ := h.store.FailedStages(meetingID)
	successResponse(c, gin.H{
		"meeting_id":     meetingID,
		"phase":          h.manager.Status(meetingID),
		"pending_stages": pending,
		"failed_stages":  failed,
	})
}
