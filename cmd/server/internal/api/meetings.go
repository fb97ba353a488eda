package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meetnote/meetnote/cmd/server/internal/meetings"
)

// ListMeetings 返回全部会议（新到旧）
func (h *Handler) ListMeetings(c *gin.Context) {
	successResponse(c, gin.H{"meetings": h.store.List()})
}

// GetMeeting 返回单个会议
func (h *Handler) GetMeeting(c *gin.Context) {
	m, err := h.store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, meetings.ErrNotFound) {
			notFoundResponse(c, "meeting")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, m)
}

// DeleteMeeting 删除会议
func (h *Handler) DeleteMeeting(c *gin.Context) {
	id := c.Param("id")
	if h.manager.Busy(id) {
		conflictResponse(c, "meeting has an active session")
		return
	}
	if err := h.store.Delete(id); err != nil {
		if errors.Is(err, meetings.ErrNotFound) {
			notFoundResponse(c, "meeting")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"deleted": id})
}

type renameRequest struct {
	Title string `json:"title" binding:"required"`
}

// RenameMeeting sets a manual title. Manual titles are never overwritten by
// the auto-title finalization stage.
func (h *Handler) RenameMeeting(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, err.Error())
		return
	}
	id := c.Param("id")
	if err := h.store.SetTitle(id, req.Title, meetings.TitleSourceManual); err != nil {
		if errors.Is(err, meetings.ErrNotFound) {
			notFoundResponse(c, "meeting")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"id": id, "title": req.Title})
}

// Events serves the live-update poll: all retained events after ?since=N.
func (h *Handler) Events(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		badRequestResponse(c, "invalid since parameter")
		return
	}
	evs := h.store.Events().Since(since)
	next := since
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	successResponse(c, gin.H{"events": evs, "next_since": next})
}

// Health 健康检查，附带转写后端探测
// A failing backend degrades the status but never fails the endpoint: the
// store and the control surface still work without it.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	healthy, err := h.transcriber.HealthCheck(ctx)
	if err != nil || !healthy {
		status = "degraded"
	}
	successResponse(c, gin.H{
		"status":    status,
		"recording": h.capture.IsActive(),
		"sessions":  h.manager.ActiveCount(),
		"transcriber": gin.H{
			"name":    h.transcriber.TranscriberName(),
			"healthy": healthy,
		},
	})
}
