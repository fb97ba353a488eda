package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetnote/meetnote/cmd/server/internal/middleware"
)

// NewRouter assembles the control surface.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api")
	{
		v1.POST("/recordings/start", h.StartRecording)
		v1.POST("/recordings/:id/stop", h.StopRecording)
		v1.POST("/transcriptions/file", h.TranscribeFile)

		v1.GET("/meetings", h.ListMeetings)
		v1.GET("/meetings/:id", h.GetMeeting)
		v1.DELETE("/meetings/:id", h.DeleteMeeting)
		v1.PUT("/meetings/:id/title", h.RenameMeeting)
		v1.GET("/meetings/:id/status", h.SessionStatus)

		v1.GET("/events", h.Events)
	}

	return r
}
