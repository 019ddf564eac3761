package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func Router(h *Handler) http.Handler {
	r := gin.New()
	r.Use(RequestLogger(h.log), gin.Recovery())

	v1 := r.Group("/v1")
	v1.GET("/health", h.Health)

	v1.GET("/scheduler/status", h.SchedulerStatus)
	v1.POST("/scheduler/start", h.SchedulerStart)
	v1.POST("/scheduler/stop", h.SchedulerStop)

	v1.POST("/messages", h.SubmitMessage)
	v1.GET("/messages", h.ListMessages)
	v1.GET("/messages/posted", h.ListPostedMessages)
	v1.GET("/messages/:id", h.GetMessage)
	v1.GET("/messages/:id/publication", h.GetPublication)

	admin := v1.Group("/admin")
	admin.POST("/messages/bulk", h.BulkUpdate)
	admin.POST("/messages/:id/approve", h.Approve)
	admin.POST("/messages/:id/reject", h.Reject)
	admin.POST("/messages/:id/resubmit", h.Resubmit)
	admin.PUT("/messages/:id/text", h.EditText)
	admin.PUT("/messages/:id/note", h.SetNote)
	admin.POST("/publish/next", h.PublishNext)
	admin.POST("/publish/daily", h.PublishDaily)
	admin.GET("/stats", h.Stats)

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "insta-spotter")
	})

	return r
}

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
