package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docchat/internal/pipeline"
)

const eventKeepAlive = 25 * time.Second

// documentEvents streams pipeline status changes as server-sent events.
// Polling /pdf/list stays the primary way to observe progress.
func (h *Handler) documentEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": gin.H{"error": "status events are disabled"}})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	ctx := c.Request.Context()
	sub, err := h.events.Subscribe(ctx, pipeline.StatusChannel)
	if err != nil {
		h.log.Error("subscribe status events failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": gin.H{"error": "status events unavailable"}})
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(eventKeepAlive)
	defer ticker.Stop()
	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "event: status\ndata: %s\n\n", msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
