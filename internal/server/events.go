package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const realtimeHeartbeatInterval = 25 * time.Second

// handleEventStream streams catalog changes as server-sent events. Without business_id every
// change is delivered; with it only changes of that business.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	topic := RealtimeTopicCatalog
	if rawBusinessID := strings.TrimSpace(c.Query("business_id")); rawBusinessID != "" {
		businessID, err := strconv.ParseUint(rawBusinessID, 10, 64)
		if err != nil || businessID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": messageInvalidBusiness})
			return
		}
		topic = BusinessTopic(uint(businessID))
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), topic)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC(), "source": realtimeSourceBackend})
			return true
		}
	})
}
