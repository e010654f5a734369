package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/workspace"
)

const changeEventReady = "ready"

type changeEventPayload struct {
	Files      []string `json:"files,omitempty"`
	Generation uint64   `json:"generation"`
	Timestamp  int64    `json:"timestamp_s"`
}

// handleEvents streams change notifications as server-sent events until the
// client goes away.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.changes.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(changeEventReady, changeEventPayload{Timestamp: time.Now().Unix()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, changeEventPayload{
				Files:      message.Files,
				Generation: message.Generation,
				Timestamp:  message.Timestamp.Unix(),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(workspace.ChangeEventHeartbeat, changeEventPayload{Timestamp: tick.Unix()})
			return true
		}
	})
}
