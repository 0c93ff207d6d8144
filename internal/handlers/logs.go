package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	apperrors "github.com/yuyu-dev/yuyu/internal/errors"
	"github.com/yuyu-dev/yuyu/internal/logger"
)

// LogsHandler exposes the host's own log buffer to the UI.
type LogsHandler struct {
	ring *logger.Ring
}

// NewLogsHandler creates the handler around the given ring (normally
// logger.Buffer).
func NewLogsHandler(ring *logger.Ring) *LogsHandler {
	return &LogsHandler{ring: ring}
}

// RegisterRoutes mounts the log endpoints under /api.
func (h *LogsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/logs", h.list)
	rg.POST("/logs/clear", h.clear)
	rg.GET("/logs/stream", h.stream)
}

func (h *LogsHandler) list(c *gin.Context) {
	c.JSON(http.StatusOK, apperrors.OK(gin.H{"logs": h.ring.Entries()}))
}

func (h *LogsHandler) clear(c *gin.Context) {
	h.ring.Clear()
	c.JSON(http.StatusOK, apperrors.OK("Logs cleared"))
}

var logsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// stream follows new log entries over a WebSocket, one JSON entry per text
// message.
func (h *LogsHandler) stream(c *gin.Context) {
	conn, err := logsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := h.ring.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			raw, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}
