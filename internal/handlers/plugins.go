// Package handlers implements the host control API the UI consumes and the
// one plugin-facing endpoint (set_webui) that lives on the main listener.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	apperrors "github.com/yuyu-dev/yuyu/internal/errors"
	"github.com/yuyu-dev/yuyu/internal/plugin"
	"github.com/yuyu-dev/yuyu/internal/proxy"
)

// PluginHandler exposes plugin lifecycle operations. Thin over the Manager.
type PluginHandler struct {
	mgr *plugin.Manager
}

// NewPluginHandler creates the handler.
func NewPluginHandler(mgr *plugin.Manager) *PluginHandler {
	return &PluginHandler{mgr: mgr}
}

// RegisterRoutes mounts the plugin endpoints under /api.
func (h *PluginHandler) RegisterRoutes(rg *gin.RouterGroup) {
	plugins := rg.Group("/plugins")
	{
		plugins.GET("/list", h.list)
		plugins.GET("/events_stream", h.eventsStream)
		plugins.POST("/:id/start", h.start)
		plugins.POST("/:id/stop", h.stop)
		plugins.POST("/:id/uninstall", h.uninstall)
		plugins.GET("/:id/output", h.output)
		plugins.POST("/:id/output/clear", h.clearOutput)
		plugins.GET("/:id/output/stream", h.outputStream)
		plugins.POST("/:id/open_dir", h.openDir)
		plugins.POST("/:id/open_data_dir", h.openDataDir)
	}
}

// RegisterPluginFacing mounts the endpoints plugins call with their run
// token. These live on the router root, matching the path plugins are given.
func (h *PluginHandler) RegisterPluginFacing(router *gin.Engine) {
	router.POST("/set_webui", proxy.PluginAuth(h.mgr), h.setWebUI)
}

// list triggers a rescan, then returns one record per plugin.
func (h *PluginHandler) list(c *gin.Context) {
	if err := h.mgr.LoadPlugins(); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK(h.mgr.List()))
}

func (h *PluginHandler) start(c *gin.Context) {
	if err := h.mgr.StartPlugin(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK("Plugin starting"))
}

func (h *PluginHandler) stop(c *gin.Context) {
	if err := h.mgr.StopPlugin(c.Param("id"), true); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK("Plugin stopping"))
}

func (h *PluginHandler) uninstall(c *gin.Context) {
	if err := h.mgr.DeletePlugin(c.Param("id")); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK("Plugin uninstalled"))
}

func (h *PluginHandler) output(c *gin.Context) {
	rec, ok := h.mgr.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.NotFound("plugin")))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK(rec.Output()))
}

func (h *PluginHandler) clearOutput(c *gin.Context) {
	if err := h.mgr.ClearOutput(c.Param("id")); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK("Output cleared"))
}

func (h *PluginHandler) openDir(c *gin.Context) {
	rec, ok := h.mgr.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.NotFound("plugin")))
		return
	}
	openInFileManager(rec.PluginDir)
	c.JSON(http.StatusOK, apperrors.OK("Opening directory"))
}

func (h *PluginHandler) openDataDir(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.mgr.Get(id); !ok {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.NotFound("plugin")))
		return
	}
	dir := h.mgr.Paths().PluginDataDir(id)
	openInFileManager(dir)
	c.JSON(http.StatusOK, apperrors.OK("Opening directory"))
}

// unionEvent is one frame of the combined plugin event stream.
type unionEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// eventsStream is the SSE union of output and status events across all
// plugins.
func (h *PluginHandler) eventsStream(c *gin.Context) {
	outputCh, cancelOutput := h.mgr.SubscribeOutput()
	defer cancelOutput()
	statusCh, cancelStatus := h.mgr.SubscribeStatus()
	defer cancelStatus()

	sseHeaders(c)

	ctx := c.Request.Context()
	for {
		var frame unionEvent
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-outputCh:
			if !ok {
				return
			}
			frame = unionEvent{Type: "output", Data: ev}
		case ev, ok := <-statusCh:
			if !ok {
				return
			}
			frame = unionEvent{Type: "status", Data: ev}
		}
		if !writeSSEJSON(c, frame) {
			return
		}
	}
}

// outputStream replays a plugin's buffered lines, then follows new ones.
func (h *PluginHandler) outputStream(c *gin.Context) {
	id := c.Param("id")
	rec, ok := h.mgr.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, apperrors.Fail(apperrors.NotFound("plugin")))
		return
	}

	// Subscribe before reading the buffer so no line can fall between
	// replay and follow.
	outputCh, cancel := h.mgr.SubscribeOutput()
	defer cancel()

	sseHeaders(c)

	for _, line := range rec.Output() {
		if !writeSSEJSON(c, plugin.OutputEvent{PluginID: id, Line: line}) {
			return
		}
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-outputCh:
			if !ok {
				return
			}
			if ev.PluginID != id {
				continue
			}
			if !writeSSEJSON(c, ev) {
				return
			}
		}
	}
}

// setWebUIRequest is the body of the plugin-facing set_webui call.
type setWebUIRequest struct {
	WebUI string `json:"webui"`
}

func (h *PluginHandler) setWebUI(c *gin.Context) {
	var req setWebUIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.Fail(apperrors.BadRequest("invalid body")))
		return
	}

	if err := h.mgr.SetPluginWebUI(proxy.PluginID(c), req.WebUI); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(err))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK("WebUI registered"))
}

// sseHeaders prepares a response for server-sent events.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()
}

// writeSSEJSON sends one JSON-encoded SSE data frame; false means the client
// is gone.
func writeSSEJSON(c *gin.Context, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if err := sse.Encode(c.Writer, sse.Event{Data: string(raw)}); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
