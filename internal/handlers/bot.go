package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yuyu-dev/yuyu/internal/bot"
	"github.com/yuyu-dev/yuyu/internal/config"
	apperrors "github.com/yuyu-dev/yuyu/internal/errors"
)

// BotHandler serves the upstream connection settings and status the UI
// renders.
type BotHandler struct {
	store *config.BotConfigStore
	bot   *bot.Client

	// base is the lifetime context connection tasks attach to, so they
	// outlive the request that started them but die with the host.
	base context.Context
}

// NewBotHandler creates the handler.
func NewBotHandler(store *config.BotConfigStore, client *bot.Client, base context.Context) *BotHandler {
	return &BotHandler{store: store, bot: client, base: base}
}

// RegisterRoutes mounts the bot endpoints under /api.
func (h *BotHandler) RegisterRoutes(rg *gin.RouterGroup) {
	botGroup := rg.Group("/bot")
	{
		botGroup.GET("/config", h.getConfig)
		botGroup.POST("/config", h.saveConfig)
		botGroup.GET("/status", h.status)
		botGroup.GET("/status/stream", h.statusStream)
		botGroup.POST("/connect", h.connect)
		botGroup.POST("/disconnect", h.disconnect)
	}
}

func (h *BotHandler) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, apperrors.OK(h.store.Get()))
}

func (h *BotHandler) saveConfig(c *gin.Context) {
	var cfg config.BotConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.Fail(apperrors.BadRequest("invalid body")))
		return
	}
	if cfg.Host == "" {
		c.JSON(http.StatusBadRequest, apperrors.Fail(apperrors.BadRequest("host is required")))
		return
	}
	if err := h.store.Set(cfg); err != nil {
		c.JSON(http.StatusOK, apperrors.Fail(apperrors.IO("save bot config", err)))
		return
	}
	c.JSON(http.StatusOK, apperrors.OK("Config saved"))
}

func (h *BotHandler) status(c *gin.Context) {
	c.JSON(http.StatusOK, apperrors.OK(h.bot.Status()))
}

func (h *BotHandler) statusStream(c *gin.Context) {
	ch, cancel := h.bot.Subscribe()
	defer cancel()

	sseHeaders(c)

	// Lead with the current state so the UI renders immediately.
	if !writeSSEJSON(c, h.bot.Status()) {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-ch:
			if !ok {
				return
			}
			if !writeSSEJSON(c, status) {
				return
			}
		}
	}
}

func (h *BotHandler) connect(c *gin.Context) {
	h.bot.Connect(h.base)
	c.JSON(http.StatusOK, apperrors.OK("Connecting"))
}

func (h *BotHandler) disconnect(c *gin.Context) {
	h.bot.Disconnect()
	c.JSON(http.StatusOK, apperrors.OK("Disconnected"))
}
