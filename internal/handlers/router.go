package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/middleware"
)

// Deps bundles everything the control API surface needs.
type Deps struct {
	Plugins *PluginHandler
	System  *SystemHandler
	Bot     *BotHandler
	Logs    *LogsHandler
	Log     *zerolog.Logger
}

// NewRouter assembles the main listener: the control API under /api plus the
// plugin-facing set_webui endpoint at the root.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(middleware.StructuredLogger(deps.Log,
		"/api/plugins/events_stream",
		"/api/logs/stream",
		"/api/bot/status/stream",
	))
	router.Use(middleware.CORS())

	deps.Plugins.RegisterPluginFacing(router)

	api := router.Group("/api")
	{
		deps.Plugins.RegisterRoutes(api)
		deps.System.RegisterRoutes(api)
		deps.Bot.RegisterRoutes(api)
		deps.Logs.RegisterRoutes(api)
	}

	return router
}
