package proxy

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yuyu-dev/yuyu/internal/config"
	"github.com/yuyu-dev/yuyu/internal/middleware"
)

// APIProxy forwards plugin API calls to the upstream bot service, attaching
// the upstream credential and the caller's plugin identity.
type APIProxy struct {
	botCfg *config.BotConfigStore
	client *http.Client
	log    zerolog.Logger
}

// NewAPIProxy creates the forwarder.
func NewAPIProxy(botCfg *config.BotConfigStore, log zerolog.Logger) *APIProxy {
	return &APIProxy{
		botCfg: botCfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Router builds the API proxy listener's routes.
func (p *APIProxy) Router(resolver TokenResolver) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestSizeLimiter(middleware.MaxProxyBodySize))

	authed := router.Group("", PluginAuth(resolver))
	authed.POST("/api/:method", p.forward)
	return router
}

// forward relays the request body to the upstream API and returns the
// upstream's status, content type, and body verbatim.
func (p *APIProxy) forward(c *gin.Context) {
	method := c.Param("method")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	cfg := p.botCfg.Get()
	url := cfg.APIBaseURL() + "/" + method

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.Status(http.StatusBadGateway)
		return
	}

	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept := c.GetHeader("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	req.Header.Set("X-YUYU-PLUGIN-ID", PluginID(c))

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn().Str("method", method).Err(err).Msg("upstream API unreachable")
		c.Status(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	upstream, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Status(http.StatusBadGateway)
		return
	}

	c.Data(resp.StatusCode, contentType, upstream)
}
