// Package proxy implements the two plugin-facing listeners: the
// authenticated API forwarder and the upstream event fan-out.
package proxy

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/yuyu-dev/yuyu/internal/errors"
)

// pluginIDKey is the gin context key the auth middleware stores the resolved
// plugin id under.
const pluginIDKey = "plugin_id"

// TokenResolver resolves a per-run credential to a plugin id.
type TokenResolver interface {
	LookupByToken(token string) (string, bool)
}

// ExtractToken pulls the credential from the Authorization header, falling
// back to the access_token query parameter for WebSocket clients that cannot
// set headers.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != "" {
			return token
		}
	}
	return r.URL.Query().Get("access_token")
}

// PluginAuth authenticates plugin calls. Unknown or missing tokens abort
// with 401.
func PluginAuth(resolver TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apperrors.Unauthorized("missing plugin token"))
			return
		}

		pluginID, ok := resolver.LookupByToken(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apperrors.Unauthorized("invalid plugin token"))
			return
		}

		c.Set(pluginIDKey, pluginID)
		c.Next()
	}
}

// PluginID returns the authenticated plugin id for this request.
func PluginID(c *gin.Context) string {
	if v, ok := c.Get(pluginIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
