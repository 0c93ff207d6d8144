package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxProxyBodySize is the largest request body the upstream API proxy
// forwards (4 MiB).
const MaxProxyBodySize int64 = 4 * 1024 * 1024

// RequestSizeLimiter rejects oversized requests up front and caps reads for
// bodies whose Content-Length lies.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request entity too large",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
