package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/streamrelay/pkg/api"
)

// Auth checks the caller's key against the static list. Each client SDK puts
// its key somewhere different, so every known location is accepted. An empty
// list leaves the API open.
func Auth(staticKeys []string) gin.HandlerFunc {
	keys := make([][]byte, 0, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}

		token := credential(c)
		if token == "" {
			_ = c.Error(api.UnauthorizedError("Missing API key"))
			c.Abort()
			return
		}

		for _, k := range keys {
			if subtle.ConstantTimeCompare(k, []byte(token)) == 1 {
				c.Next()
				return
			}
		}

		_ = c.Error(api.UnauthorizedError("Invalid API key"))
		c.Abort()
	}
}

func credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if k := c.GetHeader("x-api-key"); k != "" {
		return k
	}
	if k := c.GetHeader("x-goog-api-key"); k != "" {
		return k
	}
	return c.Query("key")
}
