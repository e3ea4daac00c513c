package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID assigns every request an id. It keys the usage row, so a
// client-supplied id is never trusted.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or an empty string.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
