package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/streamrelay/pkg/api"
	"go.uber.org/zap"
)

// ErrorHandler writes the last error attached by a handler as an RFC 9457
// problem. Handlers that already wrote a response are left alone.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var problem *api.Problem
		if errors.As(err, &problem) {
			if problem.Log != nil {
				logger.Error("Internal error",
					zap.String("path", c.Request.URL.Path),
					zap.Error(problem.Log),
				)
			}
			problem.Instance = c.Request.URL.Path
			c.JSON(problem.Status, problem)
			c.Abort()
			return
		}

		logger.Error("Unhandled error", zap.String("path", c.Request.URL.Path), zap.Error(err))

		c.JSON(http.StatusInternalServerError, api.NewError(
			http.StatusInternalServerError,
			"Internal Server Error",
			"An unexpected error occurred.",
		))
		c.Abort()
	}
}
