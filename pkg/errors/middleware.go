package errors

import (
	"net/http"
	"runtime/debug"

	"character-playground/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler returns a middleware that renders errors attached to the
// context as the shared envelope. Handlers report failures with c.Error and
// abort; this middleware owns the response shape.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := FromError(c.Errors[0].Err)

		log := logger.FromContext(c)
		log.Error("request error",
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"status_code", appErr.StatusCode,
			"error_type", appErr.Type,
			"message", appErr.Message,
		)

		c.AbortWithStatusJSON(appErr.StatusCode, appErr.Envelope())
	}
}

// RecoveryWithLogger returns a middleware that recovers from panics, logs
// the stack, and responds with a server_error envelope.
func RecoveryWithLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())

				log := logger.FromContext(c)
				log.Error("panic recovered",
					"error", r,
					"stack", stack,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError,
					NewServerError("The server encountered an unexpected error").Envelope())
			}
		}()

		c.Next()
	}
}
