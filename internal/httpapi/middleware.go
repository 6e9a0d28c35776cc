package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/internal/logging"
	"github.com/gin-gonic/gin"
)

// clientContext copies the client address and user agent into the request
// context so the gate can record them on tokens and audit events.
func clientContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := taskgate.WithClientIP(c.Request.Context(), c.ClientIP())
		ctx = taskgate.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// requestLogger logs 5xx responses and recovers panics into a 500.
func requestLogger(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error(c.Request.Context(), "panic serving request",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"panic", fmt.Sprint(recovered),
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "internal server error"))
				return
			}

			status := c.Writer.Status()
			args := []any{
				"method", c.Request.Method,
				"path", c.FullPath(),
				"status", status,
				"latency", time.Since(start),
				"request_id", requestID(c),
			}
			switch {
			case status >= http.StatusInternalServerError:
				log.Error(c.Request.Context(), "request failed", args...)
			default:
				log.Debug(c.Request.Context(), "request", args...)
			}
		}()

		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return c.GetHeader("X-Request-Id")
}
