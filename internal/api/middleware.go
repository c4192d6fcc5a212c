package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger is a Gin middleware that logs every request with method,
// path, status code, and latency.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Recovery turns a handler panic into a 500 envelope instead of a
// dead connection, and logs the panic with a stack.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered",
					zap.Any("panic", err),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					statusResponse{Retcode: 1, ErrorMsg: "internal server error"})
			}
		}()
		c.Next()
	}
}
