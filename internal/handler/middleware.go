package handler

import (
	"net/http"
	"time"

	"offlinesync/internal/apperror"
	"offlinesync/pkg/response"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LoggerMiddleware 请求日志
func LoggerMiddleware(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}

		c.Next()

		entry := log.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
			"method":  c.Request.Method,
			"path":    path,
		})
		if uid := CurrentUserID(c); uid != "" {
			entry = entry.WithField("user_id", uid)
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("HTTP")
			return
		}
		entry.Info("HTTP")
	}
}

// RecoveryMiddleware panic 时返回 INTERNAL
func RecoveryMiddleware(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithField("path", c.Request.URL.Path).Errorf("[PANIC] %v", err)
				response.Abort(c, apperror.Internal("Internal error", nil))
			}
		}()
		c.Next()
	}
}

// CORSMiddleware origins 为空时允许所有来源
func CORSMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AddAllowHeaders("Authorization", "X-Request-ID")
	corsConfig.AddExposeHeaders("Content-Length")
	return cors.New(corsConfig)
}
