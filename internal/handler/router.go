package handler

import (
	"net/http"

	"offlinesync/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg.Server.CORSOrigins))

	api := r.Group("/api/v1")
	{
		sync := api.Group("/sync", AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
		{
			sync.POST("/actions", h.QueueAction)
			sync.GET("/actions", h.ListActions)
			sync.POST("/actions/bulk", h.BulkSync)
			sync.POST("/process", h.ProcessQueue)
			sync.GET("/status", h.GetSyncStatus)
			sync.GET("/last-sync", h.GetLastSync)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
