package handlers_test

import (
	"github.com/gin-gonic/gin"
	"github.com/jroosing/hydracurve/internal/api/handlers"
)

func setupTestRouter(h *handlers.Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/rules/status", h.GetRulesStatus)
	api.GET("/dnscurve/servers", h.GetDNSCurveServers)
	api.POST("/cache/flush", h.PostCacheFlush)
	api.POST("/cache/flush/:name", h.PostCacheFlushName)
	api.GET("/audit", h.GetAudit)
	api.GET("/cluster/status", h.GetClusterStatus)
	api.GET("/cluster/export", h.GetClusterExport)
	api.POST("/cluster/sync", h.PostClusterSync)
	api.GET("/cluster/config", h.GetClusterConfig)

	return r
}
