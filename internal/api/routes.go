package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jroosing/hydracurve/internal/api/handlers"
	"github.com/jroosing/hydracurve/internal/api/middleware"
	"github.com/jroosing/hydracurve/internal/config"
)

// RegisterRoutes wires the management API surface onto r: rule/cache/
// DNSCurve observability, the audit log, and cluster sync control.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	api := r.Group("/api/v1")

	// Optional API key protection.
	if cfg != nil && cfg.API.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

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
}
