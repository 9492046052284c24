package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/hydracurve/internal/api/models"
	"github.com/jroosing/hydracurve/internal/database"
)

// GetRulesStatus godoc
// @Summary Rule table status
// @Description Returns the generation and table sizes of the currently loaded rule snapshot
// @Tags rules
// @Produce json
// @Success 200 {object} models.RulesStatsResponse
// @Failure 503 {object} models.ErrorResponse
// @Router /rules/status [get]
func (h *Handler) GetRulesStatus(c *gin.Context) {
	resp := h.getRulesStats()
	if resp == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "rule store not initialized"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// PostCacheFlush godoc
// @Summary Flush the entire response cache
// @Tags cache
// @Produce json
// @Success 200 {object} models.CacheFlushResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /cache/flush [post]
func (h *Handler) PostCacheFlush(c *gin.Context) {
	store := h.GetCacheStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "cache not initialized"})
		return
	}
	n := store.Flush("")
	c.JSON(http.StatusOK, models.CacheFlushResponse{Flushed: n})
}

// PostCacheFlushName godoc
// @Summary Flush cached entries for a single query name
// @Tags cache
// @Produce json
// @Param name path string true "query name (matched exactly against the cached question name)"
// @Success 200 {object} models.CacheFlushResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /cache/flush/{name} [post]
func (h *Handler) PostCacheFlushName(c *gin.Context) {
	store := h.GetCacheStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "cache not initialized"})
		return
	}
	n := store.Flush(c.Param("name"))
	c.JSON(http.StatusOK, models.CacheFlushResponse{Flushed: n})
}

// GetDNSCurveServers godoc
// @Summary List configured DNSCurve upstreams
// @Tags dnscurve
// @Produce json
// @Success 200 {object} models.DNSCurveServersResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /dnscurve/servers [get]
func (h *Handler) GetDNSCurveServers(c *gin.Context) {
	store := h.GetStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "rule store not initialized"})
		return
	}

	snap := store.Load()
	resp := models.DNSCurveServersResponse{Servers: []models.DNSCurveServerInfo{}}
	if snap.DNSCurve != nil {
		for _, s := range snap.DNSCurve.All() {
			resp.Servers = append(resp.Servers, models.DNSCurveServerInfo{
				Name:         s.Name,
				Address:      s.Address,
				ProviderName: s.ProviderName,
			})
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetAudit godoc
// @Summary Query the audit log
// @Description Returns recent audit entries, newest first, optionally filtered by category
// @Tags audit
// @Produce json
// @Param category query string false "audit category"
// @Param limit query int false "max entries (default 100)"
// @Param offset query int false "pagination offset"
// @Success 200 {object} models.AuditResponse
// @Failure 503 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /audit [get]
func (h *Handler) GetAudit(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "audit log not initialized"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	category := database.Category(c.Query("category"))

	entries, err := h.db.Query(category, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "query audit log: " + err.Error()})
		return
	}

	resp := models.AuditResponse{Entries: make([]models.AuditEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, models.AuditEntry{
			ID:         e.ID,
			OccurredAt: e.OccurredAt,
			NodeID:     e.NodeID,
			Category:   string(e.Category),
			Detail:     e.Detail,
		})
	}

	c.JSON(http.StatusOK, resp)
}
