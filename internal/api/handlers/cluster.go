package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/hydracurve/internal/api/models"
	"github.com/jroosing/hydracurve/internal/cluster"
	"github.com/jroosing/hydracurve/internal/config"
)

// GetClusterStatus godoc
// @Summary Get cluster status
// @Description Returns the current cluster mode and synchronization status
// @Tags cluster
// @Produce json
// @Success 200 {object} models.ClusterStatusResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /cluster/status [get]
func (h *Handler) GetClusterStatus(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "config unavailable"})
		return
	}

	mode := h.cfg.Cluster.Mode
	if mode == "" {
		mode = config.ClusterModeStandalone
	}
	resp := models.ClusterStatusResponse{
		Mode:   string(mode),
		NodeID: h.cfg.Cluster.NodeID,
	}

	if store := h.GetStore(); store != nil {
		resp.ConfigVersion = int64(store.Load().Generation)
	}

	if syncer := h.GetClusterSyncer(); syncer != nil {
		status := syncer.Status()
		resp.PrimaryURL = status.PrimaryURL
		resp.LastSyncTime = status.LastSyncTime
		resp.LastSyncVersion = status.LastSyncVersion
		resp.LastSyncError = status.LastSyncError
		resp.NextSyncTime = status.NextSyncTime
		resp.SyncCount = status.SyncCount
		resp.ErrorCount = status.ErrorCount
	}

	c.JSON(http.StatusOK, resp)
}

// GetClusterExport godoc
// @Summary Export rule bundle for cluster sync
// @Description Returns the contents of this node's configured hosts/ip-filter/DNSCurve-DB rule files for a secondary node to import (primary/standalone only)
// @Tags cluster
// @Produce json
// @Success 200 {object} cluster.ExportData
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /cluster/export [get]
func (h *Handler) GetClusterExport(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "config unavailable"})
		return
	}

	if h.cfg.Cluster.Mode == config.ClusterModeSecondary {
		c.JSON(http.StatusForbidden, models.ErrorResponse{
			Error: "export not allowed from secondary node",
		})
		return
	}

	if h.cfg.Cluster.SharedSecret != "" {
		secret := c.GetHeader("X-Cluster-Secret")
		if secret != h.cfg.Cluster.SharedSecret {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{
				Error: "invalid cluster secret",
			})
			return
		}
	}

	var version int64
	if store := h.GetStore(); store != nil {
		version = int64(store.Load().Generation)
	}

	bundle := cluster.RuleBundle{
		HostsFiles:      readAllOrEmpty(h.cfg.Reload.HostsFiles),
		IPFilterFiles:   readAllOrEmpty(h.cfg.Reload.IPFilterFiles),
		DNSCurveDBFiles: readAllOrEmpty(h.cfg.Reload.DNSCurveDBFiles),
	}

	data := cluster.ExportData{
		Version:   version,
		Timestamp: time.Now().UTC(),
		NodeID:    h.cfg.Cluster.NodeID,
		Bundle:    bundle,
	}

	if requestingNode := c.GetHeader("X-Node-ID"); requestingNode != "" && h.logger != nil {
		h.logger.Info("cluster export requested", "requesting_node", requestingNode, "version", version)
	}

	c.JSON(http.StatusOK, data)
}

// readAllOrEmpty reads each file path's contents, substituting an empty
// string for a file that can't be read so one missing file doesn't fail
// the whole export; the importing node still gets every other category.
func readAllOrEmpty(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		out[i] = string(b)
	}
	return out
}

// PostClusterSync godoc
// @Summary Force immediate sync (secondary only)
// @Description Triggers an immediate rule-bundle sync from the primary node
// @Tags cluster
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /cluster/sync [post]
func (h *Handler) PostClusterSync(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "config unavailable"})
		return
	}

	if h.cfg.Cluster.Mode != config.ClusterModeSecondary {
		c.JSON(http.StatusForbidden, models.ErrorResponse{
			Error: "sync only available in secondary mode",
		})
		return
	}

	syncer := h.GetClusterSyncer()
	if syncer == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "syncer not initialized",
		})
		return
	}

	if err := syncer.ForceSync(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: "sync failed: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "sync completed"})
}

// GetClusterConfig godoc
// @Summary Get cluster configuration
// @Description Returns the current cluster configuration (secrets redacted). Cluster mode is set from the config file/CLI flags at startup; there is no runtime PUT.
// @Tags cluster
// @Produce json
// @Success 200 {object} models.ClusterConfigRequest
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /cluster/config [get]
func (h *Handler) GetClusterConfig(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "config unavailable"})
		return
	}

	resp := models.ClusterConfigRequest{
		Mode:         string(h.cfg.Cluster.Mode),
		NodeID:       h.cfg.Cluster.NodeID,
		PrimaryURL:   h.cfg.Cluster.PrimaryURL,
		SyncInterval: h.cfg.Cluster.SyncInterval,
		SyncTimeout:  h.cfg.Cluster.SyncTimeout,
	}
	if h.cfg.Cluster.SharedSecret != "" {
		resp.SharedSecret = "********"
	}

	c.JSON(http.StatusOK, resp)
}
