// Package handlers implements the REST API endpoint handlers for HydraCurve.
//
// @title HydraCurve Management API
// @version 1.0
// @description REST API for observing and operating a running HydraCurve DNS proxy node: rule status, response cache control, DNSCurve registry, audit log, and cluster sync.
//
// @contact.name HydraCurve
// @contact.url https://github.com/jroosing/hydracurve
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/hydracurve/internal/cache"
	"github.com/jroosing/hydracurve/internal/cluster"
	"github.com/jroosing/hydracurve/internal/config"
	"github.com/jroosing/hydracurve/internal/database"
	"github.com/jroosing/hydracurve/internal/rules"
)

// DNSStatsSnapshot mirrors server.DNSStatsSnapshot without importing the
// server package, so handlers only depend on a function the composition
// root provides rather than the server's internal counters.
type DNSStatsSnapshot struct {
	QueriesTotal uint64
	QueriesUDP   uint64
	QueriesTCP   uint64
	ResponsesNX  uint64
	ResponsesErr uint64
	AvgLatencyMs float64
}

// DNSStatsFunc returns a point-in-time snapshot of query statistics.
type DNSStatsFunc func() DNSStatsSnapshot

// Handler contains dependencies for API handlers. The runtime fields
// (store, cache, stats, syncer) are nil until the composition root calls
// the matching Set method once the DNS server's components exist; every
// handler that reads one treats nil as "not ready yet" rather than
// panicking.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *database.DB
	startTime time.Time

	mu            sync.RWMutex
	store         *rules.Store
	cacheStore    *cache.Cache
	dnsStatsFunc  DNSStatsFunc
	clusterSyncer *cluster.Syncer
}

// New creates a new Handler with the given configuration, audit database,
// and logger. db may be nil in tests that don't exercise audit endpoints.
func New(cfg *config.Config, db *database.DB, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		db:        db,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetStore wires the live rule store, letting /rules/status report the
// hosts/ip-filter/DNSCurve table sizes the reload watcher last swapped in.
func (h *Handler) SetStore(s *rules.Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = s
}

// GetStore returns the wired rule store, or nil if not yet set.
func (h *Handler) GetStore() *rules.Store {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store
}

// SetCacheStore wires the live response cache, letting /cache/flush* act
// on the same cache the pipeline resolves through.
func (h *Handler) SetCacheStore(c *cache.Cache) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cacheStore = c
}

// GetCacheStore returns the wired cache, or nil if not yet set.
func (h *Handler) GetCacheStore() *cache.Cache {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cacheStore
}

// SetDNSStatsFunc wires a query-statistics source for /stats.
func (h *Handler) SetDNSStatsFunc(fn DNSStatsFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dnsStatsFunc = fn
}

// GetDNSStatsFunc returns the wired stats function, or nil if not yet set.
func (h *Handler) GetDNSStatsFunc() DNSStatsFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dnsStatsFunc
}

// SetClusterSyncer wires the secondary-mode syncer so cluster endpoints
// can report and trigger sync. Passing nil clears it.
func (h *Handler) SetClusterSyncer(s *cluster.Syncer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clusterSyncer = s
}

// GetClusterSyncer returns the wired syncer, or nil if this node isn't a
// running secondary.
func (h *Handler) GetClusterSyncer() *cluster.Syncer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clusterSyncer
}
