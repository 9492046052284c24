package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/jroosing/hydracurve/internal/cache"
	"github.com/jroosing/hydracurve/internal/config"
	"github.com/jroosing/hydracurve/internal/dispatch"
	"github.com/jroosing/hydracurve/internal/dnscurve"
	"github.com/jroosing/hydracurve/internal/ipc"
	"github.com/jroosing/hydracurve/internal/netmon"
	"github.com/jroosing/hydracurve/internal/pipeline"
	"github.com/jroosing/hydracurve/internal/reload"
	"github.com/jroosing/hydracurve/internal/rules"
	"github.com/jroosing/hydracurve/internal/transport"
)

// Runner is the server's composition root. Prepare builds every
// long-lived component (rule store, reload watcher, cache, network
// monitor, upstream dispatchers, DNSCurve client, request pipeline, IPC
// listener) from a config.Config; RunWithContext then starts the UDP/TCP
// listeners against whatever Prepare built and blocks until shutdown.
//
// Splitting construction from the blocking run loop lets cmd/hydradns
// reach into the prepared components (the rule store for cluster sync,
// the cache for an HTTP flush endpoint, DNSStats for the admin API)
// before control is handed to RunWithContext.
type Runner struct {
	logger *slog.Logger

	store      *rules.Store
	cacheStore *cache.Cache
	netMonitor *netmon.Monitor
	watcher    *reload.Watcher
	ipcServer  *ipc.Server
	dnsStats   *DNSStats
	pipe       *pipeline.Pipeline

	cfg *config.Config

	udp *UDPServer
	tcp *TCPServer
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, dnsStats: NewDNSStats()}
}

// Store returns the rule store the reload watcher and cluster syncer
// both target. Only valid after Prepare.
func (r *Runner) Store() *rules.Store { return r.store }

// CacheStore returns the response cache backing the IPC and HTTP flush
// surfaces.
func (r *Runner) CacheStore() *cache.Cache { return r.cacheStore }

// Netmon returns the local network monitor.
func (r *Runner) Netmon() *netmon.Monitor { return r.netMonitor }

// Watcher returns the rule-file reload watcher, for an out-of-band
// reload trigger (the cluster-sync import).
func (r *Runner) Watcher() *reload.Watcher { return r.watcher }

// DNSStats returns the query statistics collector the admin API reports.
func (r *Runner) DNSStats() *DNSStats { return r.dnsStats }

// Prepare builds the rule store and its initial load, the response
// cache, the network monitor, the per-address-family dispatchers and
// optional DNSCurve client, and the pipeline.Pipeline resolver. It does
// not start any listener.
func (r *Runner) Prepare(cfg *config.Config) error {
	r.cfg = cfg
	r.store = rules.NewStore()

	period := parseDurationOr(cfg.Reload.PollInterval, 30*time.Second)
	r.watcher = reload.NewWatcher(r.store, reload.FileSet{
		HostsFiles:      cfg.Reload.HostsFiles,
		IPFilterFiles:   cfg.Reload.IPFilterFiles,
		DNSCurveDBFiles: cfg.Reload.DNSCurveDBFiles,
	}, period, r.logger)
	if err := r.watcher.LoadNow(); err != nil {
		r.logger.Warn("initial rule load reported errors", "err", err)
	}

	cacheSize := cfg.Cache.Size
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	r.cacheStore = cache.New(cacheSize)

	r.netMonitor = netmon.NewMonitor()
	if err := r.netMonitor.Refresh(); err != nil {
		r.logger.Warn("initial network inventory refresh failed", "err", err)
	}

	var dc *dnscurve.Client
	if cfg.DNSCurve.IsEncryption {
		var err error
		dc, err = dnscurve.NewClient(cfg.DNSCurve.IsClientEphemeralKey, dnscurve.KeyPair{})
		if err != nil {
			return fmt.Errorf("dnscurve client: %w", err)
		}
		r.logger.Info("dnscurve client created", "ephemeral", cfg.DNSCurve.IsClientEphemeralKey, "provider", cfg.DNSCurve.ProviderName)
	}

	alt := dispatch.AlternateChannelConfig{
		AlternateTimes:      cfg.Alternate.AlternateTimes,
		AlternateTimeRange:  parseMillisOr(cfg.Alternate.AlternateTimeRangeMs, 10*time.Second),
		AlternateResetTime:  parseMillisOr(cfg.Alternate.AlternateResetMs, 5*time.Minute),
	}
	if alt.AlternateTimes <= 0 {
		alt = dispatch.DefaultAlternateChannelConfig()
	}

	dispatchers := pipeline.Dispatchers{
		V4:    r.buildDispatcher(cfg, dc, alt, cfg.Routing.TargetMainV4, cfg.Routing.TargetAlternateV4),
		V6:    r.buildDispatcher(cfg, dc, alt, cfg.Routing.TargetMainV6, cfg.Routing.TargetAlternateV6),
		Local: r.buildDispatcher(cfg, dc, alt, cfg.Routing.TargetLocalMain, cfg.Routing.TargetLocalAlternate),
	}

	fanOut := dispatch.Single
	replicas := 1
	if cfg.Routing.AlternateMultipleRequest {
		fanOut = dispatch.AlternateMultipleRequest
	} else if cfg.Routing.MultipleRequestTimes > 1 {
		fanOut = dispatch.MultipleRequestTimes
		replicas = cfg.Routing.MultipleRequestTimes
	}
	for _, d := range []*dispatch.Dispatcher{dispatchers.V4, dispatchers.V6, dispatchers.Local} {
		if d == nil {
			continue
		}
		d.Policy = fanOut
		d.Replicas = replicas
		if cfg.DataChecks.Blacklist {
			d.CheckBlacklist = func() *rules.IPFilterTable { return r.store.Load().IPFilters }
		}
	}

	r.pipe = pipeline.New(r.store, r.cacheStore, dispatchers, pipeline.Settings{
		OperationMode:   cfg.Listen.OperationMode,
		CacheMinTTL:     time.Duration(cfg.Cache.MinTTL) * time.Second,
		CacheMaxTTL:     time.Duration(cfg.Cache.MaxTTL) * time.Second,
		CacheDefaultTTL: time.Duration(cfg.Cache.DefaultTTL) * time.Second,
		HostsDefaultTTL: time.Duration(cfg.DataChecks.HostsDefaultTTL) * time.Second,
		QueryTimeout:    parseDurationOr(cfg.Upstream.UDPTimeout, 4*time.Second),
	}, r.logger)
	r.pipe.Netmon = r.netMonitor

	if cfg.IPC.Enabled && cfg.IPC.SocketPath != "" {
		r.ipcServer = ipc.NewServer(cfg.IPC.SocketPath, r.cacheStore.Flush, r.logger)
	}

	return nil
}

// buildDispatcher returns nil when neither a main nor an alternate
// target is configured for this upstream class, so the pipeline treats
// it as unavailable (routed elsewhere, or SERVFAIL per dispatchTarget).
func (r *Runner) buildDispatcher(cfg *config.Config, dc *dnscurve.Client, alt dispatch.AlternateChannelConfig, main, alternate string) *dispatch.Dispatcher {
	if main == "" && alternate == "" {
		return nil
	}
	var mainSrv, altSrv *dispatch.Server
	if main != "" {
		mainSrv = &dispatch.Server{Address: main, Adapter: r.buildAdapter(cfg, dc)}
	}
	if alternate != "" {
		altSrv = &dispatch.Server{Address: alternate, Adapter: r.buildAdapter(cfg, dc)}
	}
	return dispatch.NewDispatcher(mainSrv, altSrv, dispatch.NewAlternateChannel(alt))
}

// buildAdapter picks the wire transport a dispatcher's servers speak,
// from the most to least specialized configured option: DNSCurve when
// encryption is requested, DNS-over-TLS when a TLS version is
// configured, plain UDP otherwise. TCP fallback on truncation is the
// caller's concern (dispatch.Dispatcher races whatever Adapter it's
// given; it doesn't itself retry over a different transport).
func (r *Runner) buildAdapter(cfg *config.Config, dc *dnscurve.Client) transport.Adapter {
	if cfg.DNSCurve.IsEncryption && dc != nil {
		return transport.NewDNSCurveAdapter(dc)
	}
	if cfg.TLS.Version != "" {
		return transport.NewTLSAdapter(cfg.TLS.SNI)
	}
	return transport.NewUDPAdapter()
}

// Run starts the DNS server with the given configuration, calling
// Prepare itself. Kept for callers (and tests) that don't need to reach
// into the prepared components before the server starts serving.
func (r *Runner) Run(cfg *config.Config) error {
	if err := r.Prepare(cfg); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return r.RunWithContext(ctx, cfg)
}

// RunWithContext starts the UDP/TCP listeners (and, if enabled, the IPC
// listener) against the components Prepare built, and blocks until ctx
// is cancelled or a listener reports an unrecoverable error.
//
// Server lifecycle:
//  1. Configure runtime (GOMAXPROCS based on workers setting)
//  2. Start the reload watcher's background poll loop
//  3. Start UDP and optionally TCP servers, with the pipeline installed
//     as the live resolver
//  4. Start the IPC control-channel listener, if enabled
//  5. Wait for shutdown signal (SIGINT/SIGTERM) or listener error
//  6. Gracefully stop servers with timeout
func (r *Runner) RunWithContext(ctx context.Context, cfg *config.Config) error {
	if r.pipe == nil {
		if err := r.Prepare(cfg); err != nil {
			return err
		}
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	desiredProcs := r.configureRuntime(cfg)
	maxConc := r.calculateMaxConcurrency(cfg, desiredProcs)

	go r.watcher.Run(ctx)
	go r.runGatewayProbe(ctx, cfg)

	h := &QueryHandler{Logger: r.logger, Resolver: r.pipe, Timeout: parseDurationOr(cfg.Upstream.UDPTimeout, 4*time.Second), Stats: r.dnsStats}
	limiter := NewRateLimiter(RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	r.logStartup(cfg, addr, maxConc)

	r.udp = &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter, WorkersPerSocket: maxConc}
	if cfg.Server.EnableTCP {
		r.tcp = &TCPServer{Logger: r.logger, Handler: h}
	}

	if r.ipcServer != nil {
		if err := r.ipcServer.Start(ctx); err != nil {
			r.logger.Warn("ipc listener failed to start", "err", err)
		} else {
			r.logger.Info("ipc listening", "socket", cfg.IPC.SocketPath)
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- r.udp.Run(ctx, addr) }()
	if r.tcp != nil {
		go func() { errCh <- r.tcp.Run(ctx, addr) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	stopTimeout := 5 * time.Second
	_ = r.udp.Stop(stopTimeout)
	if r.tcp != nil {
		_ = r.tcp.Stop(stopTimeout)
	}
	if r.ipcServer != nil {
		_ = r.ipcServer.Close()
	}
	return nil
}

// runGatewayProbe periodically re-enumerates the local interface
// inventory and checks default-gateway reachability, feeding
// Pipeline.Netmon's two behaviors: local PTR answers and
// gateway-unreachable fast-fail.
func (r *Runner) runGatewayProbe(ctx context.Context, cfg *config.Config) {
	if cfg.Network.GatewayAddress == "" {
		return
	}
	interval := parseDurationOr(cfg.Network.ProbeInterval, 15*time.Second)
	timeout := parseDurationOr(cfg.Network.ProbeTimeout, 2*time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.netMonitor.ProbeGateway(ctx, cfg.Network.GatewayAddress, timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.netMonitor.Refresh(); err != nil {
				r.logger.Warn("network inventory refresh failed", "err", err)
			}
			r.netMonitor.ProbeGateway(ctx, cfg.Network.GatewayAddress, timeout)
		}
	}
}

// configureRuntime sets GOMAXPROCS based on worker configuration.
// Workers can reduce but never increase parallelism beyond the default.
func (r *Runner) configureRuntime(cfg *config.Config) int {
	baseProcs := runtime.GOMAXPROCS(0)
	if baseProcs <= 0 {
		baseProcs = 1
	}
	desiredProcs := baseProcs

	if cfg.Server.Workers.Mode == config.WorkersFixed {
		w := cfg.Server.Workers.Value
		if w <= 0 {
			w = 1
		}
		if w < desiredProcs {
			desiredProcs = w
		}
	}

	prev := runtime.GOMAXPROCS(desiredProcs)
	actual := runtime.GOMAXPROCS(0)
	if r.logger != nil {
		r.logger.Info("runtime", "gomaxprocs", actual, "prev", prev, "base", baseProcs)
	}
	return actual
}

// calculateMaxConcurrency determines the maximum concurrent request handlers.
func (r *Runner) calculateMaxConcurrency(cfg *config.Config, procs int) int {
	maxConc := cfg.Server.MaxConcurrency
	if maxConc <= 0 {
		c := procs
		if c <= 0 {
			c = 1
		}
		maxConc = c * 256
		if maxConc > 2048 {
			maxConc = 2048
		}
		if maxConc < 1 {
			maxConc = 1
		}
	}
	return maxConc
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, maxConc int) {
	if r.logger != nil {
		r.logger.Info(
			"dns listening",
			"addr", addr,
			"udp", true,
			"tcp", cfg.Server.EnableTCP,
			"mode", cfg.Listen.OperationMode,
			"main_v4", cfg.Routing.TargetMainV4,
			"main_v6", cfg.Routing.TargetMainV6,
			"max_concurrency", maxConc,
			"dnscurve", cfg.DNSCurve.IsEncryption,
		)
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseMillisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
