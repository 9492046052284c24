// Package config provides configuration loading and validation for HydraDNS.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/hydradns/main.go)
//  2. Environment variables (HYDRADNS_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from HYDRADNS_CATEGORY_SETTING format,
// e.g., HYDRADNS_SERVER_HOST maps to server.host in YAML.
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Environment variable binding
	// Uses HYDRADNS_ prefix: HYDRADNS_SERVER_HOST -> server.host
	v.SetEnvPrefix("HYDRADNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 1053)
	v.SetDefault("server.workers", "auto")
	v.SetDefault("server.max_concurrency", 0)
	v.SetDefault("server.upstream_socket_pool_size", 0)
	v.SetDefault("server.enable_tcp", true)
	v.SetDefault("server.tcp_fallback", true)

	// Upstream defaults
	v.SetDefault("upstream.servers", []string{"8.8.8.8"})
	v.SetDefault("upstream.udp_timeout", "3s")
	v.SetDefault("upstream.tcp_timeout", "5s")
	v.SetDefault("upstream.max_retries", 3)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Rate limiting defaults
	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_ip_entries", 65536)
	v.SetDefault("rate_limit.max_prefix_entries", 16384)
	v.SetDefault("rate_limit.global_qps", 100000.0)
	v.SetDefault("rate_limit.global_burst", 100000)
	v.SetDefault("rate_limit.prefix_qps", 10000.0)
	v.SetDefault("rate_limit.prefix_burst", 20000)
	v.SetDefault("rate_limit.ip_qps", 5000.0)
	v.SetDefault("rate_limit.ip_burst", 10000)

	// Management API defaults
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")

	// Listen defaults
	v.SetDefault("listen.protocol", "both")
	v.SetDefault("listen.transport", "both")
	v.SetDefault("listen.addresses", []string{"0.0.0.0"})
	v.SetDefault("listen.ports", []int{53})
	v.SetDefault("listen.operation_mode", "server")

	// Routing defaults
	v.SetDefault("routing.target_main_v4", "8.8.8.8")
	v.SetDefault("routing.target_main_v6", "")
	v.SetDefault("routing.target_alternate_v4", "1.1.1.1")
	v.SetDefault("routing.target_alternate_v6", "")
	v.SetDefault("routing.target_local_main", "")
	v.SetDefault("routing.target_local_alternate", "")
	v.SetDefault("routing.alternate_multiple_request", false)
	v.SetDefault("routing.multiple_request_times", 1)

	// Alternate switcher defaults
	v.SetDefault("alternate.alternate_times", 3)
	v.SetDefault("alternate.alternate_time_range_ms", 10000)
	v.SetDefault("alternate.alternate_reset_ms", 300000)

	// Cache defaults
	v.SetDefault("cache.cache_size", 4096)
	v.SetDefault("cache.cache_default_ttl", 60)
	v.SetDefault("cache.cache_min_ttl", 0)
	v.SetDefault("cache.cache_max_ttl", 86400)

	// DNSCurve defaults
	v.SetDefault("dnscurve.is_encryption", false)
	v.SetDefault("dnscurve.is_encryption_only", false)
	v.SetDefault("dnscurve.is_client_ephemeral_key", true)
	v.SetDefault("dnscurve.payload_size", 512)
	v.SetDefault("dnscurve.provider_name", "")
	v.SetDefault("dnscurve.server_long_term_pk", "")

	// TLS defaults
	v.SetDefault("tls.tls_version", "1.3")
	v.SetDefault("tls.sni", "")
	v.SetDefault("tls.alpn", []string{})
	v.SetDefault("tls.validate_certificates", true)

	// Data-check defaults
	v.SetDefault("data_checks.blacklist", true)
	v.SetDefault("data_checks.local_routing", true)
	v.SetDefault("data_checks.hosts_default_ttl", 300)

	// Reload watcher defaults
	v.SetDefault("reload.hosts_files", []string{})
	v.SetDefault("reload.ip_filter_files", []string{})
	v.SetDefault("reload.dnscurve_db_files", []string{})
	v.SetDefault("reload.poll_interval", "30s")

	// Network monitor defaults
	v.SetDefault("network.gateway_address", "")
	v.SetDefault("network.probe_interval", "15s")
	v.SetDefault("network.probe_timeout", "2s")

	// IPC defaults
	v.SetDefault("ipc.enabled", false)
	v.SetDefault("ipc.socket_path", "/var/run/hydracurve.sock")

	// Cluster defaults
	v.SetDefault("cluster.mode", "standalone")
	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.primary_url", "")
	v.SetDefault("cluster.shared_secret", "")
	v.SetDefault("cluster.sync_interval", "30s")
	v.SetDefault("cluster.sync_timeout", "10s")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadUpstreamConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadAPIConfig(v, cfg)
	loadRateLimitConfig(v, cfg)
	loadListenConfig(v, cfg)
	loadRoutingConfig(v, cfg)
	loadAlternateConfig(v, cfg)
	loadCacheConfig(v, cfg)
	loadDNSCurveConfig(v, cfg)
	loadTLSConfig(v, cfg)
	loadDataChecksConfig(v, cfg)
	loadReloadConfig(v, cfg)
	loadNetworkConfig(v, cfg)
	loadIPCConfig(v, cfg)
	loadClusterConfig(v, cfg)

	// Normalize and validate
	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.MaxConcurrency = v.GetInt("server.max_concurrency")
	cfg.Server.UpstreamSocketPoolSize = v.GetInt("server.upstream_socket_pool_size")
	cfg.Server.EnableTCP = v.GetBool("server.enable_tcp")
	cfg.Server.TCPFallback = v.GetBool("server.tcp_fallback")
	cfg.Server.WorkersRaw = v.GetString("server.workers")
	cfg.Server.Workers = parseWorkers(cfg.Server.WorkersRaw)
}

func loadUpstreamConfig(v *viper.Viper, cfg *Config) {
	cfg.Upstream.Servers = parseServerList(v.GetStringSlice("upstream.servers"))
	if len(cfg.Upstream.Servers) == 0 {
		// Handle comma-separated string from env
		if s := v.GetString("upstream.servers"); s != "" {
			cfg.Upstream.Servers = parseServerList(strings.Split(s, ","))
		}
	}
	cfg.Upstream.UDPTimeout = v.GetString("upstream.udp_timeout")
	cfg.Upstream.TCPTimeout = v.GetString("upstream.tcp_timeout")
	cfg.Upstream.MaxRetries = v.GetInt("upstream.max_retries")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.CleanupSeconds = v.GetFloat64("rate_limit.cleanup_seconds")
	cfg.RateLimit.MaxIPEntries = v.GetInt("rate_limit.max_ip_entries")
	cfg.RateLimit.MaxPrefixEntries = v.GetInt("rate_limit.max_prefix_entries")
	cfg.RateLimit.GlobalQPS = v.GetFloat64("rate_limit.global_qps")
	cfg.RateLimit.GlobalBurst = v.GetInt("rate_limit.global_burst")
	cfg.RateLimit.PrefixQPS = v.GetFloat64("rate_limit.prefix_qps")
	cfg.RateLimit.PrefixBurst = v.GetInt("rate_limit.prefix_burst")
	cfg.RateLimit.IPQPS = v.GetFloat64("rate_limit.ip_qps")
	cfg.RateLimit.IPBurst = v.GetInt("rate_limit.ip_burst")
}

func loadListenConfig(v *viper.Viper, cfg *Config) {
	cfg.Listen.Protocol = ListenProtocol(v.GetString("listen.protocol"))
	cfg.Listen.Transport = ListenTransport(v.GetString("listen.transport"))
	cfg.Listen.Addresses = getStringSliceOrSplit(v, "listen.addresses")
	cfg.Listen.OperationMode = OperationMode(v.GetString("listen.operation_mode"))

	cfg.Listen.Ports = v.GetIntSlice("listen.ports")
	if len(cfg.Listen.Ports) == 0 {
		if s := v.GetString("listen.ports"); s != "" {
			for _, p := range strings.Split(s, ",") {
				p = strings.TrimSpace(p)
				if n, err := strconv.Atoi(p); err == nil {
					cfg.Listen.Ports = append(cfg.Listen.Ports, n)
				}
			}
		}
	}
}

func loadRoutingConfig(v *viper.Viper, cfg *Config) {
	cfg.Routing.TargetMainV4 = v.GetString("routing.target_main_v4")
	cfg.Routing.TargetMainV6 = v.GetString("routing.target_main_v6")
	cfg.Routing.TargetAlternateV4 = v.GetString("routing.target_alternate_v4")
	cfg.Routing.TargetAlternateV6 = v.GetString("routing.target_alternate_v6")
	cfg.Routing.TargetLocalMain = v.GetString("routing.target_local_main")
	cfg.Routing.TargetLocalAlternate = v.GetString("routing.target_local_alternate")
	cfg.Routing.AlternateMultipleRequest = v.GetBool("routing.alternate_multiple_request")
	cfg.Routing.MultipleRequestTimes = v.GetInt("routing.multiple_request_times")
}

func loadAlternateConfig(v *viper.Viper, cfg *Config) {
	cfg.Alternate.AlternateTimes = v.GetInt("alternate.alternate_times")
	cfg.Alternate.AlternateTimeRangeMs = v.GetInt("alternate.alternate_time_range_ms")
	cfg.Alternate.AlternateResetMs = v.GetInt("alternate.alternate_reset_ms")
}

func loadCacheConfig(v *viper.Viper, cfg *Config) {
	cfg.Cache.Size = v.GetInt("cache.cache_size")
	cfg.Cache.DefaultTTL = v.GetInt("cache.cache_default_ttl")
	cfg.Cache.MinTTL = v.GetInt("cache.cache_min_ttl")
	cfg.Cache.MaxTTL = v.GetInt("cache.cache_max_ttl")
}

func loadDNSCurveConfig(v *viper.Viper, cfg *Config) {
	cfg.DNSCurve.IsEncryption = v.GetBool("dnscurve.is_encryption")
	cfg.DNSCurve.IsEncryptionOnly = v.GetBool("dnscurve.is_encryption_only")
	cfg.DNSCurve.IsClientEphemeralKey = v.GetBool("dnscurve.is_client_ephemeral_key")
	cfg.DNSCurve.PayloadSize = v.GetInt("dnscurve.payload_size")
	cfg.DNSCurve.ProviderName = v.GetString("dnscurve.provider_name")
	cfg.DNSCurve.ServerLongTermPK = v.GetString("dnscurve.server_long_term_pk")
}

func loadTLSConfig(v *viper.Viper, cfg *Config) {
	cfg.TLS.Version = v.GetString("tls.tls_version")
	cfg.TLS.SNI = v.GetString("tls.sni")
	cfg.TLS.ALPN = getStringSliceOrSplit(v, "tls.alpn")
	cfg.TLS.ValidateCertificates = v.GetBool("tls.validate_certificates")
}

func loadDataChecksConfig(v *viper.Viper, cfg *Config) {
	cfg.DataChecks.Blacklist = v.GetBool("data_checks.blacklist")
	cfg.DataChecks.LocalRouting = v.GetBool("data_checks.local_routing")
	cfg.DataChecks.HostsDefaultTTL = v.GetInt("data_checks.hosts_default_ttl")
}

func loadReloadConfig(v *viper.Viper, cfg *Config) {
	cfg.Reload.HostsFiles = getStringSliceOrSplit(v, "reload.hosts_files")
	cfg.Reload.IPFilterFiles = getStringSliceOrSplit(v, "reload.ip_filter_files")
	cfg.Reload.DNSCurveDBFiles = getStringSliceOrSplit(v, "reload.dnscurve_db_files")
	cfg.Reload.PollInterval = v.GetString("reload.poll_interval")
}

func loadNetworkConfig(v *viper.Viper, cfg *Config) {
	cfg.Network.GatewayAddress = v.GetString("network.gateway_address")
	cfg.Network.ProbeInterval = v.GetString("network.probe_interval")
	cfg.Network.ProbeTimeout = v.GetString("network.probe_timeout")
}

func loadIPCConfig(v *viper.Viper, cfg *Config) {
	cfg.IPC.Enabled = v.GetBool("ipc.enabled")
	cfg.IPC.SocketPath = v.GetString("ipc.socket_path")
}

func loadClusterConfig(v *viper.Viper, cfg *Config) {
	cfg.Cluster.Mode = ClusterMode(v.GetString("cluster.mode"))
	cfg.Cluster.NodeID = v.GetString("cluster.node_id")
	cfg.Cluster.PrimaryURL = v.GetString("cluster.primary_url")
	cfg.Cluster.SharedSecret = v.GetString("cluster.shared_secret")
	cfg.Cluster.SyncInterval = v.GetString("cluster.sync_interval")
	cfg.Cluster.SyncTimeout = v.GetString("cluster.sync_timeout")
}

// parseWorkers converts the workers string to WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

// parseServerList cleans up a list of server addresses.
func parseServerList(servers []string) []string {
	result := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		// Strip port if present (always use port 53)
		if h, _, ok := strings.Cut(s, ":"); ok {
			s = h
		}
		result = append(result, s)
	}
	return result
}

// getStringSliceOrSplit handles both slice and comma-separated string values.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		// Filter empty entries
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	// Try as comma-separated string
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	// Validate port
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}

	// Default upstream servers
	if len(cfg.Upstream.Servers) == 0 {
		cfg.Upstream.Servers = []string{"8.8.8.8"}
	}

	// Limit to 3 upstream servers (strict-order failover)
	if len(cfg.Upstream.Servers) > 3 {
		cfg.Upstream.Servers = cfg.Upstream.Servers[:3]
	}

	// Normalize logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	// Normalize management API
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	// Normalize listen surface
	switch cfg.Listen.Protocol {
	case ListenIPv4, ListenIPv6, ListenBoth:
	case "":
		cfg.Listen.Protocol = ListenBoth
	default:
		return fmt.Errorf("listen.protocol must be ipv4, ipv6, or both, got %q", cfg.Listen.Protocol)
	}
	switch cfg.Listen.Transport {
	case ListenUDP, ListenTCP, ListenBothTransports:
	case "":
		cfg.Listen.Transport = ListenBothTransports
	default:
		return fmt.Errorf("listen.transport must be udp, tcp, or both, got %q", cfg.Listen.Transport)
	}
	switch cfg.Listen.OperationMode {
	case ModeServer, ModePrivate, ModeProxy, ModeCustom:
	case "":
		cfg.Listen.OperationMode = ModeServer
	default:
		return fmt.Errorf("listen.operation_mode must be server, private, proxy, or custom, got %q", cfg.Listen.OperationMode)
	}
	if len(cfg.Listen.Ports) == 0 {
		cfg.Listen.Ports = []int{53}
	}

	// Normalize routing
	if cfg.Routing.MultipleRequestTimes <= 0 {
		cfg.Routing.MultipleRequestTimes = 1
	}

	// Normalize alternate switcher
	if cfg.Alternate.AlternateTimes <= 0 {
		cfg.Alternate.AlternateTimes = 3
	}
	if cfg.Alternate.AlternateTimeRangeMs <= 0 {
		cfg.Alternate.AlternateTimeRangeMs = 10000
	}
	if cfg.Alternate.AlternateResetMs <= 0 {
		cfg.Alternate.AlternateResetMs = 300000
	}

	// Normalize cache bounds
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = 4096
	}
	if cfg.Cache.MaxTTL > 0 && cfg.Cache.MinTTL > cfg.Cache.MaxTTL {
		return errors.New("cache.cache_min_ttl must not exceed cache.cache_max_ttl")
	}

	// Normalize DNSCurve
	if cfg.DNSCurve.PayloadSize <= 0 {
		cfg.DNSCurve.PayloadSize = 512
	}
	if cfg.DNSCurve.IsEncryption && cfg.DNSCurve.ServerLongTermPK == "" {
		return errors.New("dnscurve.server_long_term_pk is required when dnscurve.is_encryption is true")
	}

	// Normalize TLS
	if cfg.TLS.Version == "" {
		cfg.TLS.Version = "1.3"
	}

	// Normalize reload watcher
	if cfg.Reload.PollInterval == "" {
		cfg.Reload.PollInterval = "30s"
	}

	// Normalize network monitor
	if cfg.Network.ProbeInterval == "" {
		cfg.Network.ProbeInterval = "15s"
	}
	if cfg.Network.ProbeTimeout == "" {
		cfg.Network.ProbeTimeout = "2s"
	}

	// Normalize cluster
	switch cfg.Cluster.Mode {
	case ClusterModeStandalone, ClusterModePrimary, ClusterModeSecondary:
	case "":
		cfg.Cluster.Mode = ClusterModeStandalone
	default:
		return fmt.Errorf("cluster.mode must be standalone, primary, or secondary, got %q", cfg.Cluster.Mode)
	}
	if cfg.Cluster.Mode == ClusterModeSecondary && cfg.Cluster.PrimaryURL == "" {
		return errors.New("cluster.primary_url is required when cluster.mode is secondary")
	}
	if cfg.Cluster.SyncInterval == "" {
		cfg.Cluster.SyncInterval = "30s"
	}
	if cfg.Cluster.SyncTimeout == "" {
		cfg.Cluster.SyncTimeout = "10s"
	}

	return nil
}
