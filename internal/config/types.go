// Package config provides configuration loading for HydraDNS using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the HYDRADNS_ prefix and underscore-separated keys:
//   - HYDRADNS_SERVER_HOST -> server.host
//   - HYDRADNS_SERVER_PORT -> server.port
//   - HYDRADNS_UPSTREAM_SERVERS -> upstream.servers (comma-separated)
//
// Only HYDRADNS_-prefixed names are read; there are no legacy aliases.
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how worker count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines worker count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the workers configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	Host                   string        `yaml:"host"                      mapstructure:"host"`
	Port                   int           `yaml:"port"                      mapstructure:"port"`
	Workers                WorkerSetting `yaml:"-"                         mapstructure:"-"`
	WorkersRaw             string        `yaml:"workers"                   mapstructure:"workers"`
	MaxConcurrency         int           `yaml:"max_concurrency"           mapstructure:"max_concurrency"`
	UpstreamSocketPoolSize int           `yaml:"upstream_socket_pool_size" mapstructure:"upstream_socket_pool_size"`
	EnableTCP              bool          `yaml:"enable_tcp"                mapstructure:"enable_tcp"`
	TCPFallback            bool          `yaml:"tcp_fallback"              mapstructure:"tcp_fallback"`
}

// UpstreamConfig contains upstream DNS server settings.
type UpstreamConfig struct {
	Servers    []string `yaml:"servers"     mapstructure:"servers"     json:"servers"`
	UDPTimeout string   `yaml:"udp_timeout" mapstructure:"udp_timeout" json:"udp_timeout"` // Timeout for UDP queries (e.g., "3s")
	TCPTimeout string   `yaml:"tcp_timeout" mapstructure:"tcp_timeout" json:"tcp_timeout"` // Timeout for TCP queries (e.g., "5s")
	MaxRetries int      `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"` // Max retries per upstream on timeout
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// RateLimitConfig controls rate limiting settings.
type RateLimitConfig struct {
	// CleanupSeconds is how often stale entries are cleaned up (default: 60)
	CleanupSeconds float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"    json:"cleanup_seconds"`
	// MaxIPEntries is the maximum number of tracked IPs (default: 65536)
	MaxIPEntries int `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"     json:"max_ip_entries"`
	// MaxPrefixEntries is the maximum number of tracked prefixes (default: 16384)
	MaxPrefixEntries int `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries" json:"max_prefix_entries"`
	// GlobalQPS is the server-wide queries per second limit (default: 100000, 0 = disabled)
	GlobalQPS float64 `yaml:"global_qps"         mapstructure:"global_qps"         json:"global_qps"`
	// GlobalBurst is the global burst size (default: 100000)
	GlobalBurst int `yaml:"global_burst"       mapstructure:"global_burst"       json:"global_burst"`
	// PrefixQPS is the per-prefix QPS limit (default: 10000, 0 = disabled)
	PrefixQPS float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"         json:"prefix_qps"`
	// PrefixBurst is the per-prefix burst size (default: 20000)
	PrefixBurst int `yaml:"prefix_burst"       mapstructure:"prefix_burst"       json:"prefix_burst"`
	// IPQPS is the per-IP QPS limit (default: 5000, 0 = disabled)
	IPQPS float64 `yaml:"ip_qps"             mapstructure:"ip_qps"             json:"ip_qps"`
	// IPBurst is the per-IP burst size (default: 10000)
	IPBurst int `yaml:"ip_burst"           mapstructure:"ip_burst"           json:"ip_burst"`
}

// APIConfig contains management API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// ListenProtocol selects which IP families the listeners bind.
type ListenProtocol string

const (
	ListenIPv4 ListenProtocol = "ipv4"
	ListenIPv6 ListenProtocol = "ipv6"
	ListenBoth ListenProtocol = "both"
)

// ListenTransport selects which wire transports the listeners bind.
type ListenTransport string

const (
	ListenUDP  ListenTransport = "udp"
	ListenTCP  ListenTransport = "tcp"
	ListenBothTransports ListenTransport = "both"
)

// OperationMode gates which clients the listener accepts queries from.
type OperationMode string

const (
	ModeServer  OperationMode = "server"  // accepts from any source
	ModePrivate OperationMode = "private" // loopback + RFC1918 only
	ModeProxy   OperationMode = "proxy"   // loopback only
	ModeCustom  OperationMode = "custom"  // matches the Main IP-filter group
)

// ListenConfig controls what the listeners bind and who they accept from.
type ListenConfig struct {
	Protocol      ListenProtocol  `yaml:"protocol"       mapstructure:"protocol"`
	Transport     ListenTransport `yaml:"transport"      mapstructure:"transport"`
	Addresses     []string        `yaml:"addresses"      mapstructure:"addresses"`
	Ports         []int           `yaml:"ports"          mapstructure:"ports"`
	OperationMode OperationMode   `yaml:"operation_mode" mapstructure:"operation_mode"`
}

// RoutingConfig names the upstream targets the dispatcher fans out to.
type RoutingConfig struct {
	TargetMainV4         string `yaml:"target_main_v4"         mapstructure:"target_main_v4"`
	TargetMainV6         string `yaml:"target_main_v6"         mapstructure:"target_main_v6"`
	TargetAlternateV4    string `yaml:"target_alternate_v4"    mapstructure:"target_alternate_v4"`
	TargetAlternateV6    string `yaml:"target_alternate_v6"    mapstructure:"target_alternate_v6"`
	TargetLocalMain      string `yaml:"target_local_main"      mapstructure:"target_local_main"`
	TargetLocalAlternate string `yaml:"target_local_alternate" mapstructure:"target_local_alternate"`
	AlternateMultipleRequest bool `yaml:"alternate_multiple_request" mapstructure:"alternate_multiple_request"`
	MultipleRequestTimes     int  `yaml:"multiple_request_times"     mapstructure:"multiple_request_times"`
}

// AlternateConfig tunes the alternate-channel failure-window switcher.
type AlternateConfig struct {
	AlternateTimes      int `yaml:"alternate_times"        mapstructure:"alternate_times"`
	AlternateTimeRangeMs int `yaml:"alternate_time_range_ms" mapstructure:"alternate_time_range_ms"`
	AlternateResetMs     int `yaml:"alternate_reset_ms"      mapstructure:"alternate_reset_ms"`
}

// CacheConfig bounds the response cache.
type CacheConfig struct {
	Size       int `yaml:"cache_size"        mapstructure:"cache_size"`
	DefaultTTL int `yaml:"cache_default_ttl" mapstructure:"cache_default_ttl"`
	MinTTL     int `yaml:"cache_min_ttl"     mapstructure:"cache_min_ttl"`
	MaxTTL     int `yaml:"cache_max_ttl"     mapstructure:"cache_max_ttl"`
}

// DNSCurveConfig controls the DNSCurve/DNSCrypt v2 upstream client.
type DNSCurveConfig struct {
	IsEncryption         bool   `yaml:"is_encryption"           mapstructure:"is_encryption"`
	IsEncryptionOnly     bool   `yaml:"is_encryption_only"      mapstructure:"is_encryption_only"`
	IsClientEphemeralKey bool   `yaml:"is_client_ephemeral_key" mapstructure:"is_client_ephemeral_key"`
	PayloadSize          int    `yaml:"payload_size"            mapstructure:"payload_size"`
	ProviderName         string `yaml:"provider_name"           mapstructure:"provider_name"`
	ServerLongTermPK     string `yaml:"server_long_term_pk"     mapstructure:"server_long_term_pk"`
}

// TLSConfig controls DoT / HTTP-CONNECT tunnel TLS behavior.
type TLSConfig struct {
	Version             string `yaml:"tls_version"        mapstructure:"tls_version"`
	SNI                 string `yaml:"sni"                mapstructure:"sni"`
	ALPN                []string `yaml:"alpn"              mapstructure:"alpn"`
	ValidateCertificates bool  `yaml:"validate_certificates" mapstructure:"validate_certificates"`
}

// DataChecksConfig toggles answer-side policy checks.
type DataChecksConfig struct {
	Blacklist     bool `yaml:"blacklist"        mapstructure:"blacklist"`
	LocalRouting  bool `yaml:"local_routing"    mapstructure:"local_routing"`
	HostsDefaultTTL int `yaml:"hosts_default_ttl" mapstructure:"hosts_default_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"      mapstructure:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"    mapstructure:"upstream"`
	Logging    LoggingConfig    `yaml:"logging"     mapstructure:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"  mapstructure:"rate_limit"`
	API        APIConfig        `yaml:"api"         mapstructure:"api"`
	Listen     ListenConfig     `yaml:"listen"      mapstructure:"listen"`
	Routing    RoutingConfig    `yaml:"routing"     mapstructure:"routing"`
	Alternate  AlternateConfig  `yaml:"alternate"   mapstructure:"alternate"`
	Cache      CacheConfig      `yaml:"cache"       mapstructure:"cache"`
	DNSCurve   DNSCurveConfig   `yaml:"dnscurve"    mapstructure:"dnscurve"`
	TLS        TLSConfig        `yaml:"tls"         mapstructure:"tls"`
	DataChecks DataChecksConfig `yaml:"data_checks" mapstructure:"data_checks"`
	Reload     ReloadConfig     `yaml:"reload"      mapstructure:"reload"`
	Network    NetworkConfig    `yaml:"network"     mapstructure:"network"`
	IPC        IPCConfig        `yaml:"ipc"         mapstructure:"ipc"`
	Cluster    ClusterConfig    `yaml:"cluster"     mapstructure:"cluster"`
}

// ReloadConfig controls the coarse-timer file-watch rule reloader (§4.8).
type ReloadConfig struct {
	HostsFiles      []string `yaml:"hosts_files"       mapstructure:"hosts_files"`
	IPFilterFiles   []string `yaml:"ip_filter_files"   mapstructure:"ip_filter_files"`
	DNSCurveDBFiles []string `yaml:"dnscurve_db_files" mapstructure:"dnscurve_db_files"`
	PollInterval    string   `yaml:"poll_interval"     mapstructure:"poll_interval"`
}

// NetworkConfig drives internal/netmon's local-interface inventory refresh
// and default-gateway reachability probe (§2 #7).
type NetworkConfig struct {
	GatewayAddress   string `yaml:"gateway_address"    mapstructure:"gateway_address"`
	ProbeInterval    string `yaml:"probe_interval"     mapstructure:"probe_interval"`
	ProbeTimeout     string `yaml:"probe_timeout"      mapstructure:"probe_timeout"`
}

// IPCConfig controls the §6 local control-channel listener accepting the
// single `flush [name]` command.
type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"     mapstructure:"enabled"`
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path"`
}

// ClusterMode selects a node's role in the soft config-sync cluster.
type ClusterMode string

const (
	ClusterModeStandalone ClusterMode = "standalone"
	ClusterModePrimary    ClusterMode = "primary"
	ClusterModeSecondary  ClusterMode = "secondary"
)

// ClusterConfig controls ConfigSnapshot-bundle replication between
// cooperating proxy instances: a secondary node periodically pulls the
// primary's hosts/ip-filter/DNSCurve-DB rule files and feeds them through
// the same rules.Store.Swap path as the local reload watcher.
type ClusterConfig struct {
	Mode         ClusterMode `yaml:"mode"          mapstructure:"mode"`
	NodeID       string      `yaml:"node_id"       mapstructure:"node_id"`
	PrimaryURL   string      `yaml:"primary_url"   mapstructure:"primary_url"`
	SharedSecret string      `yaml:"shared_secret" mapstructure:"shared_secret"`
	SyncInterval string      `yaml:"sync_interval" mapstructure:"sync_interval"`
	SyncTimeout  string      `yaml:"sync_timeout"  mapstructure:"sync_timeout"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HYDRADNS_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (HYDRADNS_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
