// Package netmon monitors the local network environment the proxy runs
// on: the set of local addresses bound on this host (used to answer PTR
// queries for the host's own addresses) and default-gateway reachability
// (used to decide whether upstream dispatch should even be attempted).
//
// Grounded on internal/api/handlers/health.go's use of
// github.com/shirou/gopsutil/v3 for host introspection, extended here to
// gopsutil's net subpackage for interface/address enumeration — the
// teacher already reaches for gopsutil over stdlib for this kind of
// system inspection, and the stdlib alternative (net.Interfaces) lacks
// the per-family IO/address detail gopsutil exposes.
package netmon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// AddressFamily distinguishes the two inventories §5's "per-address-
// family locks" design keeps separate.
type AddressFamily int

const (
	FamilyIPv4 AddressFamily = iota
	FamilyIPv6
)

// Inventory is the current set of local addresses for one address
// family, refreshed on demand by Monitor.Refresh.
type Inventory struct {
	mu        sync.RWMutex
	addresses map[string]struct{}
}

func newInventory() *Inventory {
	return &Inventory{addresses: make(map[string]struct{})}
}

// Contains reports whether addr is currently bound locally.
func (inv *Inventory) Contains(addr string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.addresses[addr]
	return ok
}

// Snapshot returns every address currently known.
func (inv *Inventory) Snapshot() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]string, 0, len(inv.addresses))
	for a := range inv.addresses {
		out = append(out, a)
	}
	return out
}

func (inv *Inventory) replace(addrs []string) {
	next := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		next[a] = struct{}{}
	}
	inv.mu.Lock()
	inv.addresses = next
	inv.mu.Unlock()
}

// HopLimitAdvisor reports the IP TTL/hop-limit a response datagram
// arrived with, for an optional pcap-based side channel that can
// distinguish spoofed replies by expected hop-count deviation. No
// packet-capture implementation exists and nothing in this module
// consumes the interface (the dispatcher takes no advisor); defining only
// an interface avoids a compile-time dependency on any particular capture
// library (pcap bindings aren't present anywhere in this dependency pack).
type HopLimitAdvisor interface {
	// HopLimitFor returns the most recently observed IP TTL/hop-limit
	// for responses from addr, and whether an observation exists at all.
	HopLimitFor(addr net.IP) (hopLimit int, ok bool)
}

// Monitor tracks local address inventories per family and default
// gateway reachability.
type Monitor struct {
	IPv4 *Inventory
	IPv6 *Inventory

	gatewayMu   sync.RWMutex
	gatewayOK   bool
	lastChecked time.Time
}

// NewMonitor returns an empty Monitor; call Refresh to populate it.
func NewMonitor() *Monitor {
	return &Monitor{IPv4: newInventory(), IPv6: newInventory()}
}

// Refresh re-enumerates local interface addresses via gopsutil.
func (m *Monitor) Refresh() error {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return fmt.Errorf("netmon: enumerating interfaces: %w", err)
	}

	var v4, v6 []string
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				v4 = append(v4, ip.String())
			} else {
				v6 = append(v6, ip.String())
			}
		}
	}
	m.IPv4.replace(v4)
	m.IPv6.replace(v6)
	return nil
}

// ProbeGateway dials gatewayAddr (host:port) to check default-route
// reachability, recording the result for GatewayReachable to report.
func (m *Monitor) ProbeGateway(ctx context.Context, gatewayAddr string, timeout time.Duration) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", gatewayAddr)
	ok := err == nil
	if conn != nil {
		conn.Close()
	}

	m.gatewayMu.Lock()
	m.gatewayOK = ok
	m.lastChecked = time.Now()
	m.gatewayMu.Unlock()
}

// GatewayReachable reports the outcome of the most recent ProbeGateway
// call, and when it ran.
func (m *Monitor) GatewayReachable() (ok bool, lastChecked time.Time) {
	m.gatewayMu.RLock()
	defer m.gatewayMu.RUnlock()
	return m.gatewayOK, m.lastChecked
}
