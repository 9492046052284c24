package rules

import (
	"fmt"
	"net"
)

// IPFilterAction is the disposition an IPFilterRule assigns to a matching
// response address.
type IPFilterAction int

const (
	// IPFilterAllow permits the address through unconditionally.
	IPFilterAllow IPFilterAction = iota
	// IPFilterDeny causes the containing response to be treated as
	// poisoned and discarded (the query falls through to the next
	// dispatch attempt, if any).
	IPFilterDeny
	// IPFilterLocalRouting marks the address as belonging to a local/LAN
	// range. Evaluate reports it, but no caller acts on it: a match does
	// not reroute the query to the local dispatcher and affects neither
	// Source-type hosts rules nor DNSCurve/TCP choice.
	IPFilterLocalRouting
)

// String returns the human-readable action name.
func (a IPFilterAction) String() string {
	switch a {
	case IPFilterAllow:
		return "allow"
	case IPFilterDeny:
		return "deny"
	case IPFilterLocalRouting:
		return "local_routing"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// IPFilterGroup partitions the table into the three lists the spec
// distinguishes: the always-checked Main list, the Blacklist
// (deny-oriented) list, and LocalRouting (allow-oriented, LAN-range)
// list. Main is checked first; Blacklist and LocalRouting are only
// consulted when nothing in Main matched.
type IPFilterGroup int

const (
	GroupMain IPFilterGroup = iota
	GroupBlacklist
	GroupLocalRouting
)

// IPFilterRule is a single CIDR-based IP filter entry.
type IPFilterRule struct {
	Network   *net.IPNet
	Action    IPFilterAction
	Group     IPFilterGroup
	FileIndex int
}

// IPFilterTable holds the three rule groups and evaluates addresses
// against them in group order, first-match-wins within a group.
type IPFilterTable struct {
	main         []IPFilterRule
	blacklist    []IPFilterRule
	localRouting []IPFilterRule
}

// NewIPFilterTable returns an empty table.
func NewIPFilterTable() *IPFilterTable {
	return &IPFilterTable{}
}

// Add parses cidr and appends a rule to the given group.
func (t *IPFilterTable) Add(cidr string, action IPFilterAction, group IPFilterGroup, fileIndex int) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		// Accept bare IPs by widening to a single-address network.
		ip := net.ParseIP(cidr)
		if ip == nil {
			return fmt.Errorf("invalid IP filter entry %q: %w", cidr, err)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
	}
	rule := IPFilterRule{Network: network, Action: action, Group: group, FileIndex: fileIndex}
	switch group {
	case GroupMain:
		t.main = append(t.main, rule)
	case GroupBlacklist:
		t.blacklist = append(t.blacklist, rule)
	case GroupLocalRouting:
		t.localRouting = append(t.localRouting, rule)
	default:
		return fmt.Errorf("unknown IP filter group %v", group)
	}
	return nil
}

// Evaluate checks ip against Main, then Blacklist, then LocalRouting.
// Returns IPFilterAllow if nothing matched.
func (t *IPFilterTable) Evaluate(ip net.IP) IPFilterAction {
	if a, ok := matchGroup(t.main, ip); ok {
		return a
	}
	if a, ok := matchGroup(t.blacklist, ip); ok {
		return a
	}
	if a, ok := matchGroup(t.localRouting, ip); ok {
		return a
	}
	return IPFilterAllow
}

func matchGroup(rules []IPFilterRule, ip net.IP) (IPFilterAction, bool) {
	for _, r := range rules {
		if r.Network.Contains(ip) {
			return r.Action, true
		}
	}
	return IPFilterAllow, false
}

// Size returns the number of rules loaded across all groups.
func (t *IPFilterTable) Size() int {
	return len(t.main) + len(t.blacklist) + len(t.localRouting)
}

// RulesInGroup returns a copy of the rules belonging to group, in load
// order. Used by the reload watcher to merge per-file tables into one
// composite snapshot table.
func (t *IPFilterTable) RulesInGroup(group IPFilterGroup) []IPFilterRule {
	switch group {
	case GroupMain:
		return append([]IPFilterRule(nil), t.main...)
	case GroupBlacklist:
		return append([]IPFilterRule(nil), t.blacklist...)
	case GroupLocalRouting:
		return append([]IPFilterRule(nil), t.localRouting...)
	default:
		return nil
	}
}
