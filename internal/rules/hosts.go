// Package rules implements the hot-swappable rule store: hosts rules,
// IP filter rules, and the DNSCurve server registry, assembled into an
// immutable ConfigSnapshot that the request pipeline consults on every
// query.
package rules

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/jroosing/hydracurve/internal/filtering"
)

// HostsRuleType categorizes a hosts-file rule by the action it takes once
// a query name matches.
type HostsRuleType int

const (
	// HostsNormal synthesizes an A/AAAA answer from Target (a literal IP).
	HostsNormal HostsRuleType = iota
	// HostsCNAME synthesizes a CNAME answer pointing at Target.
	HostsCNAME
	// HostsAddress is a shorthand for HostsNormal kept distinct for
	// file-format fidelity (Address-type hosts lines vs. bare Normal ones).
	HostsAddress
	// HostsLocal marks a name whose queries are forwarded through the
	// local dispatcher instead of the default one, without itself
	// providing an address.
	HostsLocal
	// HostsSource marks a name whose queries are forwarded through the
	// local dispatcher when the client's address falls inside Source (a
	// CIDR); other clients use the default dispatcher.
	HostsSource
	// HostsWhite exempts a name from every Banned rule.
	HostsWhite
	// HostsBanned blocks a name outright (NXDOMAIN).
	HostsBanned
	// HostsWhiteExtended is HostsWhite with Pattern interpreted as a regular
	// expression instead of a domain suffix.
	HostsWhiteExtended
	// HostsBannedExtended is HostsBanned with Pattern interpreted as a
	// regular expression.
	HostsBannedExtended
)

// String returns the human-readable rule type name.
func (t HostsRuleType) String() string {
	switch t {
	case HostsNormal:
		return "normal"
	case HostsCNAME:
		return "cname"
	case HostsAddress:
		return "address"
	case HostsLocal:
		return "local"
	case HostsSource:
		return "source"
	case HostsWhite:
		return "white"
	case HostsBanned:
		return "banned"
	case HostsWhiteExtended:
		return "white_extended"
	case HostsBannedExtended:
		return "banned_extended"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// HostsRule is a single parsed hosts-file entry.
type HostsRule struct {
	Type      HostsRuleType
	Pattern   string // domain suffix (non-extended) or regex source (extended)
	Target    string // literal IP (Normal/Address), CNAME target, or upstream name (Source; not consulted)
	Source    string // client source CIDR, for HostsSource
	Wildcard  bool   // whether Pattern matches subdomains too
	FileIndex int    // position of the originating file in the load order; lower wins ties
}

// HostsTable indexes HostsRule entries by type for O(suffix-length) lookup,
// mirroring internal/filtering's reversed-label DomainTrie for the plain
// domain categories and falling back to linear regex scans for the
// Extended categories (regexes cannot be folded into a trie).
type HostsTable struct {
	white        *filtering.DomainTrie
	banned       *filtering.DomainTrie
	local        *filtering.DomainTrie
	normal       map[string]*HostsRule // exact qname -> rule (Normal/Address/CNAME/Source)
	whiteExt     []compiledExtended
	bannedExt    []compiledExtended
}

type compiledExtended struct {
	re   *regexp.Regexp
	rule *HostsRule
}

// NewHostsTable returns an empty table.
func NewHostsTable() *HostsTable {
	return &HostsTable{
		white:  filtering.NewDomainTrie(),
		banned: filtering.NewDomainTrie(),
		local:  filtering.NewDomainTrie(),
		normal: make(map[string]*HostsRule),
	}
}

// Add inserts a rule into the table. Extended rules with an invalid regex
// are rejected; all other rules always succeed.
func (t *HostsTable) Add(r HostsRule) error {
	name := strings.ToLower(strings.TrimSuffix(r.Pattern, "."))
	switch r.Type {
	case HostsWhite:
		t.white.Add(name, r.Wildcard)
	case HostsBanned:
		t.banned.Add(name, r.Wildcard)
	case HostsLocal:
		t.local.Add(name, r.Wildcard)
	case HostsWhiteExtended:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("compiling white-extended pattern %q: %w", r.Pattern, err)
		}
		rc := r
		t.whiteExt = append(t.whiteExt, compiledExtended{re: re, rule: &rc})
	case HostsBannedExtended:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("compiling banned-extended pattern %q: %w", r.Pattern, err)
		}
		rc := r
		t.bannedExt = append(t.bannedExt, compiledExtended{re: re, rule: &rc})
	case HostsNormal, HostsAddress, HostsCNAME, HostsSource:
		if prev, ok := t.normal[name]; ok && prev.FileIndex <= r.FileIndex {
			return nil
		}
		rc := r
		t.normal[name] = &rc
	default:
		return fmt.Errorf("unknown hosts rule type %v", r.Type)
	}
	return nil
}

// MatchResult reports what the table decided for a query name.
type MatchResult struct {
	Banned bool       // true if the query should be answered with NXDOMAIN/refused
	Rule   *HostsRule // the synthesis rule (Normal/Address/CNAME/Source), if any
	Found  bool       // true if Rule is populated
}

// Match evaluates qname against the table in priority order: White and
// WhiteExtended exempt a name from the Banned checks that follow; Banned
// and BannedExtended short-circuit with Banned=true; Local and the
// synthesis rules follow. First match wins within each category.
func (t *HostsTable) Match(qname string) MatchResult {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))

	whitelisted := t.white.Contains(name) || matchExtended(t.whiteExt, name)
	if !whitelisted {
		if t.banned.Contains(name) {
			return MatchResult{Banned: true}
		}
		if r, ok := matchExtendedRule(t.bannedExt, name); ok {
			return MatchResult{Banned: true, Rule: r, Found: true}
		}
	}

	if r, ok := t.normal[name]; ok {
		return MatchResult{Rule: r, Found: true}
	}
	if t.local.Contains(name) {
		return MatchResult{Rule: &HostsRule{Type: HostsLocal, Pattern: name}, Found: true}
	}
	return MatchResult{}
}

func matchExtended(list []compiledExtended, name string) bool {
	for _, c := range list {
		if c.re.MatchString(name) {
			return true
		}
	}
	return false
}

func matchExtendedRule(list []compiledExtended, name string) (*HostsRule, bool) {
	for _, c := range list {
		if c.re.MatchString(name) {
			return c.rule, true
		}
	}
	return nil, false
}

// Size returns the total number of rules loaded across all categories.
func (t *HostsTable) Size() int {
	return t.white.Size() + t.banned.Size() + t.local.Size() + len(t.normal) + len(t.whiteExt) + len(t.bannedExt)
}

// ParseTargetIP parses a HostsNormal/HostsAddress rule's Target as an IP,
// returning ok=false if it does not parse as one (the pipeline then
// forwards the query upstream as if no rule had matched).
func ParseTargetIP(target string) (net.IP, bool) {
	ip := net.ParseIP(strings.TrimSpace(target))
	return ip, ip != nil
}
