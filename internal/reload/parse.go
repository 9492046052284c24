// Package reload implements the config/rule reloader (spec.md §4.8): a
// coarse-timer file-mtime watch over the hosts, IP-filter, and DNSCurve-DB
// rule files that reparses a changed file and atomically swaps a rebuilt
// internal/rules.ConfigSnapshot into the live internal/rules.Store.
//
// No teacher package does file-watch reloading; the ticker/rebuild-under-
// lock shape is grounded on the teacher's blocklist-policy refreshLoop,
// generalized from periodic blocklist refetch to periodic file re-stat.
package reload

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/jroosing/hydracurve/internal/rules"
)

// ParseHostsFile reads a hosts rules file in the `[Type = X]`-sectioned
// format spec.md §6 describes and returns the rules it contains, tagged
// with fileIndex.
//
// Section headers select the HostsRuleType for the lines that follow:
// White, Banned, Local, Normal (or Address), CNAME, Source,
// WhiteExtended, BannedExtended. Lines are blank-trimmed; '#' and ';'
// start a comment. A leading "*." on a White, Banned or Local pattern is
// stripped and sets Wildcard; other sections keep the pattern as written.
func ParseHostsFile(path string, fileIndex int) ([]rules.HostsRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reload: opening hosts file %s: %w", path, err)
	}
	defer f.Close()

	var out []rules.HostsRule
	section := rules.HostsNormal
	haveSection := false

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			t, err := parseHostsSectionHeader(line)
			if err != nil {
				return nil, fmt.Errorf("reload: %s:%d: %w", path, lineNo, err)
			}
			section = t
			haveSection = true
			continue
		}

		if !haveSection {
			return nil, fmt.Errorf("reload: %s:%d: rule line before any [Type = ...] section", path, lineNo)
		}

		rule, err := parseHostsLine(section, line, fileIndex)
		if err != nil {
			return nil, fmt.Errorf("reload: %s:%d: %w", path, lineNo, err)
		}
		out = append(out, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reload: reading hosts file %s: %w", path, err)
	}
	return out, nil
}

func parseHostsSectionHeader(line string) (rules.HostsRuleType, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	_, value, ok := strings.Cut(inner, "=")
	if !ok {
		value = inner
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "white":
		return rules.HostsWhite, nil
	case "banned":
		return rules.HostsBanned, nil
	case "local":
		return rules.HostsLocal, nil
	case "normal":
		return rules.HostsNormal, nil
	case "address":
		return rules.HostsAddress, nil
	case "cname":
		return rules.HostsCNAME, nil
	case "source":
		return rules.HostsSource, nil
	case "whiteextended", "white_extended":
		return rules.HostsWhiteExtended, nil
	case "bannedextended", "banned_extended":
		return rules.HostsBannedExtended, nil
	default:
		return 0, fmt.Errorf("unknown hosts section %q", value)
	}
}

func parseHostsLine(t rules.HostsRuleType, line string, fileIndex int) (rules.HostsRule, error) {
	switch t {
	case rules.HostsWhite, rules.HostsBanned, rules.HostsLocal:
		pattern, wildcard := stripWildcard(line)
		return rules.HostsRule{Type: t, Pattern: pattern, Wildcard: wildcard, FileIndex: fileIndex}, nil

	case rules.HostsWhiteExtended, rules.HostsBannedExtended:
		return rules.HostsRule{Type: t, Pattern: line, FileIndex: fileIndex}, nil

	case rules.HostsNormal, rules.HostsAddress:
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return rules.HostsRule{}, fmt.Errorf("expected \"address name\", got %q", line)
		}
		return rules.HostsRule{Type: t, Pattern: fields[1], Target: fields[0], FileIndex: fileIndex}, nil

	case rules.HostsCNAME:
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return rules.HostsRule{}, fmt.Errorf("expected \"name target\", got %q", line)
		}
		return rules.HostsRule{Type: t, Pattern: fields[0], Target: fields[1], FileIndex: fileIndex}, nil

	case rules.HostsSource:
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return rules.HostsRule{}, fmt.Errorf("expected \"source-cidr name upstream\", got %q", line)
		}
		return rules.HostsRule{Type: t, Pattern: fields[1], Source: fields[0], Target: fields[2], FileIndex: fileIndex}, nil

	default:
		return rules.HostsRule{}, fmt.Errorf("unsupported hosts rule type %v", t)
	}
}

func stripWildcard(pattern string) (string, bool) {
	if strings.HasPrefix(pattern, "*.") {
		return strings.TrimPrefix(pattern, "*."), true
	}
	return pattern, false
}

// ParseIPFilterFile reads an IP filter file in the `[Blacklist]`/
// `[Local Routing]`-sectioned format spec.md §6 describes. Lines before
// any section header, or under an explicit `[Main]` header, belong to
// the Main group.
func ParseIPFilterFile(path string, fileIndex int) (*rules.IPFilterTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reload: opening IP filter file %s: %w", path, err)
	}
	defer f.Close()

	table := rules.NewIPFilterTable()
	group := rules.GroupMain

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			switch strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")) {
			case "main":
				group = rules.GroupMain
			case "blacklist":
				group = rules.GroupBlacklist
			case "local routing", "localrouting", "local_routing":
				group = rules.GroupLocalRouting
			default:
				return nil, fmt.Errorf("reload: %s:%d: unknown IP filter section %q", path, lineNo, line)
			}
			continue
		}

		action := rules.IPFilterAllow
		if group == rules.GroupBlacklist {
			action = rules.IPFilterDeny
		} else if group == rules.GroupLocalRouting {
			action = rules.IPFilterLocalRouting
		}
		if err := table.Add(line, action, group, fileIndex); err != nil {
			return nil, fmt.Errorf("reload: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reload: reading IP filter file %s: %w", path, err)
	}
	return table, nil
}

// ParseDNSCurveDBFile reads a DNSCurve server database file: one
// `[name]`-headed stanza per provider, with `key = value` lines for
// address, provider_name, and public_key (64 hex characters).
func ParseDNSCurveDBFile(path string, fileIndex int) ([]rules.DNSCurveServer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reload: opening DNSCurve DB file %s: %w", path, err)
	}
	defer f.Close()

	var out []rules.DNSCurveServer
	var current *rules.DNSCurveServer

	flush := func() error {
		if current == nil {
			return nil
		}
		out = append(out, *current)
		current = nil
		return nil
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if err := flush(); err != nil {
				return nil, err
			}
			name := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			current = &rules.DNSCurveServer{Name: strings.TrimSpace(name), FileIndex: fileIndex}
			continue
		}

		if current == nil {
			return nil, fmt.Errorf("reload: %s:%d: key before any [name] stanza", path, lineNo)
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("reload: %s:%d: expected \"key = value\", got %q", path, lineNo, line)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "address":
			current.Address = value
		case "provider_name":
			current.ProviderName = value
		case "public_key":
			raw, err := hex.DecodeString(strings.ReplaceAll(value, ":", ""))
			if err != nil || len(raw) != 32 {
				return nil, fmt.Errorf("reload: %s:%d: public_key must be 32 bytes of hex, got %q", path, lineNo, value)
			}
			copy(current.PublicKey[:], raw)
		default:
			return nil, fmt.Errorf("reload: %s:%d: unknown DNSCurve DB key %q", path, lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reload: reading DNSCurve DB file %s: %w", path, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
