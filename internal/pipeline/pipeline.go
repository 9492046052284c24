// Package pipeline implements the request pipeline the resolvers package's
// original ForwardingResolver/ChainedResolver pair covered: parse, filter,
// cache, dispatch, and reply, generalized to consult the hot-swappable
// rules.Store instead of a single zone file and to hand actual upstream
// fan-out to internal/dispatch instead of a single forwarding target.
//
// Pipeline implements resolvers.Resolver, so it drops into
// internal/server's QueryHandler unchanged.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jroosing/hydracurve/internal/cache"
	"github.com/jroosing/hydracurve/internal/config"
	"github.com/jroosing/hydracurve/internal/dispatch"
	"github.com/jroosing/hydracurve/internal/dns"
	"github.com/jroosing/hydracurve/internal/netmon"
	"github.com/jroosing/hydracurve/internal/resolvers"
	"github.com/jroosing/hydracurve/internal/rules"
)

type contextKey int

const sourceIPContextKey contextKey = 0

// WithSourceIP attaches the client's source address to ctx, so a Resolver
// reached through resolvers.Resolver's unchanged signature can still apply
// source-based policy (Custom operation mode's allow/deny check, Source-type
// hosts rule gating) without every caller threading an extra parameter.
func WithSourceIP(ctx context.Context, ip net.IP) context.Context {
	return context.WithValue(ctx, sourceIPContextKey, ip)
}

// SourceIPFromContext returns the address WithSourceIP attached, if any.
func SourceIPFromContext(ctx context.Context) (net.IP, bool) {
	ip, ok := ctx.Value(sourceIPContextKey).(net.IP)
	return ip, ok && ip != nil
}

// Dispatchers groups the per-address-family dispatchers a Pipeline races
// queries through. V4/V6 serve ordinary internet-routed queries; Local
// serves HostsLocal/HostsSource rules and any query a Custom-mode source
// check routes away from the public dispatchers.
type Dispatchers struct {
	V4    *dispatch.Dispatcher
	V6    *dispatch.Dispatcher
	Local *dispatch.Dispatcher
}

// Settings carries the subset of config.Config the pipeline consults on
// every query.
type Settings struct {
	OperationMode   config.OperationMode
	CacheMinTTL     time.Duration
	CacheMaxTTL     time.Duration
	CacheDefaultTTL time.Duration
	HostsDefaultTTL time.Duration
	QueryTimeout    time.Duration
}

// Pipeline implements the nine-step request flow: parse (done by the
// caller), source filter, canonicalize/fingerprint, hosts pre-rewrite,
// cache lookup, dispatch, post-filter, cache insert, reply.
type Pipeline struct {
	Store    *rules.Store
	Cache    *cache.Cache
	Dispatch Dispatchers
	Settings Settings
	Logger   *slog.Logger

	// Netmon, if set, enables two behaviors: PTR queries for an address
	// this host currently holds are answered locally instead of being
	// forwarded upstream, and dispatch to the network-routed
	// dispatchers is short-circuited to SERVFAIL while the default
	// gateway is known to be unreachable, rather than waiting out a
	// timeout against a route that can't deliver the query anyway.
	Netmon *netmon.Monitor
}

// New returns a Pipeline. logger defaults to slog.Default() if nil.
func New(store *rules.Store, c *cache.Cache, d Dispatchers, settings Settings, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{Store: store, Cache: c, Dispatch: d, Settings: settings, Logger: logger}
}

// Close satisfies resolvers.Resolver. The pipeline holds no resources of
// its own; the dispatchers' underlying transport.Adapters are pooled
// connections owned by the caller that constructed them.
func (p *Pipeline) Close() error { return nil }

var _ resolvers.Resolver = (*Pipeline)(nil)

// Resolve runs req through the nine-step pipeline and returns the wire
// response to send back to the client (with the client's own transaction
// ID already restored).
func (p *Pipeline) Resolve(ctx context.Context, req dns.Packet, reqBytes []byte) (resolvers.Result, error) {
	if len(req.Questions) == 0 {
		return p.errorResult(req, dns.RCodeFormErr, "no-question"), nil
	}
	q := req.Questions[0]
	snap := p.Store.Load()

	// Step 2: source filter. Only Custom mode evaluates the IP filter
	// table (all of its groups) against the client's own address; Server/
	// Private/Proxy modes accept every source that reached the listener.
	if p.Settings.OperationMode == config.ModeCustom {
		if src, ok := SourceIPFromContext(ctx); ok {
			if snap.IPFilters.Evaluate(src) == rules.IPFilterDeny {
				return p.errorResult(req, dns.RCodeRefused, "source-denied"), nil
			}
		}
	}

	// Step 3: canonicalize/fingerprint.
	qname := dns.NormalizeName(q.Name)
	fp := p.fingerprint(qname, q, req)

	if q.Type == uint16(dns.TypePTR) && p.Netmon != nil {
		if resp, ok := p.answerLocalPTR(req, q); ok {
			return resolvers.Result{ResponseBytes: resp, Source: "netmon-ptr"}, nil
		}
	}

	// Step 4: hosts pre-rewrite. A hosts CNAME rule is answered with the
	// CNAME record alone; the alias target is not resolved.
	target := dispatchTarget(p.Dispatch, q.Type)
	match := snap.Hosts.Match(qname)
	if match.Banned {
		return p.errorResult(req, dns.RCodeNXDomain, "hosts-banned"), nil
	}
	if match.Found {
		switch match.Rule.Type {
		case rules.HostsNormal, rules.HostsAddress:
			if resp, ok := p.synthesizeAddress(req, q, match.Rule); ok {
				return resolvers.Result{ResponseBytes: resp, Source: "hosts-address"}, nil
			}
		case rules.HostsCNAME:
			if resp, ok := p.synthesizeCNAME(req, q, match.Rule); ok {
				return resolvers.Result{ResponseBytes: resp, Source: "hosts-cname"}, nil
			}
		case rules.HostsLocal:
			target = p.Dispatch.Local
		case rules.HostsSource:
			// Only clients inside the rule's Source CIDR go to Local.
			if src, ok := SourceIPFromContext(ctx); ok {
				if _, n, err := net.ParseCIDR(match.Rule.Source); err == nil && n.Contains(src) {
					target = p.Dispatch.Local
				}
			}
		}
	}

	if target == nil {
		return p.errorResult(req, dns.RCodeServFail, "no-dispatcher"), nil
	}
	if target != p.Dispatch.Local && p.Netmon != nil {
		if reachable, checked := p.Netmon.GatewayReachable(); !checked.IsZero() && !reachable {
			return p.errorResult(req, dns.RCodeServFail, "gateway-unreachable"), nil
		}
	}

	// Steps 5-8: cache lookup, dispatch, post-filter (embedded in
	// dispatch.Dispatcher.Validate's blacklist check, applied before a
	// response is allowed to win), cache insert.
	_, cached := p.Cache.Get(fp)
	entry, err := p.Cache.Resolve(fp, func() (cache.Entry, error) {
		return p.fetch(ctx, target, req, reqBytes)
	})
	if err != nil {
		p.Logger.DebugContext(ctx, "pipeline: dispatch failed", "qname", qname, "qtype", q.Type, "error", err)
		return p.errorResult(req, dns.RCodeServFail, "dispatch-error"), nil
	}

	// Step 9: reply — restore the client's transaction ID over whatever
	// ID was current when the entry was cached (cached entries carry a
	// neutral placeholder ID).
	out := resolvers.PatchTransactionID(entry.ResponseBytes, req.Header.ID)
	source := "upstream"
	if cached {
		source = "cache"
	}
	return resolvers.Result{ResponseBytes: out, Source: source}, nil
}

// dispatchTarget chooses the address-family dispatcher for qtype. Anything
// other than AAAA is routed to V4 by default; AAAA prefers V6 and falls
// back to V4 if no V6 upstream is configured (the upstream itself decides
// whether it actually holds AAAA data).
func dispatchTarget(d Dispatchers, qtype uint16) *dispatch.Dispatcher {
	if qtype == uint16(dns.TypeAAAA) && d.V6 != nil {
		return d.V6
	}
	if d.V4 != nil {
		return d.V4
	}
	return d.V6
}

// fetch performs the actual upstream round trip (step 6) backing a cache
// miss: dispatch, extract/clamp the answer TTL (step 8's bookkeeping), and
// package the result as a cache.Entry.
func (p *Pipeline) fetch(ctx context.Context, target *dispatch.Dispatcher, req dns.Packet, reqBytes []byte) (cache.Entry, error) {
	timeout := p.Settings.QueryTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	out, err := target.Dispatch(ctx, req, reqBytes, timeout)
	if err != nil {
		return cache.Entry{}, err
	}

	neutral := resolvers.PatchTransactionID(out.ResponseBytes, 0)
	resp, perr := dns.ParsePacket(neutral)
	negative := false
	ttl := p.Settings.CacheDefaultTTL
	if perr == nil {
		rcode := dns.RCodeFromFlags(resp.Header.Flags)
		negative = rcode == dns.RCodeNXDomain || rcode == dns.RCodeServFail
		if t, ok := minAnswerTTL(resp); ok {
			ttl = t
		}
	}
	ttl = clampTTL(ttl, p.Settings.CacheMinTTL, p.Settings.CacheMaxTTL)

	return cache.Entry{
		ResponseBytes: neutral,
		CachedAt:      time.Now(),
		ExpiresAt:     time.Now().Add(ttl),
		Negative:      negative,
	}, nil
}

// minAnswerTTL returns the smallest TTL across resp's answer section, the
// floor a cached response must respect (RFC 2181 §5.2).
func minAnswerTTL(resp dns.Packet) (time.Duration, bool) {
	if len(resp.Answers) == 0 {
		return 0, false
	}
	min := resp.Answers[0].Header().TTL
	for _, rr := range resp.Answers[1:] {
		if rr.Header().TTL < min {
			min = rr.Header().TTL
		}
	}
	return time.Duration(min) * time.Second, true
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if min > 0 && ttl < min {
		ttl = min
	}
	if max > 0 && ttl > max {
		ttl = max
	}
	return ttl
}

// fingerprint builds the cache key for q, folding in the EDNS
// CLIENT-SUBNET scope (if present) so that geo-varying answers for
// different subnets never collide in the cache.
func (p *Pipeline) fingerprint(qname string, q dns.Question, req dns.Packet) cache.Fingerprint {
	fp := cache.Fingerprint{QName: qname, QType: q.Type, QClass: q.Class}
	if opt := dns.ExtractOPT(req.Additionals); opt != nil {
		if cs, ok := dns.ExtractClientSubnet(opt); ok {
			fp.Subnet = fmt.Sprintf("%s/%d", cs.Address.String(), cs.SourcePrefix)
		}
	}
	return fp
}

// synthesizeAddress builds an A/AAAA answer from a HostsNormal/HostsAddress
// rule's literal Target IP, provided its family matches the question type.
func (p *Pipeline) synthesizeAddress(req dns.Packet, q dns.Question, rule *rules.HostsRule) ([]byte, bool) {
	ip, ok := rules.ParseTargetIP(rule.Target)
	if !ok {
		return nil, false
	}
	isV4 := ip.To4() != nil
	if isV4 && q.Type != uint16(dns.TypeA) {
		return nil, false
	}
	if !isV4 && q.Type != uint16(dns.TypeAAAA) {
		return nil, false
	}

	ttl := uint32(p.Settings.HostsDefaultTTL / time.Second)
	hdr := dns.NewRRHeader(q.Name, dns.ClassIN, ttl)
	rr := dns.NewIPRecord(hdr, ip)

	resp := dns.BuildErrorResponse(req, uint16(dns.RCodeNoError))
	resp.Answers = []dns.Record{rr}
	b, err := resp.Marshal()
	if err != nil {
		return nil, false
	}
	return b, true
}

// synthesizeCNAME builds a CNAME answer from a HostsCNAME rule. The
// aliased name itself is left for the client to re-query (mirroring how
// upstream resolvers hand back a CNAME without chasing it when the
// client's question type isn't the alias target's own address type);
// this keeps hosts-rule CNAME handling a single, bounded rewrite rather
// than an open-ended resolution loop inside the pipeline.
func (p *Pipeline) synthesizeCNAME(req dns.Packet, q dns.Question, rule *rules.HostsRule) ([]byte, bool) {
	if strings.TrimSpace(rule.Target) == "" {
		return nil, false
	}
	ttl := uint32(p.Settings.HostsDefaultTTL / time.Second)
	hdr := dns.NewRRHeader(q.Name, dns.ClassIN, ttl)
	rr := dns.NewCNAMERecord(hdr, rule.Target)

	resp := dns.BuildErrorResponse(req, uint16(dns.RCodeNoError))
	resp.Answers = []dns.Record{rr}
	b, err := resp.Marshal()
	if err != nil {
		return nil, false
	}
	return b, true
}

// answerLocalPTR answers a PTR query for qname directly when it names an
// address currently bound on this host, sparing a round trip to an
// upstream that has no idea this host even exists.
func (p *Pipeline) answerLocalPTR(req dns.Packet, q dns.Question) ([]byte, bool) {
	ip, ok := reverseNameToIP(q.Name)
	if !ok {
		return nil, false
	}

	var local bool
	if v4 := ip.To4(); v4 != nil {
		local = p.Netmon.IPv4.Contains(v4.String())
	} else {
		local = p.Netmon.IPv6.Contains(ip.String())
	}
	if !local {
		return nil, false
	}

	ttl := uint32(p.Settings.HostsDefaultTTL / time.Second)
	hdr := dns.NewRRHeader(q.Name, dns.ClassIN, ttl)
	rr := dns.NewPTRRecord(hdr, "proxy.local.")

	resp := dns.BuildErrorResponse(req, uint16(dns.RCodeNoError))
	resp.Answers = []dns.Record{rr}
	b, err := resp.Marshal()
	if err != nil {
		return nil, false
	}
	return b, true
}

// reverseNameToIP parses an in-addr.arpa (IPv4) or ip6.arpa (IPv6) PTR
// query name back into the address it names.
func reverseNameToIP(qname string) (net.IP, bool) {
	name := strings.TrimSuffix(strings.ToLower(qname), ".")

	if strings.HasSuffix(name, ".in-addr.arpa") {
		labels := strings.Split(strings.TrimSuffix(name, ".in-addr.arpa"), ".")
		if len(labels) != 4 {
			return nil, false
		}
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
		ip := net.ParseIP(strings.Join(labels, "."))
		if ip == nil {
			return nil, false
		}
		return ip, true
	}

	if strings.HasSuffix(name, ".ip6.arpa") {
		nibbles := strings.Split(strings.TrimSuffix(name, ".ip6.arpa"), ".")
		if len(nibbles) != 32 {
			return nil, false
		}
		for i, j := 0, len(nibbles)-1; i < j; i, j = i+1, j-1 {
			nibbles[i], nibbles[j] = nibbles[j], nibbles[i]
		}
		var b strings.Builder
		for i, n := range nibbles {
			if len(n) != 1 {
				return nil, false
			}
			b.WriteString(n)
			if i%4 == 3 && i != len(nibbles)-1 {
				b.WriteByte(':')
			}
		}
		ip := net.ParseIP(b.String())
		if ip == nil {
			return nil, false
		}
		return ip, true
	}

	return nil, false
}

// errorResult builds a resolvers.Result carrying an RFC-shaped error
// response for rcode, tagged with source for logging/metrics.
func (p *Pipeline) errorResult(req dns.Packet, rcode dns.RCode, source string) resolvers.Result {
	b, err := dns.BuildErrorResponse(req, uint16(rcode)).Marshal()
	if err != nil {
		return resolvers.Result{Source: source}
	}
	return resolvers.Result{ResponseBytes: b, Source: source}
}
