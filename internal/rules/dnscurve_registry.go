package rules

import "fmt"

// DNSCurveServer is one entry from the DNSCurve server database: a named
// upstream that speaks the DNSCurve/DNSCrypt v2 protocol, identified by
// its long-term public signing key fingerprint.
type DNSCurveServer struct {
	Name          string // friendly name used by operators and in logs
	Address       string // host:port of the DNSCurve listener (usually UDP 443)
	ProviderName  string // certificate provider name, e.g. "2.dnscrypt-cert.example.com"
	PublicKey     [32]byte // long-term Ed25519 provider signing public key
	FileIndex     int
}

// DNSCurveRegistry is a name-indexed lookup of configured DNSCurve
// upstreams, mirroring the Main/Alternate server split used elsewhere in
// the dispatcher.
type DNSCurveRegistry struct {
	byName map[string]DNSCurveServer
	order  []string
}

// NewDNSCurveRegistry returns an empty registry.
func NewDNSCurveRegistry() *DNSCurveRegistry {
	return &DNSCurveRegistry{byName: make(map[string]DNSCurveServer)}
}

// Add registers a server, replacing any prior entry with the same name.
func (r *DNSCurveRegistry) Add(s DNSCurveServer) error {
	if s.Name == "" {
		return fmt.Errorf("DNSCurve server entry requires a name")
	}
	if _, exists := r.byName[s.Name]; !exists {
		r.order = append(r.order, s.Name)
	}
	r.byName[s.Name] = s
	return nil
}

// Lookup returns the server registered under name.
func (r *DNSCurveRegistry) Lookup(name string) (DNSCurveServer, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// All returns every registered server in load order.
func (r *DNSCurveRegistry) All() []DNSCurveServer {
	out := make([]DNSCurveServer, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// Size returns the number of registered servers.
func (r *DNSCurveRegistry) Size() int {
	return len(r.byName)
}
