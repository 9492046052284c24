// Package resolvers defines the Resolver contract that sits at the end of
// the query pipeline.
//
// internal/pipeline.Pipeline is the sole production implementation: it
// consults internal/rules for hosts/filter decisions, internal/cache for
// TTL-aware caching, and internal/dispatch for upstream fan-out, then wraps
// the outcome as a Result. Keeping the interface here (rather than folding
// it into pipeline) lets tests and alternate entry points (e.g. a future
// resolver that only serves from cache) depend on the narrow contract
// instead of the whole pipeline.
package resolvers

import (
	"context"

	"github.com/jroosing/hydracurve/internal/dns"
)

// Result holds the outcome of a DNS resolution.
type Result struct {
	ResponseBytes []byte // Wire-format DNS response
	Source        string // Where the answer came from (e.g., "cache", "upstream", "hosts-address")
}

// QuestionKey identifies a DNS question by name, type and class.
// DNS names are case-insensitive, so QName should be normalized to lowercase.
//
// Transaction IDs are not part of it. The cache does not use this type: it
// keys entries on cache.Fingerprint, which also carries the EDNS client subnet.
type QuestionKey struct {
	QName  string // Lowercase domain name
	QType  uint16 // Query type (A, AAAA, MX, etc.)
	QClass uint16 // Query class (usually IN=1)
}

// Resolver is the interface for DNS resolution strategies.
// internal/pipeline.Pipeline is its production implementation.
type Resolver interface {
	// Resolve processes a DNS query and returns a response.
	// The context can be used for cancellation and timeouts.
	Resolve(ctx context.Context, req dns.Packet, reqBytes []byte) (Result, error)

	// Close releases any resources held by the resolver (e.g., connection pools).
	Close() error
}

// PatchTransactionID replaces the transaction ID in a DNS message.
//
// The transaction ID occupies the first 2 bytes of every DNS message (big-endian).
// This function is used to:
//   - Normalize upstream responses before caching (set to txid=0)
//   - Restore the original client txid when returning responses
//
// Cached responses contain txid=0 in the wire format, but this value is NEVER used
// for matching or lookups. The cache key (cache.Fingerprint) determines cache hits.
// The stored TXID is purely a placeholder that gets overwritten before each response.
//
// Optimization: Early returns avoid unnecessary allocations when the txid already matches.
func PatchTransactionID(msg []byte, txid uint16) []byte {
	if len(msg) < 2 {
		return msg
	}
	// Check if already has the desired txid (avoid allocation)
	if msg[0] == byte(txid>>8) && msg[1] == byte(txid) {
		return msg
	}
	out := make([]byte, len(msg))
	copy(out, msg)
	out[0] = byte(txid >> 8) // High byte
	out[1] = byte(txid)      // Low byte
	return out
}
