package models

import "time"

// CacheFlushResponse reports how many cached entries were removed by a
// flush request, either the whole cache or the entries for one query name.
type CacheFlushResponse struct {
	Flushed int `json:"flushed"`
}

// DNSCurveServerInfo describes one configured DNSCurve upstream, omitting
// its public key from the wire format since only fingerprint-matching logic
// needs the raw bytes.
type DNSCurveServerInfo struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	ProviderName string `json:"provider_name"`
}

// DNSCurveServersResponse lists every registered DNSCurve upstream.
type DNSCurveServersResponse struct {
	Servers []DNSCurveServerInfo `json:"servers"`
}

// AuditEntry is one row of the audit log, as exposed over the API.
type AuditEntry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	NodeID     string    `json:"node_id"`
	Category   string    `json:"category"`
	Detail     string    `json:"detail"`
}

// AuditResponse is a page of audit log entries, newest first.
type AuditResponse struct {
	Entries []AuditEntry `json:"entries"`
}
