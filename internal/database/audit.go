package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies the kind of event an audit entry records.
type Category string

const (
	CategoryBlacklistReject   Category = "blacklist_reject"
	CategoryDNSCurveRotation  Category = "dnscurve_rotation"
	CategoryDNSCurveFailure   Category = "dnscurve_failure"
	CategoryAlternateFailover Category = "alternate_failover"
	CategoryAlternateRestore  Category = "alternate_restore"
	CategoryReload            Category = "reload"
	CategoryClusterSync       Category = "cluster_sync"
)

// Entry is a single audit log row.
type Entry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	NodeID     string    `json:"node_id"`
	Category   Category  `json:"category"`
	Detail     string    `json:"detail"`
}

// Record appends a new audit entry. The ID and timestamp are generated here,
// not by the caller, so every code path that records an event produces a
// consistent, sortable log.
func (db *DB) Record(nodeID string, category Category, detail string) error {
	_, err := db.conn.Exec(
		`INSERT INTO audit_log (id, node_id, category, detail) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), nodeID, string(category), detail,
	)
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// Query returns the most recent audit entries, newest first, optionally
// filtered to a single category. limit <= 0 defaults to 100.
func (db *DB) Query(category Category, limit int, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = db.conn.Query(
			`SELECT id, occurred_at, node_id, category, detail FROM audit_log
			 WHERE category = ? ORDER BY occurred_at DESC LIMIT ? OFFSET ?`,
			string(category), limit, offset,
		)
	} else {
		rows, err = db.conn.Query(
			`SELECT id, occurred_at, node_id, category, detail FROM audit_log
			 ORDER BY occurred_at DESC LIMIT ? OFFSET ?`,
			limit, offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var cat string
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.NodeID, &cat, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Category = Category(cat)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
