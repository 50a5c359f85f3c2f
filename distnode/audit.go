package distnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// AuditLog is one invalidation/mutation event recorded for tracing and
// compliance, trimmed down from the distributed caching system's audit
// schema to the fields distnode actually produces (no latency histogram,
// no separate stats rollup endpoint — those belonged to a standalone
// analytics surface this package doesn't need).
type AuditLog struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`
	Keys        []string  `json:"keys"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	LatencyMS   int64     `json:"latency_ms"`
}

// AuditLogger persists invalidation/mutation events to Postgres via
// Encore's managed sqldb, append-only, same design rationale as the
// teacher's own audit log: ACID durability and an immutable trail beat an
// in-memory ring buffer for anything compliance might ask about later.
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger wraps db and ensures the audit table exists.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	al := &AuditLogger{db: db}
	if err := al.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("distnode: failed to initialize audit schema: %w", err)
	}
	return al, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS nanoquery_audit (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			keys JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_nanoquery_audit_timestamp
		ON nanoquery_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_nanoquery_audit_request_id
		ON nanoquery_audit(request_id);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert records one audit entry.
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return fmt.Errorf("distnode: failed to marshal keys: %w", err)
	}

	const query = `
		INSERT INTO nanoquery_audit (pattern, keys, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = al.db.Exec(ctx, query, log.Pattern, keysJSON, log.TriggeredBy, log.Timestamp, log.RequestID, log.LatencyMS)
	if err != nil {
		return fmt.Errorf("distnode: failed to insert audit log: %w", err)
	}
	return nil
}

// GetRecent returns recent audit entries, optionally filtered by pattern
// substring, newest first.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error) {
	var query string
	var args []any

	if patternFilter != "" {
		query = `
			SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
			FROM nanoquery_audit WHERE pattern LIKE $1
			ORDER BY timestamp DESC LIMIT $2 OFFSET $3
		`
		args = []any{"%" + patternFilter + "%", limit, offset}
	} else {
		query = `
			SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
			FROM nanoquery_audit ORDER BY timestamp DESC LIMIT $1 OFFSET $2
		`
		args = []any{limit, offset}
	}

	rows, err := al.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("distnode: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		var log AuditLog
		var keysJSON []byte
		if err := rows.Scan(&log.ID, &log.Pattern, &keysJSON, &log.TriggeredBy, &log.Timestamp, &log.RequestID, &log.LatencyMS); err != nil {
			return nil, fmt.Errorf("distnode: failed to scan audit log: %w", err)
		}
		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
				log.Keys = nil
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// GetCount returns the total number of audit entries, optionally filtered.
func (al *AuditLogger) GetCount(ctx context.Context, patternFilter string) (int, error) {
	var count int
	var err error
	if patternFilter != "" {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM nanoquery_audit WHERE pattern LIKE $1`, "%"+patternFilter+"%").Scan(&count)
	} else {
		err = al.db.QueryRow(ctx, `SELECT COUNT(*) FROM nanoquery_audit`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("distnode: failed to count audit logs: %w", err)
	}
	return count, nil
}
