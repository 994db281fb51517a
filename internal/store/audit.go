package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safeops-dev/safeops/internal/core"
)

// AuditStore appends to the audit_log table. The table carries triggers that
// abort any UPDATE or DELETE, so the store only ever inserts and reads.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store over the audit database.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append inserts rec and sets its ID.
func (s *AuditStore) Append(ctx context.Context, rec *core.AuditRecord) error {
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, user_id, org_id, intent_id, provider, action, payload, severity, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Format(timeLayout), rec.UserID, rec.OrgID, rec.IntentID,
		rec.Provider, rec.Action, payload, string(rec.Severity), rec.RecordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// LastHash returns the hash of the newest record, or "" for an empty log.
func (s *AuditStore) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("recovering audit chain: %w", err)
	}
	return hash, nil
}

// Walk calls fn for every record in insertion order, stopping at the first
// error fn returns.
func (s *AuditStore) Walk(ctx context.Context, fn func(core.AuditRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ListByUser returns the newest records for userID.
func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]core.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []core.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const auditColumns = `id, timestamp, user_id, org_id, intent_id, provider, action, payload, severity, record_hash`

func scanAudit(rows *sql.Rows) (core.AuditRecord, error) {
	var rec core.AuditRecord
	var ts, payload, severity string
	err := rows.Scan(&rec.ID, &ts, &rec.UserID, &rec.OrgID, &rec.IntentID,
		&rec.Provider, &rec.Action, &payload, &severity, &rec.RecordHash)
	if err != nil {
		return rec, fmt.Errorf("scanning audit row: %w", err)
	}
	rec.Timestamp, _ = time.Parse(timeLayout, ts)
	rec.Severity = core.Severity(severity)
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
