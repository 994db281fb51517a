// Package store holds the database/sql implementations of the intent,
// connection and audit stores.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safeops-dev/safeops/internal/core"
)

// timeLayout is fixed width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// IntentStore persists intents in the metadata database.
type IntentStore struct {
	db *sql.DB
}

// NewIntentStore creates an intent store over db.
func NewIntentStore(db *sql.DB) *IntentStore {
	return &IntentStore{db: db}
}

const intentColumns = `id, user_id, org_id, thread_id, raw_prompt, intent_type, provider, action,
	parameters, summary, steps, ctas, hooks, status, confidence, requires_confirmation,
	result, error, execution_time_ms, created_at, updated_at`

// Create inserts a new intent.
func (s *IntentStore) Create(ctx context.Context, in *core.Intent) error {
	row, err := encodeIntent(in)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (`+intentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.OrgID, in.ThreadID, in.RawPrompt,
		string(in.IntentType), string(in.Provider), in.Action,
		row.parameters, in.Summary, row.steps, row.ctas, row.hooks,
		string(in.Status), in.Confidence, boolToInt(in.RequiresConfirmation),
		row.result, in.Error, in.ExecutionTimeMs,
		in.CreatedAt.Format(timeLayout), in.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting intent: %w", err)
	}
	return nil
}

// Get returns the intent with the given id, or core.ErrNotFound.
func (s *IntentStore) Get(ctx context.Context, id string) (*core.Intent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying intent: %w", err)
	}
	defer rows.Close()

	intents, err := scanIntents(rows)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, fmt.Errorf("intent %s: %w", id, core.ErrNotFound)
	}
	return &intents[0], nil
}

// Find returns intents matching f, newest first.
func (s *IntentStore) Find(ctx context.Context, f core.IntentFilter) ([]core.Intent, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, f.OrgID)
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + intentColumns + ` FROM intents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying intents: %w", err)
	}
	defer rows.Close()

	return scanIntents(rows)
}

// Update overwrites the mutable fields of an existing intent.
func (s *IntentStore) Update(ctx context.Context, in *core.Intent) error {
	row, err := encodeIntent(in)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET parameters = ?, summary = ?, steps = ?, ctas = ?, hooks = ?,
		        status = ?, confidence = ?, requires_confirmation = ?, result = ?, error = ?,
		        execution_time_ms = ?, updated_at = ?
		 WHERE id = ?`,
		row.parameters, in.Summary, row.steps, row.ctas, row.hooks,
		string(in.Status), in.Confidence, boolToInt(in.RequiresConfirmation),
		row.result, in.Error, in.ExecutionTimeMs, in.UpdatedAt.Format(timeLayout),
		in.ID,
	)
	if err != nil {
		return fmt.Errorf("updating intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", in.ID, core.ErrNotFound)
	}
	return nil
}

// CompareAndSwapStatus moves intent id from one status to another only if it is
// still in from. It reports whether this call performed the transition.
func (s *IntentStore) CompareAndSwapStatus(ctx context.Context, id string, from, to core.IntentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(timeLayout), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("swapping intent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swapping intent status: %w", err)
	}
	return n == 1, nil
}

type encodedIntent struct {
	parameters string
	steps      string
	ctas       string
	hooks      string
	result     sql.NullString
}

func encodeIntent(in *core.Intent) (encodedIntent, error) {
	var row encodedIntent
	var err error
	if row.parameters, err = marshalOr(in.Parameters, "{}"); err != nil {
		return row, fmt.Errorf("encoding parameters: %w", err)
	}
	if row.steps, err = marshalOr(in.Steps, "[]"); err != nil {
		return row, fmt.Errorf("encoding steps: %w", err)
	}
	if row.ctas, err = marshalOr(in.CTAs, "[]"); err != nil {
		return row, fmt.Errorf("encoding ctas: %w", err)
	}
	if row.hooks, err = marshalOr(in.Hooks, "[]"); err != nil {
		return row, fmt.Errorf("encoding hooks: %w", err)
	}
	if len(in.Result) > 0 {
		row.result = sql.NullString{String: string(in.Result), Valid: true}
	}
	return row, nil
}

func marshalOr(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func scanIntents(rows *sql.Rows) ([]core.Intent, error) {
	var out []core.Intent
	for rows.Next() {
		var in core.Intent
		var intentType, provider, status string
		var parameters, steps, ctas, hooks, createdAt, updatedAt string
		var result sql.NullString
		var requiresConfirmation int

		err := rows.Scan(
			&in.ID, &in.UserID, &in.OrgID, &in.ThreadID, &in.RawPrompt,
			&intentType, &provider, &in.Action,
			&parameters, &in.Summary, &steps, &ctas, &hooks,
			&status, &in.Confidence, &requiresConfirmation,
			&result, &in.Error, &in.ExecutionTimeMs,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning intent: %w", err)
		}

		in.IntentType = core.IntentType(intentType)
		in.Provider = core.Provider(provider)
		in.Status = core.IntentStatus(status)
		in.RequiresConfirmation = requiresConfirmation != 0
		if result.Valid && result.String != "" {
			in.Result = json.RawMessage(result.String)
		}
		json.Unmarshal([]byte(parameters), &in.Parameters)
		json.Unmarshal([]byte(steps), &in.Steps)
		json.Unmarshal([]byte(ctas), &in.CTAs)
		json.Unmarshal([]byte(hooks), &in.Hooks)
		in.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		in.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating intents: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err marks a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
