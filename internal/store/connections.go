package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safeops-dev/safeops/internal/core"
)

// ConnectionStore persists vaulted cloud connections, one row per
// (user, provider).
type ConnectionStore struct {
	db *sql.DB
}

// NewConnectionStore creates a connection store over db.
func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Upsert inserts conn or overwrites the existing row for its (user, provider).
// The original connected_at is replaced so a reconnect reads as fresh.
func (s *ConnectionStore) Upsert(ctx context.Context, conn *core.CloudConnection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cloud_connections (user_id, provider, project_id, account_id, status, encrypted_data, connected_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
		   project_id = excluded.project_id,
		   account_id = excluded.account_id,
		   status = excluded.status,
		   encrypted_data = excluded.encrypted_data,
		   connected_at = excluded.connected_at,
		   updated_at = excluded.updated_at`,
		conn.UserID, string(conn.Provider), conn.ProjectID, conn.AccountID,
		string(conn.Status), conn.EncryptedData,
		conn.ConnectedAt.Format(timeLayout), conn.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

// Get returns the connection for (userID, provider), or nil when there is none.
func (s *ConnectionStore) Get(ctx context.Context, userID string, provider core.Provider) (*core.CloudConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, project_id, account_id, status, encrypted_data, connected_at, updated_at
		 FROM cloud_connections WHERE user_id = ? AND provider = ?`,
		userID, string(provider),
	)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return conn, nil
}

// ListByUser returns every connection row for userID ordered by provider.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]core.CloudConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, provider, project_id, account_id, status, encrypted_data, connected_at, updated_at
		 FROM cloud_connections WHERE user_id = ? ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var out []core.CloudConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(r rowScanner) (*core.CloudConnection, error) {
	var conn core.CloudConnection
	var provider, status, connectedAt, updatedAt string
	err := r.Scan(&conn.UserID, &provider, &conn.ProjectID, &conn.AccountID,
		&status, &conn.EncryptedData, &connectedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	conn.Provider = core.Provider(provider)
	conn.Status = core.ConnectionStatus(status)
	conn.ConnectedAt, _ = time.Parse(timeLayout, connectedAt)
	conn.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &conn, nil
}
