// Package vault implements the encrypted per-user, per-provider credential store.
// Credential objects are sealed whole with AES-256-GCM; only a couple of
// non-secret identifiers (account or project id) are kept in cleartext so that
// connection status can be shown without decrypting anything.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/safeops-dev/safeops/internal/core"
)

var (
	// ErrUnsupportedProvider is returned when credentials target a provider
	// that cannot hold a connection.
	ErrUnsupportedProvider = errors.New("provider does not accept connections")
	// ErrEmptyCredentials is returned when there is nothing to store.
	ErrEmptyCredentials = errors.New("credentials are empty")
)

// ConnectionStore persists connection rows keyed by (userID, provider).
// Get returns nil, nil when no row exists.
type ConnectionStore interface {
	Upsert(ctx context.Context, conn *core.CloudConnection) error
	Get(ctx context.Context, userID string, provider core.Provider) (*core.CloudConnection, error)
	ListByUser(ctx context.Context, userID string) ([]core.CloudConnection, error)
}

// Vault encrypts, stores and retrieves cloud credentials.
type Vault struct {
	cipher *Cipher
	store  ConnectionStore
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a vault over the given cipher and store.
func New(c *Cipher, store ConnectionStore, logger zerolog.Logger) *Vault {
	return &Vault{
		cipher: c,
		store:  store,
		logger: logger.With().Str("component", "vault").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StoreConnection seals credentials and upserts the (userID, provider) row.
// A second call for the same pair overwrites the first.
func (v *Vault) StoreConnection(ctx context.Context, userID string, provider core.Provider, credentials map[string]any) error {
	if !provider.Connectable() {
		return fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if len(credentials) == 0 {
		return ErrEmptyCredentials
	}

	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	sealed, err := v.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}

	now := v.now()
	conn := &core.CloudConnection{
		UserID:        userID,
		Provider:      provider,
		Status:        core.ConnectionConnected,
		EncryptedData: sealed,
		ConnectedAt:   now,
		UpdatedAt:     now,
	}
	switch provider {
	case core.ProviderAWS:
		conn.AccountID = extractAccountID(credentials)
	case core.ProviderGCP:
		conn.ProjectID = stringField(credentials, "project_id", "projectId")
	}

	if err := v.store.Upsert(ctx, conn); err != nil {
		return fmt.Errorf("storing connection: %w", err)
	}

	v.logger.Info().
		Str("user_id", userID).
		Str("provider", string(provider)).
		Str("account_id", conn.AccountID).
		Str("project_id", conn.ProjectID).
		Msg("cloud connection stored")
	return nil
}

// GetConnection returns the decrypted credential object, or nil when the user
// has no connection for provider or the stored ciphertext does not open.
// A non-nil error is only returned when the store itself fails.
func (v *Vault) GetConnection(ctx context.Context, userID string, provider core.Provider) (map[string]any, error) {
	conn, err := v.store.Get(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	if conn == nil || conn.Status != core.ConnectionConnected || conn.EncryptedData == "" {
		return nil, nil
	}

	plaintext, ok := v.cipher.Decrypt(conn.EncryptedData)
	if !ok {
		v.logger.Warn().
			Str("user_id", userID).
			Str("provider", string(provider)).
			Msg("stored connection failed to decrypt; treating as absent")
		return nil, nil
	}

	var creds map[string]any
	if err := json.Unmarshal(plaintext, &creds); err != nil || creds == nil {
		v.logger.Warn().
			Str("user_id", userID).
			Str("provider", string(provider)).
			Msg("stored connection is not a credential object; treating as absent")
		return nil, nil
	}
	return creds, nil
}

// ConnectionStatus is the cleartext view of a connection.
type ConnectionStatus struct {
	Provider    core.Provider         `json:"provider"`
	Status      core.ConnectionStatus `json:"status"`
	AccountID   string                `json:"accountId,omitempty"`
	ProjectID   string                `json:"projectId,omitempty"`
	ConnectedAt time.Time             `json:"connectedAt"`
}

// Status lists a user's connections without decrypting them.
func (v *Vault) Status(ctx context.Context, userID string) ([]ConnectionStatus, error) {
	conns, err := v.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}

	out := make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionStatus{
			Provider:    c.Provider,
			Status:      c.Status,
			AccountID:   c.AccountID,
			ProjectID:   c.ProjectID,
			ConnectedAt: c.ConnectedAt,
		})
	}
	return out, nil
}

// Disconnect drops the sealed credentials and marks the connection
// DISCONNECTED. Disconnecting a missing connection is a no-op.
func (v *Vault) Disconnect(ctx context.Context, userID string, provider core.Provider) error {
	conn, err := v.store.Get(ctx, userID, provider)
	if err != nil {
		return fmt.Errorf("loading connection: %w", err)
	}
	if conn == nil {
		return nil
	}

	conn.Status = core.ConnectionDisconnected
	conn.EncryptedData = ""
	conn.UpdatedAt = v.now()
	if err := v.store.Upsert(ctx, conn); err != nil {
		return fmt.Errorf("storing connection: %w", err)
	}

	v.logger.Info().Str("user_id", userID).Str("provider", string(provider)).Msg("cloud connection removed")
	return nil
}

func extractAccountID(creds map[string]any) string {
	if id := stringField(creds, "accountId", "account_id", "AccountId"); id != "" {
		return id
	}
	// arn:aws:iam::123456789012:role/name
	if arn := stringField(creds, "roleArn", "role_arn", "RoleArn"); arn != "" {
		parts := strings.Split(arn, ":")
		if len(parts) >= 6 {
			return parts[4]
		}
	}
	return ""
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
