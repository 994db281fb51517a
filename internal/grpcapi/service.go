package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/engine"
	"github.com/safeops-dev/safeops/internal/journey"
	"github.com/safeops-dev/safeops/internal/vault"
)

var errMissingUser = errors.New("userId is required")

// Service exposes engine operations over the RPC surface. Every call is
// scoped to the userId it carries.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new API service backed by the given engine.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

// ProcessRequest is the payload of intent.process.
type ProcessRequest struct {
	Prompt   string `json:"prompt"`
	UserID   string `json:"userId"`
	OrgID    string `json:"orgId,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// ProcessIntent runs a prompt through normalize, validate and execute.
// A blocked prompt is not an RPC error; the outcome says BLOCKED.
func (s *Service) ProcessIntent(ctx context.Context, req ProcessRequest) (*journey.Outcome, error) {
	if req.UserID == "" {
		return nil, errMissingUser
	}
	return s.engine.Dispatcher.Process(ctx, req.Prompt, core.RequestContext{
		UserID:   req.UserID,
		OrgID:    req.OrgID,
		ThreadID: req.ThreadID,
	})
}

// AdvanceIntent confirms a pending intent. Repeated calls return the
// settled intent without running the action again.
func (s *Service) AdvanceIntent(ctx context.Context, intentID, nextStep string) (*core.Intent, error) {
	return s.engine.Dispatcher.AdvanceStep(ctx, intentID, nextStep)
}

// GetIntent loads one intent.
func (s *Service) GetIntent(ctx context.Context, intentID string) (*core.Intent, error) {
	return s.engine.Dispatcher.Get(ctx, intentID)
}

// History lists a user's most recent intents.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]core.Intent, error) {
	if userID == "" {
		return nil, errMissingUser
	}
	return s.engine.Dispatcher.History(ctx, userID, limit)
}

// StoreConnection vaults credentials for (userID, provider).
func (s *Service) StoreConnection(ctx context.Context, userID string, provider core.Provider, creds map[string]any) error {
	if userID == "" {
		return errMissingUser
	}
	return s.engine.Vault.StoreConnection(ctx, userID, provider, creds)
}

// ConnectionStatus lists a user's connections without decrypting them.
func (s *Service) ConnectionStatus(ctx context.Context, userID string) ([]vault.ConnectionStatus, error) {
	if userID == "" {
		return nil, errMissingUser
	}
	return s.engine.Vault.Status(ctx, userID)
}

// Disconnect removes a stored connection.
func (s *Service) Disconnect(ctx context.Context, userID string, provider core.Provider) error {
	if userID == "" {
		return errMissingUser
	}
	return s.engine.Vault.Disconnect(ctx, userID, provider)
}

// ProviderHealth checks each resolved provider. A provider that cannot be
// reached is reported unhealthy rather than failing the whole call.
func (s *Service) ProviderHealth(ctx context.Context, userID string, provider core.Provider) ([]cloud.Health, error) {
	if userID == "" {
		return nil, errMissingUser
	}
	if provider == "" {
		provider = core.ProviderMulti
	}
	adapters, err := s.engine.Registry.Resolve(provider)
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Health, 0, len(adapters))
	for _, a := range adapters {
		h, err := a.CheckHealth(ctx, userID)
		if err != nil {
			h = &cloud.Health{
				Provider:  a.Provider(),
				Message:   err.Error(),
				CheckedAt: time.Now().UTC(),
			}
		}
		out = append(out, *h)
	}
	return out, nil
}

// AuditVerification reports the state of the audit hash chain.
type AuditVerification struct {
	Valid   bool   `json:"valid"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

// VerifyAudit walks the audit chain. A broken chain is a result, not an
// RPC failure.
func (s *Service) VerifyAudit(ctx context.Context) AuditVerification {
	n, err := s.engine.VerifyAudit(ctx)
	if err != nil {
		return AuditVerification{Records: n, Error: err.Error()}
	}
	return AuditVerification{Valid: true, Records: n}
}

// AuditLog lists a user's most recent audit records, newest first.
func (s *Service) AuditLog(ctx context.Context, userID string, limit int) ([]core.AuditRecord, error) {
	if userID == "" {
		return nil, errMissingUser
	}
	return s.engine.AuditStore.ListByUser(ctx, userID, limit)
}

// ReadOnlyStatus reports whether mutating actions are blocked.
func (s *Service) ReadOnlyStatus() map[string]bool {
	return map[string]bool{"readOnly": s.engine.Gate.ReadOnly()}
}

// ParseProvider accepts a provider name in any case; empty means unset.
func ParseProvider(raw string) (core.Provider, error) {
	p := core.Provider(strings.ToLower(strings.TrimSpace(raw)))
	if raw == "" {
		return "", nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", raw)
	}
	return p, nil
}
