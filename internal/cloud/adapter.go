// Package cloud defines the provider-agnostic adapter surface that every
// cloud variant implements, together with the error taxonomy callers branch on
// and the read-only safety gate.
package cloud

import (
	"context"
	"time"

	"github.com/safeops-dev/safeops/internal/core"
)

// Adapter is the capability set exposed by one cloud provider.
type Adapter interface {
	Provider() core.Provider
	GetBilling(ctx context.Context, userID string) (*Billing, error)
	ListResources(ctx context.Context, userID string) (*ResourceList, error)
	ExecuteAction(ctx context.Context, action string, params map[string]any, userID string) (*ActionResult, error)
	CheckHealth(ctx context.Context, userID string) (*Health, error)
}

// LogTracer is implemented by adapters that can return recent provider logs.
type LogTracer interface {
	TraceLogs(ctx context.Context, userID string, limit int) ([]LogEntry, error)
}

// CredentialSource returns a user's vaulted credential object, or nil when
// there is none.
type CredentialSource interface {
	GetConnection(ctx context.Context, userID string, provider core.Provider) (map[string]any, error)
}

// CredentialStore is a CredentialSource that can also write back refreshed
// credentials.
type CredentialStore interface {
	CredentialSource
	StoreConnection(ctx context.Context, userID string, provider core.Provider, credentials map[string]any) error
}

// Billing summarizes spend for the current period.
type Billing struct {
	Provider    core.Provider    `json:"provider"`
	PeriodStart string           `json:"periodStart,omitempty"`
	PeriodEnd   string           `json:"periodEnd,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	Total       float64          `json:"total"`
	Services    []ServiceCost    `json:"services,omitempty"`
	Accounts    []BillingAccount `json:"accounts,omitempty"`
}

// ServiceCost is the spend attributed to one provider service.
type ServiceCost struct {
	Service string  `json:"service"`
	Amount  float64 `json:"amount"`
}

// BillingAccount is a GCP billing account visible to the caller.
type BillingAccount struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Open        bool   `json:"open"`
}

// Resource is one inventory item.
type Resource struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	State    string            `json:"state,omitempty"`
	Region   string            `json:"region,omitempty"`
	Provider core.Provider     `json:"provider"`
	Details  map[string]string `json:"details,omitempty"`
}

// ResourceList is the joined inventory of one provider.
type ResourceList struct {
	Provider  core.Provider `json:"provider"`
	Resources []Resource    `json:"resources"`
}

// ActionResult describes the outcome of a mutating action.
type ActionResult struct {
	Provider   core.Provider `json:"provider"`
	Action     string        `json:"action"`
	ResourceID string        `json:"resourceId"`
	Status     string        `json:"status"`
	Message    string        `json:"message,omitempty"`
}

// Health is the result of a credential and reachability probe.
type Health struct {
	Provider  core.Provider `json:"provider"`
	Healthy   bool          `json:"healthy"`
	Identity  string        `json:"identity,omitempty"`
	Source    string        `json:"credentialSource,omitempty"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// LogEntry is one provider log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity,omitempty"`
	Message   string    `json:"message"`
}

// Credential sources reported in Health.Source.
const (
	SourceVault     = "vault"
	SourceFederated = "federated"
	SourceAmbient   = "ambient"
)

// StringParam returns the first non-empty string value among keys.
func StringParam(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
