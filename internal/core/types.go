// Package core defines the foundational types shared by every SafeOps subsystem.
// An Intent is the audit-relevant record of what an operator asked for and what
// happened; CloudConnections and AuditRecords hang off the same user identity.
package core

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// IntentType classifies what an operator is trying to do.
type IntentType string

const (
	IntentCostControl  IntentType = "COST_CONTROL"
	IntentInventory    IntentType = "INVENTORY"
	IntentSecurity     IntentType = "SECURITY"
	IntentCompliance   IntentType = "COMPLIANCE"
	IntentDeployment   IntentType = "DEPLOYMENT"
	IntentConnectivity IntentType = "CONNECTIVITY"
	IntentUnknown      IntentType = "UNKNOWN"
)

// Valid reports whether t is one of the known intent types.
func (t IntentType) Valid() bool {
	switch t {
	case IntentCostControl, IntentInventory, IntentSecurity, IntentCompliance,
		IntentDeployment, IntentConnectivity, IntentUnknown:
		return true
	}
	return false
}

// Provider names the cloud an intent or connection targets.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderMulti Provider = "multi"
	ProviderNone  Provider = "none"
)

// Valid reports whether p is one of the known intent providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderMulti, ProviderNone:
		return true
	}
	return false
}

// Connectable reports whether credentials can be stored for p.
func (p Provider) Connectable() bool {
	return p == ProviderAWS || p == ProviderGCP
}

// IntentStatus tracks an intent through the journey state machine.
type IntentStatus string

const (
	StatusPendingValidation   IntentStatus = "PENDING_VALIDATION"
	StatusPendingConfirmation IntentStatus = "PENDING_CONFIRMATION"
	StatusExecuting           IntentStatus = "EXECUTING"
	StatusCompleted           IntentStatus = "COMPLETED"
	StatusFailed              IntentStatus = "FAILED"
	StatusBlocked             IntentStatus = "BLOCKED"
)

// Terminal reports whether no further transition is possible from s.
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Action names understood by the dispatcher.
const (
	ActionGetBilling      = "GET_BILLING"
	ActionListResources   = "LIST_RESOURCES"
	ActionStopResource    = "STOP_RESOURCE"
	ActionGetConnectivity = "GET_CONNECTIVITY"
	ActionNone            = "NONE"
)

var mutatingPrefixes = []string{"STOP_", "DELETE_", "TERMINATE_", "DISABLE_", "MODIFY_"}

// IsMutatingAction reports whether action changes provider-side state and
// therefore always needs operator confirmation.
func IsMutatingAction(action string) bool {
	upper := strings.ToUpper(action)
	for _, p := range mutatingPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// CTAType categorizes a call-to-action rendered next to an intent.
type CTAType string

const (
	CTAExecute     CTAType = "EXECUTE"
	CTAViewBilling CTAType = "VIEW_BILLING"
	CTANavigate    CTAType = "NAVIGATE"
	CTALink        CTAType = "LINK"
)

// CTA is a call-to-action descriptor.
type CTA struct {
	Label                string  `json:"label"`
	Action               string  `json:"action"`
	Type                 CTAType `json:"type"`
	RequiresConfirmation bool    `json:"requiresConfirmation"`
}

// Intent is the structured representation of a natural-language request.
type Intent struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"userId"`
	OrgID                string          `json:"orgId"`
	ThreadID             string          `json:"threadId,omitempty"`
	RawPrompt            string          `json:"rawPrompt"`
	IntentType           IntentType      `json:"intentType"`
	Provider             Provider        `json:"provider"`
	Action               string          `json:"action"`
	Parameters           map[string]any  `json:"parameters,omitempty"`
	Summary              string          `json:"summary,omitempty"`
	Steps                []string        `json:"steps,omitempty"`
	CTAs                 []CTA           `json:"ctas,omitempty"`
	Hooks                []string        `json:"hooks,omitempty"`
	Status               IntentStatus    `json:"status"`
	Confidence           float64         `json:"confidence"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	ExecutionTimeMs      int64           `json:"executionTimeMs,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// ClampConfidence forces c into [0,1].
func ClampConfidence(c float64) float64 {
	if c != c || c < 0 { // NaN or negative
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ConnectionStatus is the state of a stored cloud connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// CloudConnection is a per-user, per-provider vaulted credential. Only
// EncryptedData carries secret material.
type CloudConnection struct {
	UserID        string           `json:"userId"`
	Provider      Provider         `json:"provider"`
	ProjectID     string           `json:"projectId,omitempty"`
	AccountID     string           `json:"accountId,omitempty"`
	Status        ConnectionStatus `json:"status"`
	EncryptedData string           `json:"-"`
	ConnectedAt   time.Time        `json:"connectedAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Severity grades an audit record.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AuditRecord is an immutable audit log entry.
type AuditRecord struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"userId"`
	OrgID      string          `json:"orgId"`
	IntentID   string          `json:"intentId,omitempty"`
	Provider   string          `json:"provider"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Severity   Severity        `json:"severity"`
	RecordHash string          `json:"recordHash"`
}

// RequestContext identifies who issued a prompt.
type RequestContext struct {
	UserID   string `json:"userId"`
	OrgID    string `json:"orgId"`
	ThreadID string `json:"threadId,omitempty"`
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// IntentFilter narrows an intent lookup. Zero fields match everything.
type IntentFilter struct {
	UserID   string
	OrgID    string
	ThreadID string
	Status   IntentStatus
	Limit    int
}
