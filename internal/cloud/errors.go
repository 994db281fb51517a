package cloud

import (
	"errors"
	"fmt"

	"github.com/safeops-dev/safeops/internal/core"
)

// Kind is the provider-independent failure class callers branch on.
type Kind string

const (
	KindAuthFailed          Kind = "AuthFailed"
	KindCredentialExpired   Kind = "CredentialExpired"
	KindBillingDisabled     Kind = "BillingDisabled"
	KindActionBlocked       Kind = "ActionBlocked"
	KindProviderUnavailable Kind = "ProviderUnavailable"
)

var kindMessages = map[Kind]string{
	KindAuthFailed:          "authentication failed; reconnect the provider",
	KindCredentialExpired:   "credentials expired; reconnect the provider",
	KindBillingDisabled:     "billing data is not available for this account",
	KindActionBlocked:       "read-only mode is enabled; mutating actions are blocked",
	KindProviderUnavailable: "provider is unavailable; try again later",
}

// ErrUnsupportedAction is returned for action names an adapter does not know.
var ErrUnsupportedAction = errors.New("unsupported action")

// ErrMissingResource is returned when an action names no target resource.
var ErrMissingResource = errors.New("resource id is required")

// ErrNoAdapter is returned when no adapter is registered for a provider.
var ErrNoAdapter = errors.New("no adapter registered for provider")

// Error is a classified provider failure. The underlying provider error is
// kept for logging through Unwrap but never rendered by Error.
type Error struct {
	Kind     Kind
	Provider core.Provider
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, kindMessages[e.Kind])
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, provider core.Provider, op string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: cause}
}

// KindOf returns the Kind of err, or "" if err is not a classified error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is a classified error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
