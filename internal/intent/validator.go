package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeops-dev/safeops/internal/core"
)

// MinConfidence is the lowest confidence allowed to proceed.
const MinConfidence = 0.7

// Policy messages stored on blocked intents.
const (
	MsgUnrecognized  = "Unrecognized intent"
	MsgLowConfidence = "Confidence too low — please clarify your request"
)

// ErrBlocked marks an intent rejected by policy.
var ErrBlocked = errors.New("intent blocked by policy")

// BlockedError wraps ErrBlocked with the policy message of in.
func BlockedError(in *core.Intent) error {
	return fmt.Errorf("%w: %s", ErrBlocked, in.Error)
}

// Decide applies the policy rules in their fixed order and returns the next
// status together with the error message for a blocked intent.
func Decide(t core.IntentType, confidence float64, requiresConfirmation bool) (core.IntentStatus, string) {
	switch {
	case t == core.IntentUnknown:
		return core.StatusBlocked, MsgUnrecognized
	case confidence < MinConfidence:
		return core.StatusBlocked, MsgLowConfidence
	case requiresConfirmation:
		return core.StatusPendingConfirmation, ""
	default:
		return core.StatusExecuting, ""
	}
}

// Validator moves intents out of PENDING_VALIDATION.
type Validator struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewValidator creates a validator persisting through store.
func NewValidator(store Store, logger zerolog.Logger) *Validator {
	return &Validator{
		store:  store,
		logger: logger.With().Str("component", "policy").Logger(),
		now:    time.Now,
	}
}

// Validate sets the intent's status from Decide and persists it. Intents that
// already left PENDING_VALIDATION are returned unchanged. A failed write is
// logged, not returned.
func (v *Validator) Validate(ctx context.Context, in *core.Intent) (*core.Intent, error) {
	if in == nil {
		return nil, errors.New("nil intent")
	}
	if in.Status != core.StatusPendingValidation {
		return in, nil
	}

	in.Status, in.Error = Decide(in.IntentType, in.Confidence, in.RequiresConfirmation)
	in.UpdatedAt = v.now().UTC()

	if err := v.store.Update(ctx, in); err != nil {
		v.logger.Warn().Err(err).Str("intent_id", in.ID).Msg("could not persist intent status")
	}

	ev := v.logger.Info()
	if in.Status == core.StatusBlocked {
		ev = v.logger.Warn().Str("reason", in.Error)
	}
	ev.Str("intent_id", in.ID).Str("status", string(in.Status)).Msg("intent validated")
	return in, nil
}
