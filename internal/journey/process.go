package journey

import (
	"context"
	"errors"
	"fmt"

	"github.com/safeops-dev/safeops/internal/audit"
	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/intent"
)

// OutcomeType summarizes what Process did with a prompt.
type OutcomeType string

const (
	OutcomeBlocked              OutcomeType = "BLOCKED"
	OutcomeConfirmationRequired OutcomeType = "CONFIRMATION_REQUIRED"
	OutcomeCompleted            OutcomeType = "COMPLETED"
	OutcomeFailed               OutcomeType = "FAILED"
)

// Outcome is the result of processing one prompt.
type Outcome struct {
	Type    OutcomeType  `json:"type"`
	Message string       `json:"message,omitempty"`
	Intent  *core.Intent `json:"intent"`
}

// Err returns intent.ErrBlocked for a blocked outcome and nil otherwise.
func (o *Outcome) Err() error {
	if o.Type == OutcomeBlocked {
		return intent.BlockedError(o.Intent)
	}
	return nil
}

// Process normalizes and validates prompt, then either stops for
// confirmation or runs the action straight away. Only read actions reach
// EXECUTING without confirmation, since mutating actions always require it.
func (d *Dispatcher) Process(ctx context.Context, prompt string, rc core.RequestContext) (*Outcome, error) {
	if d.normalizer == nil || d.validator == nil {
		return nil, errors.New("dispatcher has no normalizer or validator")
	}

	in, err := d.normalizer.Normalize(ctx, prompt, rc)
	if err != nil {
		return nil, err
	}
	in, err = d.validator.Validate(ctx, in)
	if err != nil {
		return nil, err
	}
	d.audit.RecordIntent(ctx, in)

	switch in.Status {
	case core.StatusBlocked:
		d.audit.RecordError(ctx, audit.Entry{
			UserID:   in.UserID,
			OrgID:    in.OrgID,
			IntentID: in.ID,
			Provider: string(in.Provider),
		}, "VALIDATION_BLOCKED", errors.New(in.Error))
		return &Outcome{Type: OutcomeBlocked, Message: in.Error, Intent: in}, nil

	case core.StatusPendingConfirmation:
		return &Outcome{
			Type:    OutcomeConfirmationRequired,
			Message: fmt.Sprintf("Prepared %s on %s. Confirm to proceed.", in.Action, in.Provider),
			Intent:  in,
		}, nil

	case core.StatusExecuting:
		d.execute(ctx, in, false)
		if in.Status == core.StatusFailed {
			return &Outcome{Type: OutcomeFailed, Message: in.Error, Intent: in}, nil
		}
		return &Outcome{Type: OutcomeCompleted, Message: in.Summary, Intent: in}, nil
	}

	return nil, fmt.Errorf("intent %s left validation in status %s", in.ID, in.Status)
}
