// Package journey drives validated intents to completion: it claims an intent,
// dispatches its action through the cloud adapters and records the outcome.
package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeops-dev/safeops/internal/audit"
	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
	"github.com/safeops-dev/safeops/internal/intent"
)

var (
	// ErrIntentNotFound is returned when the intent id is unknown.
	ErrIntentNotFound = errors.New("intent not found")
	// ErrNotValidated is returned when advancing an intent still awaiting validation.
	ErrNotValidated = errors.New("intent has not been validated")
)

// Auditor is the subset of the audit recorder the dispatcher writes through.
type Auditor interface {
	RecordIntent(ctx context.Context, in *core.Intent)
	RecordReport(ctx context.Context, e audit.Entry, risk string, report any)
	RecordError(ctx context.Context, e audit.Entry, code string, cause error)
	RecordLogTrace(ctx context.Context, e audit.Entry, logs any)
	Record(ctx context.Context, e audit.Entry, action string, sev core.Severity, payload any)
}

// Normalizer builds intents from prompts.
type Normalizer interface {
	Normalize(ctx context.Context, prompt string, rc core.RequestContext) (*core.Intent, error)
}

// Validator applies the confidence policy.
type Validator interface {
	Validate(ctx context.Context, in *core.Intent) (*core.Intent, error)
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store      intent.Store
	Normalizer Normalizer
	Validator  Validator
	Registry   *cloud.Registry
	Audit      Auditor
	Logger     zerolog.Logger
	// LogLimit bounds the log lines fetched for connectivity checks.
	LogLimit int
}

// Dispatcher runs the intent journey.
type Dispatcher struct {
	store      intent.Store
	normalizer Normalizer
	validator  Validator
	registry   *cloud.Registry
	audit      Auditor
	logger     zerolog.Logger
	logLimit   int
	now        func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(d Deps) *Dispatcher {
	if d.LogLimit <= 0 {
		d.LogLimit = 20
	}
	return &Dispatcher{
		store:      d.Store,
		normalizer: d.Normalizer,
		validator:  d.Validator,
		registry:   d.Registry,
		audit:      d.Audit,
		logger:     d.Logger.With().Str("component", "journey").Logger(),
		logLimit:   d.LogLimit,
		now:        time.Now,
	}
}

// Get loads an intent.
func (d *Dispatcher) Get(ctx context.Context, id string) (*core.Intent, error) {
	in, err := d.store.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading intent: %w", err)
	}
	return in, nil
}

// AdvanceStep confirms a PENDING_CONFIRMATION intent and executes it. The
// PENDING_CONFIRMATION to EXECUTING transition is claimed in the store before
// any adapter call, so concurrent or repeated calls run the action at most
// once. Settled intents are returned as stored.
func (d *Dispatcher) AdvanceStep(ctx context.Context, intentID, nextStep string) (*core.Intent, error) {
	in, err := d.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}

	log := d.logger.With().Str("intent_id", intentID).Str("next_step", nextStep).Logger()

	switch {
	case in.Status.Terminal(), in.Status == core.StatusExecuting:
		log.Debug().Str("status", string(in.Status)).Msg("intent already claimed; nothing to do")
		return in, nil
	case in.Status == core.StatusPendingValidation:
		return nil, fmt.Errorf("%w: %s", ErrNotValidated, intentID)
	case in.Status != core.StatusPendingConfirmation:
		return nil, fmt.Errorf("intent %s in unexpected status %s", intentID, in.Status)
	}

	claimed, err := d.store.CompareAndSwapStatus(ctx, intentID, core.StatusPendingConfirmation, core.StatusExecuting)
	if err != nil {
		return nil, fmt.Errorf("claiming intent: %w", err)
	}
	if !claimed {
		log.Info().Msg("intent claimed by another request")
		return d.Get(ctx, intentID)
	}
	in.Status = core.StatusExecuting

	log.Info().Str("action", in.Action).Str("provider", string(in.Provider)).Msg("advancing intent")
	d.execute(ctx, in, true)
	return in, nil
}

// History returns a user's most recent intents, newest first.
func (d *Dispatcher) History(ctx context.Context, userID string, limit int) ([]core.Intent, error) {
	if limit <= 0 {
		limit = 20
	}
	intents, err := d.store.Find(ctx, core.IntentFilter{UserID: userID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return intents, nil
}

// execute runs a claimed EXECUTING intent and settles it as COMPLETED or
// FAILED. confirmed marks actions that went through operator confirmation.
// Settling ignores cancellation of ctx: once the action has run, the outcome
// and its audit records are always written.
func (d *Dispatcher) execute(ctx context.Context, in *core.Intent, confirmed bool) {
	entry := audit.Entry{UserID: in.UserID, OrgID: in.OrgID, IntentID: in.ID, Provider: string(in.Provider)}
	start := d.now()

	results, runErr := d.run(ctx, in)
	in.ExecutionTimeMs = d.now().Sub(start).Milliseconds()
	in.UpdatedAt = d.now().UTC()

	settleCtx := context.WithoutCancel(ctx)

	var raw json.RawMessage
	if runErr == nil {
		var err error
		if raw, err = json.Marshal(results); err != nil {
			runErr = fmt.Errorf("encoding results: %w", err)
		}
	}

	if runErr != nil {
		in.Status = core.StatusFailed
		in.Error = runErr.Error()
		in.Result = nil
		d.audit.Record(settleCtx, entry, in.Action, core.SeverityHigh, map[string]any{
			"status":          in.Status,
			"error":           in.Error,
			"executionTimeMs": in.ExecutionTimeMs,
		})
		d.logger.Warn().Err(runErr).Str("intent_id", in.ID).Str("action", in.Action).Msg("intent failed")
	} else {
		in.Status = core.StatusCompleted
		in.Error = ""
		in.Result = raw
		d.recordSuccess(settleCtx, entry, in, results, confirmed)
		d.logger.Info().
			Str("intent_id", in.ID).
			Str("action", in.Action).
			Int64("execution_time_ms", in.ExecutionTimeMs).
			Msg("intent completed")
	}

	if err := d.store.Update(settleCtx, in); err != nil {
		d.logger.Error().Err(err).Str("intent_id", in.ID).Msg("could not persist intent outcome")
	}
}

func (d *Dispatcher) recordSuccess(ctx context.Context, e audit.Entry, in *core.Intent, results []ProviderResult, confirmed bool) {
	switch {
	case core.IsMutatingAction(in.Action) || confirmed:
		d.audit.Record(ctx, e, in.Action, core.SeverityMedium, map[string]any{
			"status":     in.Status,
			"parameters": in.Parameters,
			"results":    results,
		})
	case in.Action == core.ActionGetConnectivity:
		d.audit.RecordLogTrace(ctx, e, results)
	default:
		d.audit.RecordReport(ctx, e, "", map[string]any{
			"action":  in.Action,
			"results": results,
		})
	}
}
