// Package intent turns natural-language prompts into structured intents and
// applies the confidence policy that decides whether they may proceed.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/safeops-dev/safeops/internal/core"
)

// Classifier is an opaque model that answers with a JSON intent document.
type Classifier interface {
	Classify(ctx context.Context, system, prompt string) ([]byte, error)
}

// Store persists intents.
type Store interface {
	Create(ctx context.Context, in *core.Intent) error
	Get(ctx context.Context, id string) (*core.Intent, error)
	Find(ctx context.Context, f core.IntentFilter) ([]core.Intent, error)
	Update(ctx context.Context, in *core.Intent) error
	CompareAndSwapStatus(ctx context.Context, id string, from, to core.IntentStatus) (bool, error)
}

// ErrEmptyPrompt is returned when there is nothing to classify.
var ErrEmptyPrompt = errors.New("prompt is required")

// DefaultOrg is used when a request carries no organization.
const DefaultOrg = "default"

// SystemPrompt instructs the classifier to answer with the intent schema.
const SystemPrompt = `You classify cloud operations requests for SafeOps.
Respond with a single JSON object and nothing else, using this schema:
{
  "intentType": "COST_CONTROL" | "INVENTORY" | "SECURITY" | "COMPLIANCE" | "DEPLOYMENT" | "CONNECTIVITY" | "UNKNOWN",
  "provider": "aws" | "gcp" | "multi" | "none",
  "action": "GET_BILLING" | "LIST_RESOURCES" | "STOP_RESOURCE" | "GET_CONNECTIVITY" | "NONE",
  "parameters": object,
  "summary": string,
  "steps": [string],
  "ctas": [{"label": string, "action": string, "type": "EXECUTE" | "VIEW_BILLING" | "NAVIGATE" | "LINK", "requiresConfirmation": boolean}],
  "hooks": [string],
  "confidence": number between 0 and 1,
  "requiresConfirmation": boolean
}
Rules:
- Any action that stops, deletes, disables or modifies a resource sets requiresConfirmation to true.
- STOP_RESOURCE parameters include resourceId and resourceName when they can be inferred.
- Use UNKNOWN with a low confidence when the request is not a cloud operation.`

// classification is the schema shared by the classifier and the keyword rules.
type classification struct {
	IntentType           core.IntentType `json:"intentType"`
	Provider             core.Provider   `json:"provider"`
	Action               string          `json:"action"`
	Parameters           map[string]any  `json:"parameters"`
	Summary              string          `json:"summary"`
	Steps                []string        `json:"steps"`
	CTAs                 []core.CTA      `json:"ctas"`
	Hooks                []string        `json:"hooks"`
	Confidence           *float64        `json:"confidence"`
	RequiresConfirmation bool            `json:"requiresConfirmation"`
}

func (c *classification) check() error {
	switch {
	case !c.IntentType.Valid():
		return fmt.Errorf("invalid intentType %q", c.IntentType)
	case !c.Provider.Valid():
		return fmt.Errorf("invalid provider %q", c.Provider)
	case strings.TrimSpace(c.Action) == "":
		return errors.New("missing action")
	case c.Confidence == nil:
		return errors.New("missing confidence")
	case *c.Confidence < 0 || *c.Confidence > 1 || *c.Confidence != *c.Confidence:
		return fmt.Errorf("confidence %v out of range", *c.Confidence)
	}
	return nil
}

// Normalizer builds intents from prompts.
type Normalizer struct {
	store      Store
	classifier Classifier
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
}

// NewNormalizer creates a normalizer. classifier may be nil, in which case
// only the keyword rules are used.
func NewNormalizer(store Store, classifier Classifier, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		store:      store,
		classifier: classifier,
		logger:     logger.With().Str("component", "intent").Logger(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Normalize classifies prompt and persists the result as a
// PENDING_VALIDATION intent. A failed write is logged and the intent is
// still returned.
func (n *Normalizer) Normalize(ctx context.Context, prompt string, rc core.RequestContext) (*core.Intent, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if rc.OrgID == "" {
		rc.OrgID = DefaultOrg
	}

	c, source := n.classify(ctx, prompt)
	withNarrative(&c, prompt)

	now := n.now().UTC()
	in := &core.Intent{
		ID:                   n.newID(),
		UserID:               rc.UserID,
		OrgID:                rc.OrgID,
		ThreadID:             rc.ThreadID,
		RawPrompt:            prompt,
		IntentType:           c.IntentType,
		Provider:             c.Provider,
		Action:               strings.ToUpper(strings.TrimSpace(c.Action)),
		Parameters:           c.Parameters,
		Summary:              c.Summary,
		Steps:                c.Steps,
		CTAs:                 c.CTAs,
		Hooks:                c.Hooks,
		Status:               core.StatusPendingValidation,
		Confidence:           core.ClampConfidence(*c.Confidence),
		RequiresConfirmation: c.RequiresConfirmation || core.IsMutatingAction(c.Action),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := n.store.Create(ctx, in); err != nil {
		n.logger.Warn().Err(err).Str("intent_id", in.ID).Msg("could not persist intent")
	}

	n.logger.Info().
		Str("intent_id", in.ID).
		Str("user_id", in.UserID).
		Str("intent_type", string(in.IntentType)).
		Str("provider", string(in.Provider)).
		Str("action", in.Action).
		Float64("confidence", in.Confidence).
		Str("classifier", source).
		Msg("intent normalized")
	return in, nil
}

// classify asks the classifier and falls back to the keyword rules on any
// failure.
func (n *Normalizer) classify(ctx context.Context, prompt string) (classification, string) {
	if n.classifier == nil {
		return classifyRules(prompt), "rules"
	}

	raw, err := n.classifier.Classify(ctx, SystemPrompt, prompt)
	if err != nil {
		n.logger.Warn().Err(err).Msg("classifier failed, using keyword rules")
		return classifyRules(prompt), "rules"
	}
	c, err := decodeClassification(raw)
	if err != nil {
		n.logger.Warn().Err(err).Msg("classifier response rejected, using keyword rules")
		return classifyRules(prompt), "rules"
	}
	return c, "model"
}

// decodeClassification parses a model response, tolerating a fenced code
// block around the JSON object.
func decodeClassification(raw []byte) (classification, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.HasPrefix(raw, []byte("```")) {
		raw = bytes.TrimPrefix(raw, []byte("```json"))
		raw = bytes.TrimPrefix(raw, []byte("```"))
		raw = bytes.TrimSuffix(bytes.TrimSpace(raw), []byte("```"))
	}

	var c classification
	if err := json.Unmarshal(raw, &c); err != nil {
		return classification{}, fmt.Errorf("decoding classification: %w", err)
	}
	if err := c.check(); err != nil {
		return classification{}, err
	}
	return c, nil
}

// withNarrative fills any narrative field the classifier left empty.
func withNarrative(c *classification, prompt string) {
	if c.Summary == "" {
		c.Summary = fmt.Sprintf("Analyzed request %q.", prompt)
	}
	if len(c.Steps) == 0 {
		switch c.Action {
		case core.ActionStopResource:
			c.Steps = []string{"Resolve target resource", "Await operator confirmation", "Issue stop request"}
		default:
			c.Steps = []string{"Authenticate with cloud provider", "Fetch real-time data", "Present findings"}
		}
	}
	if len(c.Hooks) == 0 {
		c.Hooks = []string{"Optimization check active"}
	}
	if len(c.CTAs) == 0 {
		switch c.Action {
		case core.ActionStopResource:
			c.CTAs = []core.CTA{{Label: "Confirm stop", Action: core.ActionStopResource, Type: core.CTAExecute, RequiresConfirmation: true}}
		case core.ActionGetBilling:
			c.CTAs = []core.CTA{{Label: "View Details", Action: "NAVIGATE", Type: core.CTAViewBilling}}
		default:
			c.CTAs = []core.CTA{{Label: "View Details", Action: "NAVIGATE", Type: core.CTANavigate}}
		}
	}
}
