// Package audit provides the append-only audit recorder for SafeOps.
// Records form a hash chain for tamper detection. Recording never fails the
// caller: persistence errors are logged and dropped.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/safeops-dev/safeops/internal/core"
)

// Actions written by the recorder itself.
const (
	ActionReport   = "REPORT"
	ActionLogTrace = "LOG_TRACE"
	errorPrefix    = "ERROR:"
)

// ErrChainBroken is returned by Verify when a record's hash does not match.
var ErrChainBroken = errors.New("audit chain broken")

// Store is the append-only persistence behind the recorder.
type Store interface {
	Append(ctx context.Context, rec *core.AuditRecord) error
	LastHash(ctx context.Context) (string, error)
	Walk(ctx context.Context, fn func(core.AuditRecord) error) error
}

// Entry identifies who and what a record is about.
type Entry struct {
	UserID   string
	OrgID    string
	IntentID string
	Provider string
}

// Recorder writes tamper-evident audit records.
type Recorder struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastHash string
}

// NewRecorder creates a recorder, recovering the chain head from store.
func NewRecorder(ctx context.Context, store Store, logger zerolog.Logger) (*Recorder, error) {
	last, err := store.LastHash(ctx)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		store:    store,
		logger:   logger.With().Str("component", "audit").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		lastHash: last,
	}, nil
}

// RecordReport stores a user-visible report. Reports whose risk is Critical
// are graded HIGH.
func (r *Recorder) RecordReport(ctx context.Context, e Entry, risk string, report any) {
	sev := core.SeverityInfo
	if strings.EqualFold(risk, "critical") {
		sev = core.SeverityHigh
	}
	r.Record(ctx, e, ActionReport, sev, report)
}

// RecordError stores a user-visible error under action ERROR:<code>.
func (r *Recorder) RecordError(ctx context.Context, e Entry, code string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r.Record(ctx, e, errorPrefix+code, core.SeverityMedium, map[string]string{"message": msg})
}

// RecordLogTrace stores a snapshot of provider logs.
func (r *Recorder) RecordLogTrace(ctx context.Context, e Entry, logs any) {
	r.Record(ctx, e, ActionLogTrace, core.SeverityInfo, logs)
}

// RecordIntent stores the normalized intent. Intents that need confirmation
// are graded MEDIUM.
func (r *Recorder) RecordIntent(ctx context.Context, in *core.Intent) {
	sev := core.SeverityInfo
	if in.RequiresConfirmation {
		sev = core.SeverityMedium
	}
	r.Record(ctx, Entry{
		UserID:   in.UserID,
		OrgID:    in.OrgID,
		IntentID: in.ID,
		Provider: string(in.Provider),
	}, in.Action, sev, map[string]any{
		"intentType":           in.IntentType,
		"status":               in.Status,
		"confidence":           in.Confidence,
		"requiresConfirmation": in.RequiresConfirmation,
		"parameters":           in.Parameters,
	})
}

// Record appends one record. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, e Entry, action string, sev core.Severity, payload any) {
	if err := r.append(ctx, e, action, sev, payload); err != nil {
		r.logger.Error().Err(err).
			Str("user_id", e.UserID).
			Str("intent_id", e.IntentID).
			Str("action", action).
			Msg("audit write failed")
	}
}

func (r *Recorder) append(ctx context.Context, e Entry, action string, sev core.Severity, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil || string(body) == "null" {
		body = []byte("{}")
	}

	rec := &core.AuditRecord{
		Timestamp: r.now(),
		UserID:    e.UserID,
		OrgID:     e.OrgID,
		IntentID:  e.IntentID,
		Provider:  e.Provider,
		Action:    action,
		Payload:   body,
		Severity:  sev,
	}
	if rec.OrgID == "" {
		rec.OrgID = "default"
	}
	if rec.Provider == "" {
		rec.Provider = "system"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec.RecordHash = chainHash(r.lastHash, rec)
	if err := r.store.Append(ctx, rec); err != nil {
		return err
	}
	r.lastHash = rec.RecordHash
	return nil
}

// chainHash is SHA-256(previousHash + timestamp + user + org + intent + provider + action + severity + payload).
func chainHash(prev string, rec *core.AuditRecord) string {
	data := prev +
		rec.Timestamp.UTC().Format(time.RFC3339Nano) +
		rec.UserID + rec.OrgID + rec.IntentID + rec.Provider +
		rec.Action + string(rec.Severity) + string(rec.Payload)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify walks the chain and returns the number of intact records.
func Verify(ctx context.Context, store Store) (int, error) {
	var previous string
	count := 0
	err := store.Walk(ctx, func(rec core.AuditRecord) error {
		if chainHash(previous, &rec) != rec.RecordHash {
			return fmt.Errorf("%w at record %d", ErrChainBroken, count+1)
		}
		previous = rec.RecordHash
		count++
		return nil
	})
	return count, err
}
