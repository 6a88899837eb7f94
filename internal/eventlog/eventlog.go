// Package eventlog appends provider callback events (delivery, open,
// reply, bounce, call outcome) to the append-only log and, for call
// outcomes, advances the originating enrollment's due-at. Grounded on
// internal/worker/webhook_receiver.go's per-provider ingestion shape,
// generalized from email-only ESP events to the email+voice taxonomy
// and from a staging-table-plus-aggregator design to direct log-entry
// inserts, since this log has no downstream fan-out beyond what it
// already records.
package eventlog

import (
	"context"
	"time"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/pkg/logger"
)

// ProviderEvent is one normalized callback from an email or voice
// provider, already parsed from whatever wire shape that provider uses.
type ProviderEvent struct {
	Provider    string
	EventID     string
	ExternalRef string
	Kind        domain.OutcomeKind
	CallOutcome CallOutcome
	Timestamp   time.Time
}

// CallOutcome classifies a voice webhook beyond sent/transient/permanent,
// since a completed call should advance the enrollment immediately
// rather than waiting for its next due-at.
type CallOutcome string

const (
	CallOutcomeNone      CallOutcome = ""
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeFailed    CallOutcome = "failed"
)

// Store is the persistence surface the Log writes through. Dedupe on
// (provider, event_id) happens inside RecordEvent so a duplicate
// delivery returns Recorded=false without error.
type Store interface {
	// FindByExternalRef locates the log entry a new event correlates to,
	// so the new entry can share its enrollment/step/recipient context.
	FindByExternalRef(ctx context.Context, externalRef string) (domain.LogEntry, error)
	// RecordEvent inserts a new log entry keyed by (provider, event_id)
	// under a uniqueness guard; a conflict reports Recorded=false.
	RecordEvent(ctx context.Context, entry domain.LogEntry, provider, eventID string) (recorded bool, err error)
	// AdvanceEnrollment sets the enrollment identified by enrollmentID's
	// due_at to now, so a completed call is acted on immediately instead
	// of waiting for its previously scheduled delay.
	AdvanceEnrollment(ctx context.Context, enrollmentID string, now time.Time) error
}

// Log appends provider callbacks and advances enrollments on call
// completion.
type Log struct {
	store Store
	clock func() time.Time
}

// New builds a Log backed by store.
func New(store Store) *Log {
	return &Log{store: store, clock: time.Now}
}

// Ingest records one provider event, deduping on (provider, event_id).
// It never returns an error for a duplicate; callers (the webhook HTTP
// handlers) always answer such providers with 204 regardless.
func (l *Log) Ingest(ctx context.Context, event ProviderEvent) error {
	original, err := l.store.FindByExternalRef(ctx, event.ExternalRef)
	if err != nil {
		logger.Warn("eventlog: no originating log entry for external ref, recording orphan event", "external_ref", event.ExternalRef, "error", err.Error())
		original = domain.LogEntry{ExternalRef: event.ExternalRef}
	}

	entry := domain.LogEntry{
		EnrollmentID: original.EnrollmentID,
		StepIndex:    original.StepIndex,
		Channel:      original.Channel,
		SenderEmail:  original.SenderEmail,
		RecipientID:  original.RecipientID,
		Status:       event.Kind,
		ExternalRef:  event.ExternalRef,
		Timestamp:    event.Timestamp,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock()
	}

	recorded, err := l.store.RecordEvent(ctx, entry, event.Provider, event.EventID)
	if err != nil {
		return err
	}
	if !recorded {
		logger.Debug("eventlog: duplicate webhook delivery discarded", "provider", event.Provider, "event_id", event.EventID)
		return nil
	}

	if event.CallOutcome == CallOutcomeCompleted && original.EnrollmentID != "" {
		if err := l.store.AdvanceEnrollment(ctx, original.EnrollmentID, l.clock()); err != nil {
			logger.Warn("eventlog: failed to advance enrollment after call completion", "enrollment_id", original.EnrollmentID, "error", err.Error())
			return err
		}
	}

	return nil
}
