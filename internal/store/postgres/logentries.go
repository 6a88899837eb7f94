package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sequencer/internal/domain"
)

func insertLogEntry(ctx context.Context, tx *sql.Tx, entry domain.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	variantTags, err := json.Marshal(entry.VariantTags)
	if err != nil {
		return fmt.Errorf("marshal variant tags: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO log_entries (id, enrollment_id, step_index, channel, sender_email, recipient_id,
			subject, status, external_ref, variant_tags_json, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.EnrollmentID, entry.StepIndex, entry.Channel, entry.SenderEmail, entry.RecipientID,
		entry.Subject, entry.Status, entry.ExternalRef, variantTags, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// InsertLogEntry records a standalone log entry outside the enrollment
// claim/persist cycle, used by the Control API's test-send endpoint
// (which dispatches outside the Scheduler's normal one-transaction
// outcome write).
func (s *Store) InsertLogEntry(ctx context.Context, entry domain.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertLogEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// FindByExternalRef locates the most recent log entry carrying
// externalRef, the correlation point for asynchronous webhook events.
// Satisfies eventlog.Store.
func (s *Store) FindByExternalRef(ctx context.Context, externalRef string) (domain.LogEntry, error) {
	var entry domain.LogEntry
	var variantTags []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, enrollment_id, step_index, channel, sender_email, recipient_id, subject, status,
			external_ref, variant_tags_json, timestamp
		FROM log_entries WHERE external_ref = $1 ORDER BY timestamp DESC LIMIT 1`, externalRef,
	).Scan(&entry.ID, &entry.EnrollmentID, &entry.StepIndex, &entry.Channel, &entry.SenderEmail,
		&entry.RecipientID, &entry.Subject, &entry.Status, &entry.ExternalRef, &variantTags, &entry.Timestamp)
	if err == sql.ErrNoRows {
		return domain.LogEntry{}, fmt.Errorf("no log entry for external ref %s", externalRef)
	}
	if err != nil {
		return domain.LogEntry{}, err
	}
	if len(variantTags) > 0 {
		_ = json.Unmarshal(variantTags, &entry.VariantTags)
	}
	return entry, nil
}

// RecordEvent inserts a new log entry for a webhook callback, deduping
// on (provider, event_id) via webhook_events_seen. A conflicting insert
// reports recorded=false without error, matching the spec's "duplicates
// accepted and silently discarded" idempotency rule. Satisfies
// eventlog.Store.
func (s *Store) RecordEvent(ctx context.Context, entry domain.LogEntry, provider, eventID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO webhook_events_seen (provider, provider_event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		provider, eventID,
	)
	if err != nil {
		return false, fmt.Errorf("record seen event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := insertLogEntry(ctx, tx, entry); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// AdvanceEnrollment sets an enrollment's due_at to now, so a completed
// call is acted on at the next claim cycle rather than waiting out a
// delay that no longer applies. Satisfies eventlog.Store.
func (s *Store) AdvanceEnrollment(ctx context.Context, enrollmentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET due_at = $1, version = version + 1, updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'waiting')`, now, enrollmentID,
	)
	return err
}
