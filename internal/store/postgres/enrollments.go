package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/sequencer/internal/domain"
	"github.com/ignite/sequencer/internal/executor"
	"github.com/ignite/sequencer/internal/scheduler"
)

// ClaimDue atomically selects up to limit pending, due enrollments, at
// most one per sender, whose sender is not in excludeSenders, and marks
// them in_flight, mirroring internal/worker/journey_executor.go's FOR
// UPDATE SKIP LOCKED claim query, generalized to join the owning
// sequence for its sender_email and to bump version on claim so a stale
// worker's later write is rejected by the optimistic guard.
//
// Postgres won't let FOR UPDATE share a SELECT with DISTINCT, so the
// row locking happens in an inner query (bounded by innerLimit, a
// generous multiple of limit so the per-sender thinning downstream
// still has enough locked candidates to pick from) and the per-sender
// thinning happens in an outer DISTINCT ON over the already-locked
// rows.
func (s *Store) ClaimDue(ctx context.Context, limit int, excludeSenders []string, now time.Time) ([]scheduler.Claimed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	innerLimit := limit * 20
	if innerLimit < 200 {
		innerLimit = 200
	}
	if innerLimit > 5000 {
		innerLimit = 5000
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, recipient_id, sequence_id, step_index, due_at, status, attempts,
			last_error, version, updated_at, sender_email
		FROM (
			SELECT DISTINCT ON (locked.sender_email)
				locked.id, locked.recipient_id, locked.sequence_id, locked.step_index, locked.due_at,
				locked.status, locked.attempts, locked.last_error, locked.version, locked.updated_at,
				locked.sender_email
			FROM (
				SELECT e.id, e.recipient_id, e.sequence_id, e.step_index, e.due_at, e.status, e.attempts,
					e.last_error, e.version, e.updated_at, sq.sender_email
				FROM enrollments e
				JOIN sequences sq ON sq.id = e.sequence_id
				WHERE e.status = 'pending' AND e.due_at <= $1
					AND NOT (sq.sender_email = ANY($2))
				ORDER BY e.id
				LIMIT $3
				FOR UPDATE OF e SKIP LOCKED
			) locked
			ORDER BY locked.sender_email, locked.due_at, locked.id
		) picked
		ORDER BY due_at, id
		LIMIT $4`,
		now, pq.Array(excludeSenders), innerLimit, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}

	var claimed []scheduler.Claimed
	var ids []string
	for rows.Next() {
		var c scheduler.Claimed
		if err := rows.Scan(&c.Enrollment.ID, &c.Enrollment.RecipientID, &c.Enrollment.SequenceID,
			&c.Enrollment.StepIndex, &c.Enrollment.DueAt, &c.Enrollment.Status, &c.Enrollment.Attempts,
			&c.Enrollment.LastError, &c.Enrollment.Version, &c.Enrollment.UpdatedAt, &c.SenderEmail); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, c)
		ids = append(ids, c.Enrollment.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE enrollments SET status = 'in_flight', version = version + 1, updated_at = $2
		WHERE id = ANY($1)`, pq.Array(ids), now,
	); err != nil {
		return nil, fmt.Errorf("mark in_flight: %w", err)
	}

	for i := range claimed {
		claimed[i].Enrollment.Status = domain.EnrollmentInFlight
		claimed[i].Enrollment.Version++
	}

	return claimed, tx.Commit()
}

// Persist writes the executor's outcome (enrollment + optional log
// entry) in one transaction guarded by expectedVersion, implementing
// the single-transaction requirement and the ConcurrencyConflict error
// path. Satisfies scheduler.Store.
func (s *Store) Persist(ctx context.Context, outcome executor.Outcome, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	e := outcome.Enrollment
	res, err := tx.ExecContext(ctx,
		`UPDATE enrollments SET step_index = $1, due_at = $2, status = $3, attempts = $4,
			last_error = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		e.StepIndex, e.DueAt, e.Status, e.Attempts, e.LastError, time.Now().UTC(), e.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("persist enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewConcurrencyConflict(fmt.Sprintf("enrollment %s version mismatch", e.ID))
	}

	if outcome.LogEntry != nil {
		if err := insertLogEntry(ctx, tx, *outcome.LogEntry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecoverStale reverts in_flight enrollments whose updated_at predates
// staleThreshold back to pending, incrementing attempts, grounded on
// internal/worker/queue_recovery.go's requeue-stuck-items query.
// Satisfies scheduler.Store.
func (s *Store) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold)
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET status = 'pending', attempts = attempts + 1, version = version + 1, updated_at = NOW()
		WHERE status = 'in_flight' AND updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateEnrollments inserts a batch of new enrollments for distinct
// (recipient, sequence) pairs, backing POST /sequences/{id}/enrollments.
// A recipient already live on this sequence
// (idx_enrollments_live_unique) is skipped rather than erroring the
// whole batch.
//
// Step 0's DelayDays pre-step pause is honored the same way
// executor.advancePastSend honors a later step's: a positive DelayDays
// holds the enrollment as waiting until now+DelayDays rather than
// firing the first send immediately.
func (s *Store) CreateEnrollments(ctx context.Context, sequenceID string, recipientIDs []string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var firstStepDelayDays int
	if err := tx.QueryRowContext(ctx,
		`SELECT payload_json->>'delay_days' FROM sequence_steps WHERE sequence_id = $1 AND step_index = 0`,
		sequenceID,
	).Scan(&firstStepDelayDays); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("load first step: %w", err)
	}

	status := domain.EnrollmentPending
	dueAt := now
	if firstStepDelayDays > 0 {
		status = domain.EnrollmentWaiting
		dueAt = now.Add(time.Duration(firstStepDelayDays) * 24 * time.Hour)
	}

	created := 0
	for _, recipientID := range recipientIDs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO enrollments (id, recipient_id, sequence_id, step_index, due_at, status, attempts, version, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5, 0, 0, $6)
			ON CONFLICT DO NOTHING`,
			enrollmentID(sequenceID, recipientID, now), recipientID, sequenceID, dueAt, status, now,
		)
		if err != nil {
			return 0, fmt.Errorf("enroll %s: %w", recipientID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		created += int(n)
	}

	return created, tx.Commit()
}

func enrollmentID(sequenceID, recipientID string, now time.Time) string {
	return fmt.Sprintf("enr_%s_%s_%d", sequenceID, recipientID, now.UnixNano())
}

// RetryEnrollment clears a failed enrollment's attempts and reschedules
// it for immediate pickup, backing POST /enrollments/{id}/retry.
func (s *Store) RetryEnrollment(ctx context.Context, enrollmentID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET status = 'pending', attempts = 0, last_error = '', due_at = $1, version = version + 1, updated_at = $1
		WHERE id = $2 AND status = 'failed'`, now, enrollmentID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("enrollment %s is not in a retryable state", enrollmentID)
	}
	return nil
}
