package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/sequencer/internal/domain"
)

// stepPayload is the JSON shape stored in sequence_steps.payload_json,
// holding every Step field not already broken out into its own column.
type stepPayload struct {
	DelayDays           int                        `json:"delay_days"`
	TemplateKey         string                     `json:"template_key,omitempty"`
	InlineSubject       string                     `json:"inline_subject,omitempty"`
	InlineBody          string                     `json:"inline_body,omitempty"`
	PersonalizationMode domain.PersonalizationMode `json:"personalization_mode,omitempty"`
	Script              string                     `json:"script,omitempty"`
	Message             string                     `json:"message,omitempty"`
}

func stepToRow(step domain.Step) (kind string, payload []byte, err error) {
	p := stepPayload{
		DelayDays:           step.DelayDays,
		TemplateKey:         step.TemplateKey,
		InlineSubject:       step.InlineSubject,
		InlineBody:          step.InlineBody,
		PersonalizationMode: step.PersonalizationMode,
		Script:              step.Script,
		Message:             step.Message,
	}
	payload, err = json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("marshal step payload: %w", err)
	}
	return string(step.Kind), payload, nil
}

func rowToStep(kind string, payload []byte) (domain.Step, error) {
	var p stepPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return domain.Step{}, fmt.Errorf("unmarshal step payload: %w", err)
		}
	}
	return domain.Step{
		Kind:                domain.StepKind(kind),
		DelayDays:           p.DelayDays,
		TemplateKey:         p.TemplateKey,
		InlineSubject:       p.InlineSubject,
		InlineBody:          p.InlineBody,
		PersonalizationMode: p.PersonalizationMode,
		Script:              p.Script,
		Message:             p.Message,
	}, nil
}

// GetSequence loads a sequence and its steps in step_index order.
// Satisfies executor.SequenceStore.
func (s *Store) GetSequence(ctx context.Context, id string) (domain.Sequence, error) {
	var seq domain.Sequence
	err := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, name, sender_email, created_at FROM sequences WHERE id = $1`, id,
	).Scan(&seq.ID, &seq.CampaignID, &seq.Name, &seq.SenderEmail, &seq.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Sequence{}, fmt.Errorf("sequence %s not found", id)
	}
	if err != nil {
		return domain.Sequence{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, payload_json FROM sequence_steps WHERE sequence_id = $1 ORDER BY step_index`, id)
	if err != nil {
		return domain.Sequence{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &payload); err != nil {
			return domain.Sequence{}, err
		}
		step, err := rowToStep(kind, payload)
		if err != nil {
			return domain.Sequence{}, err
		}
		seq.Steps = append(seq.Steps, step)
	}
	return seq, rows.Err()
}

// CreateSequence inserts a sequence row and its steps in one transaction.
func (s *Store) CreateSequence(ctx context.Context, seq domain.Sequence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sequences (id, campaign_id, name, sender_email, created_at) VALUES ($1, $2, $3, $4, $5)`,
		seq.ID, seq.CampaignID, seq.Name, seq.SenderEmail, seq.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}

	if err := insertSteps(ctx, tx, seq.ID, seq.Steps); err != nil {
		return err
	}

	return tx.Commit()
}

// ReplaceSteps swaps a sequence's step list. Callers must first confirm
// no enrollment on this sequence is in_flight (HasInFlightEnrollments);
// the store does not re-check, matching the Control API's own explicit
// precondition check before calling it.
func (s *Store) ReplaceSteps(ctx context.Context, sequenceID string, steps []domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sequence_steps WHERE sequence_id = $1`, sequenceID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if err := insertSteps(ctx, tx, sequenceID, steps); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSteps(ctx context.Context, tx *sql.Tx, sequenceID string, steps []domain.Step) error {
	for i, step := range steps {
		kind, payload, err := stepToRow(step)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sequence_steps (sequence_id, step_index, kind, payload_json) VALUES ($1, $2, $3, $4)`,
			sequenceID, i, kind, payload,
		); err != nil {
			return fmt.Errorf("insert step %d: %w", i, err)
		}
	}
	return nil
}

// HasInFlightEnrollments reports whether any enrollment on sequenceID is
// currently in_flight, the precondition PUT /sequences/{id} must check.
func (s *Store) HasInFlightEnrollments(ctx context.Context, sequenceID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE sequence_id = $1 AND status = 'in_flight'`, sequenceID,
	).Scan(&count)
	return count > 0, err
}

// StatusCounts returns the per-status enrollment count for a sequence,
// backing GET /sequences/{id}/status.
func (s *Store) StatusCounts(ctx context.Context, sequenceID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrollments WHERE sequence_id = $1 GROUP BY status`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
