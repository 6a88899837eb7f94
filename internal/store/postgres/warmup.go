package postgres

import (
	"context"
	"database/sql"
)

// GetCount returns the persisted send count for a sender on a calendar
// date, or 0 if no row exists yet. Satisfies rategovernor.WarmupStore.
func (s *Store) GetCount(ctx context.Context, senderEmail, date string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM warmup_counts WHERE sender_email = $1 AND date = $2`, senderEmail, date,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// IncrementCount records one more successful send for a sender on a
// date, creating the row on first use.
func (s *Store) IncrementCount(ctx context.Context, senderEmail, date string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warmup_counts (sender_email, date, count) VALUES ($1, $2, 1)
		ON CONFLICT (sender_email, date) DO UPDATE SET count = warmup_counts.count + 1`,
		senderEmail, date,
	)
	return err
}
