package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/sequencer/internal/domain"
)

// GetSender loads one sender by email. Satisfies both
// executor.SenderStore and rategovernor.SenderStore.
func (s *Store) GetSender(ctx context.Context, email string) (domain.Sender, error) {
	var sender domain.Sender
	var windowDays pq.Int64Array
	var warmupStart sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT email, name, title, phone, signature_rich, signature_plain, warmup_enabled,
			warmup_start_date, ramp_key, daily_cap, on_hold, window_days, window_start, window_end, window_tz
		FROM senders WHERE email = $1`, email,
	).Scan(&sender.Email, &sender.Name, &sender.Title, &sender.Phone, &sender.SignatureRich, &sender.SignaturePlain,
		&sender.WarmupEnabled, &warmupStart, &sender.RampKey, &sender.DailyCap, &sender.OnHold,
		&windowDays, &sender.Window.StartHHMM, &sender.Window.EndHHMM, &sender.Window.Timezone)
	if err == sql.ErrNoRows {
		return domain.Sender{}, fmt.Errorf("sender %s not found", email)
	}
	if err != nil {
		return domain.Sender{}, err
	}
	if warmupStart.Valid {
		t := warmupStart.Time
		sender.WarmupStartDate = &t
	}
	sender.Window.Days = map[time.Weekday]bool{}
	for _, d := range windowDays {
		sender.Window.Days[time.Weekday(d)] = true
	}
	return sender, nil
}

// UpsertSender inserts or replaces a sender record.
func (s *Store) UpsertSender(ctx context.Context, sender domain.Sender) error {
	days := make([]int64, 0, len(sender.Window.Days))
	for d, on := range sender.Window.Days {
		if on {
			days = append(days, int64(d))
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO senders (email, name, title, phone, signature_rich, signature_plain, warmup_enabled,
			warmup_start_date, ramp_key, daily_cap, on_hold, window_days, window_start, window_end, window_tz)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name, title = EXCLUDED.title, phone = EXCLUDED.phone,
			signature_rich = EXCLUDED.signature_rich, signature_plain = EXCLUDED.signature_plain,
			warmup_enabled = EXCLUDED.warmup_enabled, warmup_start_date = EXCLUDED.warmup_start_date,
			ramp_key = EXCLUDED.ramp_key, daily_cap = EXCLUDED.daily_cap, on_hold = EXCLUDED.on_hold,
			window_days = EXCLUDED.window_days, window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end, window_tz = EXCLUDED.window_tz`,
		sender.Email, sender.Name, sender.Title, sender.Phone, sender.SignatureRich, sender.SignaturePlain,
		sender.WarmupEnabled, sender.WarmupStartDate, sender.RampKey, sender.DailyCap, sender.OnHold,
		pq.Array(days), sender.Window.StartHHMM, sender.Window.EndHHMM, sender.Window.Timezone,
	)
	return err
}

// SetOnHold toggles a sender's on_hold flag, backing
// POST/DELETE /senders/{email}/hold.
func (s *Store) SetOnHold(ctx context.Context, email string, onHold bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE senders SET on_hold = $1 WHERE email = $2`, onHold, email)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sender %s not found", email)
	}
	return nil
}
