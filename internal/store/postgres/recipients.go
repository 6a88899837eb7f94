package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/sequencer/internal/domain"
)

// GetRecipient loads one recipient by id. Satisfies executor.RecipientStore.
func (s *Store) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	var r domain.Recipient
	var attrs []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, title, email, phone, network_url, attributes FROM recipients WHERE id = $1`, id,
	).Scan(&r.ID, &r.FirstName, &r.LastName, &r.Title, &r.Email, &r.Phone, &r.NetworkURL, &attrs)
	if err == sql.ErrNoRows {
		return domain.Recipient{}, fmt.Errorf("recipient %s not found", id)
	}
	if err != nil {
		return domain.Recipient{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return domain.Recipient{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return r, nil
}

// UpsertRecipient inserts or updates a recipient's enrichment fields.
func (s *Store) UpsertRecipient(ctx context.Context, r domain.Recipient) error {
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recipients (id, first_name, last_name, title, email, phone, network_url, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, title = EXCLUDED.title,
			email = EXCLUDED.email, phone = EXCLUDED.phone, network_url = EXCLUDED.network_url,
			attributes = EXCLUDED.attributes`,
		r.ID, r.FirstName, r.LastName, r.Title, r.Email, r.Phone, r.NetworkURL, attrs,
	)
	return err
}
