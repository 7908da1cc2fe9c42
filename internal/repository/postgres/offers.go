package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/offermail/internal/domain"
)

// OfferRepo stores scraped job offers.
type OfferRepo struct{ db *sql.DB }

// NewOfferRepo creates a Postgres-backed offer repository.
func NewOfferRepo(db *sql.DB) *OfferRepo { return &OfferRepo{db: db} }

// ListCandidateOffers returns up to limit offers after the keyset position
// in freshness order, skipping offers whose id or recipient the client has
// already been sent.
func (r *OfferRepo) ListCandidateOffers(ctx context.Context, clientID string, after *domain.OfferKey, limit int) ([]domain.JobOffer, error) {
	q := `
		SELECT o.id, o.email, o.title, o.location, o.city, o.country, o.source_guid, o.link, o.scraped_at
		FROM job_offers o
		WHERE NOT EXISTS (
			SELECT 1 FROM email_sends s
			WHERE s.client_id = $1 AND (s.offer_id = o.id OR s.recipient = lower(o.email))
		)`
	args := []any{clientID}
	if after != nil {
		q += ` AND (o.scraped_at < $2 OR (o.scraped_at = $2 AND o.id > $3))`
		args = append(args, after.ScrapedAt, after.ID)
	}
	q += fmt.Sprintf(" ORDER BY o.scraped_at DESC, o.id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidate offers: %w", err)
	}
	defer rows.Close()

	var out []domain.JobOffer
	for rows.Next() {
		var o domain.JobOffer
		if err := rows.Scan(&o.ID, &o.Email, &o.Title, &o.Location, &o.City, &o.Country,
			&o.SourceGUID, &o.Link, &o.ScrapedAt); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Insert stores the offer unless its source guid is already known. It
// reports whether a row was created.
func (r *OfferRepo) Insert(ctx context.Context, o *domain.JobOffer) (bool, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO job_offers (email, title, location, city, country, source_guid, link, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_guid) DO NOTHING
		RETURNING id
	`, strings.ToLower(strings.TrimSpace(o.Email)), o.Title, o.Location, o.City, o.Country,
		o.SourceGUID, o.Link, o.ScrapedAt).Scan(&o.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert offer: %w", err)
	}
	return true, nil
}
