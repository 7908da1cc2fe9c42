package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/service/reputation"
)

// ReputationRepo implements reputation.Repository against PostgreSQL.
type ReputationRepo struct{ db *sql.DB }

// NewReputationRepo creates a Postgres-backed reputation repository.
func NewReputationRepo(db *sql.DB) *ReputationRepo { return &ReputationRepo{db: db} }

func (r *ReputationRepo) Get(ctx context.Context, email string) (*domain.EmailReputation, error) {
	rec := &domain.EmailReputation{}
	err := r.db.QueryRowContext(ctx, `
		SELECT email, bounced, invalid, bounce_count, last_reason, updated_at
		FROM email_reputation
		WHERE email = $1
	`, email).Scan(&rec.Email, &rec.Bounced, &rec.Invalid, &rec.BounceCount, &rec.LastReason, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation: %w", err)
	}
	return rec, nil
}

func (r *ReputationRepo) SuppressedAmong(ctx context.Context, emails []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(emails) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT email FROM email_reputation
		WHERE email = ANY($1) AND (bounced = true OR invalid = true)
	`, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("suppressed among: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out[email] = true
	}
	return out, rows.Err()
}

func (r *ReputationRepo) RecordBounce(ctx context.Context, email, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_reputation (email, bounced, bounce_count, last_reason, updated_at)
		VALUES ($1, true, 1, $2, NOW())
		ON CONFLICT (email) DO UPDATE SET
			bounced = true,
			bounce_count = email_reputation.bounce_count + 1,
			last_reason = $2,
			updated_at = NOW()
	`, email, reason)
	if err != nil {
		return fmt.Errorf("record bounce: %w", err)
	}
	return nil
}

func (r *ReputationRepo) RecordInvalid(ctx context.Context, email, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_reputation (email, invalid, last_reason, updated_at)
		VALUES ($1, true, $2, NOW())
		ON CONFLICT (email) DO UPDATE SET invalid = true, last_reason = $2, updated_at = NOW()
	`, email, reason)
	if err != nil {
		return fmt.Errorf("record invalid: %w", err)
	}
	return nil
}

func (r *ReputationRepo) Clear(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_reputation SET bounced = false, invalid = false, updated_at = NOW()
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("clear reputation: %w", err)
	}
	if ok, _ := affected(res); !ok {
		return reputation.ErrNotFound
	}
	return nil
}
