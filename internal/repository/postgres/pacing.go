package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/offermail/internal/domain"
)

// PolicyRepo reads the global pacing policy from send_config.
type PolicyRepo struct{ db *sql.DB }

// NewPolicyRepo creates a Postgres-backed pacing policy source.
func NewPolicyRepo(db *sql.DB) *PolicyRepo { return &PolicyRepo{db: db} }

// LoadPacingPolicy reads the single active row. A missing row yields a
// disabled policy.
func (r *PolicyRepo) LoadPacingPolicy(ctx context.Context) (domain.PacingPolicy, error) {
	var (
		p          domain.PacingPolicy
		start, end sql.NullInt32
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT enabled, start_hour, end_hour, min_delay_minutes, max_delay_minutes, timezone
		FROM send_config
		WHERE id = 1
	`).Scan(&p.Enabled, &start, &end, &p.MinDelayMinutes, &p.MaxDelayMinutes, &p.Timezone)
	if err == sql.ErrNoRows {
		return domain.PacingPolicy{}, nil
	}
	if err != nil {
		return domain.PacingPolicy{}, fmt.Errorf("load pacing policy: %w", err)
	}
	if start.Valid {
		h := int(start.Int32)
		p.StartHour = &h
	}
	if end.Valid {
		h := int(end.Int32)
		p.EndHour = &h
	}
	if err := p.Validate(); err != nil {
		return domain.PacingPolicy{}, err
	}
	return p, nil
}

// SavePacingPolicy replaces the active row.
func (r *PolicyRepo) SavePacingPolicy(ctx context.Context, p domain.PacingPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var start, end sql.NullInt32
	if p.StartHour != nil {
		start = sql.NullInt32{Int32: int32(*p.StartHour), Valid: true}
	}
	if p.EndHour != nil {
		end = sql.NullInt32{Int32: int32(*p.EndHour), Valid: true}
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO send_config (id, enabled, start_hour, end_hour, min_delay_minutes, max_delay_minutes, timezone, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			enabled = $1, start_hour = $2, end_hour = $3,
			min_delay_minutes = $4, max_delay_minutes = $5, timezone = $6, updated_at = NOW()
	`, p.Enabled, start, end, p.MinDelayMinutes, p.MaxDelayMinutes, tz)
	if err != nil {
		return fmt.Errorf("save pacing policy: %w", err)
	}
	return nil
}
