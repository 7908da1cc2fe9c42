package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// GetSettings returns the client's send settings, or nil when none exist.
func (r *ClientRepo) GetSettings(ctx context.Context, clientID string) (*domain.SendSettings, error) {
	var (
		s        domain.SendSettings
		last     sql.NullTime
		criteria []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT client_id, active, warmup_enabled, min_daily_emails, max_daily_emails,
		       current_daily_limit, target_daily_limit, warmup_daily_increment,
		       last_warmup_date, preview_enabled, criteria, updated_at
		FROM send_settings
		WHERE client_id = $1
	`, clientID).Scan(
		&s.ClientID, &s.Active, &s.WarmupEnabled, &s.MinDailyEmails, &s.MaxDailyEmails,
		&s.CurrentDailyLimit, &s.TargetDailyLimit, &s.WarmupDailyIncrement,
		&last, &s.PreviewEnabled, &criteria, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get send settings: %w", err)
	}
	s.LastWarmupDate = timePtr(last)
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &s.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria for %s: %w", clientID, err)
		}
	}
	return &s, nil
}

// ListWarmupClientIDs returns clients with warmup enabled.
func (r *ClientRepo) ListWarmupClientIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, "list warmup clients",
		`SELECT client_id FROM send_settings WHERE warmup_enabled = true ORDER BY client_id`)
}

// AdvanceWarmup sets the current limit and stamps today's date, only if the
// client has not already advanced on or after today.
func (r *ClientRepo) AdvanceWarmup(ctx context.Context, clientID string, newLimit int, today time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_settings
		SET current_daily_limit = $2, last_warmup_date = $3, updated_at = NOW()
		WHERE client_id = $1
		  AND (last_warmup_date IS NULL OR last_warmup_date < $3)
		  AND current_daily_limit <= $2
	`, clientID, newLimit, domain.DateOf(today))
	if err != nil {
		return false, fmt.Errorf("advance warmup: %w", err)
	}
	return affected(res)
}
