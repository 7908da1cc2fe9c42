package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// CursorRepo persists the last processed date of periodic tasks.
type CursorRepo struct{ db *sql.DB }

// NewCursorRepo creates a Postgres-backed task cursor store.
func NewCursorRepo(db *sql.DB) *CursorRepo { return &CursorRepo{db: db} }

// LastDate returns the task's last processed date, or nil if it never ran.
func (r *CursorRepo) LastDate(ctx context.Context, task string) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT last_date FROM task_cursors WHERE task_name = $1`, task).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task cursor %s: %w", task, err)
	}
	return timePtr(last), nil
}

// Advance moves the cursor forward to date. It reports false when another
// worker already processed date.
func (r *CursorRepo) Advance(ctx context.Context, task string, date, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO task_cursors (task_name, last_date, last_run, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_name) DO UPDATE SET last_date = $2, last_run = $3, updated_at = NOW()
		WHERE task_cursors.last_date IS NULL OR task_cursors.last_date < $2
	`, task, domain.DateOf(date), at)
	if err != nil {
		return false, fmt.Errorf("advance task cursor %s: %w", task, err)
	}
	return affected(res)
}
