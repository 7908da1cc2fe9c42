package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/service/sendjob"
)

const (
	openPerDayIndex = "send_jobs_open_per_day_idx"
	runningIndex    = "send_jobs_running_idx"
)

// JobRepo implements sendjob.Repository against PostgreSQL.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed job repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `
	id, client_id, scheduled_date, status, planned_count, sent_count,
	cancel_requested, error, started_at, heartbeat_at, finished_at, created_at, updated_at`

func scanJob(s rowScanner) (*domain.SendJob, error) {
	var (
		j                       domain.SendJob
		started, beat, finished sql.NullTime
	)
	if err := s.Scan(&j.ID, &j.ClientID, &j.ScheduledDate, &j.Status, &j.PlannedCount, &j.SentCount,
		&j.CancelRequested, &j.Error, &started, &beat, &finished, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.StartedAt, j.HeartbeatAt, j.FinishedAt = timePtr(started), timePtr(beat), timePtr(finished)
	return &j, nil
}

func (r *JobRepo) CreateJob(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `
		INSERT INTO send_jobs (id, client_id, scheduled_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', NOW(), NOW())
		RETURNING `+jobColumns,
		uuid.New().String(), clientID, domain.DateOf(date)))
	if name, ok := uniqueConstraint(err); ok && name == openPerDayIndex {
		return nil, sendjob.ErrJobExists
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) GetJob(ctx context.Context, id string) (*domain.SendJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM send_jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) LatestJob(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM send_jobs
		WHERE client_id = $1 AND scheduled_date = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, clientID, domain.DateOf(date)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) TryStart(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs
		SET status = 'running', started_at = $2, heartbeat_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, at)
	if name, ok := uniqueConstraint(err); ok && name == runningIndex {
		return false, sendjob.ErrConcurrencyConflict
	}
	if err != nil {
		return false, fmt.Errorf("start job: %w", err)
	}
	return affected(res)
}

func (r *JobRepo) Heartbeat(ctx context.Context, id string, sent int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs SET sent_count = $2, heartbeat_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, sent, at)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

func (r *JobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, sent int, reason string, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish job %s: %q is not terminal", id, status)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs
		SET status = $2, sent_count = $3, error = $4, finished_at = $5, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, status, sent, reason, at)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (r *JobRepo) RequestCancel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE send_jobs SET cancel_requested = true, updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

func (r *JobRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM send_jobs WHERE id = $1`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return v, nil
}

func (r *JobRepo) FailStale(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE send_jobs
		SET status = 'failed', error = $2, finished_at = $3, updated_at = NOW()
		WHERE status = 'running' AND COALESCE(heartbeat_at, started_at) < $1
		RETURNING id
	`, cutoff, reason, at)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *JobRepo) ListQueued(ctx context.Context, date time.Time) ([]domain.SendJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM send_jobs
		WHERE status = 'queued' AND scheduled_date <= $1
		ORDER BY scheduled_date, created_at
	`, domain.DateOf(date))
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.SendJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *JobRepo) ConsumedForDate(ctx context.Context, clientID string, date time.Time) (int, error) {
	statuses := make([]string, len(domain.QuotaStatuses))
	for i, s := range domain.QuotaStatuses {
		statuses[i] = string(s)
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM email_sends s
		JOIN send_jobs j ON j.id = s.job_id
		WHERE j.client_id = $1 AND j.scheduled_date = $2 AND s.status = ANY($3)
	`, clientID, domain.DateOf(date), pq.Array(statuses)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count consumed sends: %w", err)
	}
	return n, nil
}
