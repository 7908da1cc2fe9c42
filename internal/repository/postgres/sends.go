package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/service/dispatch"
)

// SendRepo implements dispatch.Repository against PostgreSQL.
type SendRepo struct{ db *sql.DB }

// NewSendRepo creates a Postgres-backed send repository.
func NewSendRepo(db *sql.DB) *SendRepo { return &SendRepo{db: db} }

// Reserve inserts the send as reserved. Either unique constraint on
// (client, recipient) or (client, offer) makes it a duplicate.
func (r *SendRepo) Reserve(ctx context.Context, send *domain.EmailSend) error {
	if send.ID == "" {
		send.ID = uuid.New().String()
	}
	send.Recipient = domain.NormalizeEmail(send.Recipient)
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO email_sends (id, client_id, offer_id, job_id, recipient, status, subject, html_body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'reserved', $6, $7, NOW(), NOW())
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, send.ID, send.ClientID, send.OfferID, send.JobID, send.Recipient, send.Subject, send.HTMLBody,
	).Scan(&send.CreatedAt)
	if err == sql.ErrNoRows {
		return dispatch.ErrDuplicateSend
	}
	if err != nil {
		return fmt.Errorf("reserve send: %w", err)
	}
	send.Status = domain.SendReserved
	send.UpdatedAt = send.CreatedAt
	return nil
}

func (r *SendRepo) GetSend(ctx context.Context, id string) (*domain.EmailSend, error) {
	var (
		s                        domain.EmailSend
		jobID                    sql.NullString
		bounced, replied, sentAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, client_id, offer_id, job_id, recipient, status, subject, html_body,
		       message_id, thread_id, attempts, failure_kind, failure_reason,
		       bounced_at, replied_at, sent_at, created_at, updated_at
		FROM email_sends
		WHERE id = $1
	`, id).Scan(
		&s.ID, &s.ClientID, &s.OfferID, &jobID, &s.Recipient, &s.Status, &s.Subject, &s.HTMLBody,
		&s.MessageID, &s.ThreadID, &s.Attempts, &s.FailureKind, &s.FailureReason,
		&bounced, &replied, &sentAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get send: %w", err)
	}
	if jobID.Valid {
		s.JobID = &jobID.String
	}
	s.BouncedAt, s.RepliedAt, s.SentAt = timePtr(bounced), timePtr(replied), timePtr(sentAt)
	return &s, nil
}

func (r *SendRepo) Transition(ctx context.Context, id string, from []domain.SendStatus, to domain.SendStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sends SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, pq.Array(states))
	if err != nil {
		return false, fmt.Errorf("transition send: %w", err)
	}
	return affected(res)
}

func (r *SendRepo) MarkSent(ctx context.Context, id, messageID, threadID string, attempts int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'sent', message_id = $2, thread_id = $3, attempts = $4, sent_at = $5, updated_at = NOW()
		WHERE id = $1 AND status IN ('reserved', 'approved')
	`, id, messageID, threadID, attempts, at)
	if err != nil {
		return fmt.Errorf("mark send sent: %w", err)
	}
	return nil
}

func (r *SendRepo) MarkFailed(ctx context.Context, id string, kind domain.FailureKind, reason string, attempts int, bouncedAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'failed', failure_kind = $2, failure_reason = $3, attempts = $4,
		    bounced_at = $5, updated_at = NOW()
		WHERE id = $1 AND status IN ('reserved', 'approved')
	`, id, kind, reason, attempts, nullTime(bouncedAt))
	if err != nil {
		return fmt.Errorf("mark send failed: %w", err)
	}
	return nil
}

// MarkBounced stamps an asynchronous bounce on a sent row. It reports false
// when the row was already stamped.
func (r *SendRepo) MarkBounced(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET bounced_at = $3, failure_kind = 'hard_bounce', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sent' AND bounced_at IS NULL
	`, id, reason, at)
	if err != nil {
		return false, fmt.Errorf("mark send bounced: %w", err)
	}
	return affected(res)
}

func (r *SendRepo) MarkReplied(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_sends SET replied_at = $2, updated_at = NOW()
		WHERE id = $1 AND replied_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark send replied: %w", err)
	}
	return nil
}

func (r *SendRepo) TouchLastSend(ctx context.Context, clientID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clients SET last_send_at = GREATEST(COALESCE(last_send_at, $2), $2), updated_at = NOW()
		WHERE id = $1
	`, clientID, at)
	if err != nil {
		return fmt.Errorf("touch last send: %w", err)
	}
	return nil
}

func (r *SendRepo) TouchLastReply(ctx context.Context, clientID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clients SET last_reply_at = GREATEST(COALESCE(last_reply_at, $2), $2), updated_at = NOW()
		WHERE id = $1
	`, clientID, at)
	if err != nil {
		return fmt.Errorf("touch last reply: %w", err)
	}
	return nil
}

// FailAbandoned fails sends stuck before delivery completed: reservations
// created before cutoff and approvals not finished since cutoff. Their
// delivery outcome is unknown, so they are never retried.
func (r *SendRepo) FailAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_sends
		SET status = 'failed', failure_kind = 'abandoned',
		    failure_reason = CASE status
		        WHEN 'approved' THEN 'approved delivery abandoned'
		        ELSE 'reservation abandoned' END,
		    updated_at = NOW()
		WHERE (status = 'reserved' AND created_at < $1)
		   OR (status = 'approved' AND updated_at < $1)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail abandoned sends: %w", err)
	}
	return res.RowsAffected()
}
