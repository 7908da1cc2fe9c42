package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/offermail/internal/domain"
)

// ClientRepo implements the client-facing stores of quota, sendjob,
// dispatch, lifecycle and domains against PostgreSQL.
type ClientRepo struct{ db *sql.DB }

// NewClientRepo creates a Postgres-backed client repository.
func NewClientRepo(db *sql.DB) *ClientRepo { return &ClientRepo{db: db} }

const clientColumns = `
	id, name, job_title, countries, cities, crm_status, crm_close_reason,
	mailbox_state, COALESCE(mailbox_address,''), COALESCE(mailbox_password,''),
	mailbox_created_at, deletion_pending_since, COALESCE(deletion_reason,''),
	deletion_claimed_at, mailbox_deleted_at, subject_template, body_template,
	last_send_at, last_reply_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(s rowScanner) (*domain.Client, error) {
	var (
		c                       domain.Client
		kind                    string
		address, reason         string
		created, since, deleted sql.NullTime
		claimed                 sql.NullTime
		lastSend, lastReply     sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.Name, &c.JobTitle, pq.Array(&c.Countries), pq.Array(&c.Cities),
		&c.CRMStatus, &c.CRMCloseReason,
		&kind, &address, &c.MailboxPassword,
		&created, &since, &reason,
		&claimed, &deleted, &c.SubjectTemplate, &c.BodyTemplate,
		&lastSend, &lastReply, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Mailbox = mailboxState(domain.MailboxKind(kind), address, created, since, reason, claimed, deleted)
	c.LastSendAt = timePtr(lastSend)
	c.LastReplyAt = timePtr(lastReply)
	return &c, nil
}

func mailboxState(kind domain.MailboxKind, address string, created, since sql.NullTime, reason string, claimed, deleted sql.NullTime) domain.MailboxState {
	switch kind {
	case domain.MailboxKindActive:
		return domain.MailboxActive{Address: address, CreatedAt: created.Time}
	case domain.MailboxKindDeletionPending:
		return domain.MailboxDeletionPending{Address: address, CreatedAt: created.Time, Since: since.Time, Reason: reason, ClaimedAt: timePtr(claimed)}
	case domain.MailboxKindDeleted:
		return domain.MailboxDeleted{At: deleted.Time}
	}
	return domain.MailboxNone{}
}

// GetClient returns the client, or nil when it does not exist.
func (r *ClientRepo) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// ListMailboxClients returns clients whose mailbox is in any of kinds.
func (r *ClientRepo) ListMailboxClients(ctx context.Context, kinds ...domain.MailboxKind) ([]domain.Client, error) {
	states := make([]string, len(kinds))
	for i, k := range kinds {
		states[i] = string(k)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE mailbox_state = ANY($1) ORDER BY id`,
		pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("list mailbox clients: %w", err)
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListDispatchableClientIDs returns clients with active settings and an
// active mailbox.
func (r *ClientRepo) ListDispatchableClientIDs(ctx context.Context) ([]string, error) {
	return r.ids(ctx, "list dispatchable clients", `
		SELECT c.id FROM clients c
		JOIN send_settings s ON s.client_id = c.id
		WHERE s.active = true AND c.mailbox_state = 'active'
		ORDER BY c.id`)
}

func (r *ClientRepo) ids(ctx context.Context, op, q string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkPending moves an active mailbox to deletion_pending.
func (r *ClientRepo) MarkPending(ctx context.Context, clientID string, since time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients
		SET mailbox_state = 'deletion_pending', deletion_pending_since = $2,
		    deletion_reason = $3, updated_at = NOW()
		WHERE id = $1 AND mailbox_state = 'active'
	`, clientID, since, reason)
	if err != nil {
		return false, fmt.Errorf("mark deletion pending: %w", err)
	}
	return affected(res)
}

// CancelPending restores a pending mailbox to active.
func (r *ClientRepo) CancelPending(ctx context.Context, clientID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients
		SET mailbox_state = 'active', deletion_pending_since = NULL,
		    deletion_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND mailbox_state = 'deletion_pending' AND deletion_claimed_at IS NULL
	`, clientID)
	if err != nil {
		return false, fmt.Errorf("cancel deletion pending: %w", err)
	}
	return affected(res)
}

// ClearMailbox marks the mailbox deleted if it still holds address.
func (r *ClientRepo) ClearMailbox(ctx context.Context, clientID, address string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients
		SET mailbox_state = 'deleted', mailbox_address = NULL, mailbox_password = NULL,
		    mailbox_created_at = NULL, deletion_pending_since = NULL, deletion_reason = NULL,
		    deletion_claimed_at = NULL, mailbox_deleted_at = $3, updated_at = NOW()
		WHERE id = $1 AND lower(mailbox_address) = lower($2)
		  AND mailbox_state IN ('active', 'deletion_pending')
	`, clientID, address, at)
	if err != nil {
		return false, fmt.Errorf("clear mailbox: %w", err)
	}
	return affected(res)
}

// ClaimDeletion stamps a pending mailbox as being deleted. It matches only
// the pending period that started at since, and takes over a claim older
// than lease.
func (r *ClientRepo) ClaimDeletion(ctx context.Context, clientID string, since, at time.Time, lease time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients
		SET deletion_claimed_at = $3, updated_at = NOW()
		WHERE id = $1 AND mailbox_state = 'deletion_pending'
		  AND deletion_pending_since = $2
		  AND (deletion_claimed_at IS NULL OR deletion_claimed_at < $4)
	`, clientID, since, at, at.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("claim deletion: %w", err)
	}
	return affected(res)
}

// ReleaseDeletionClaim drops the claim taken at claimedAt so the mailbox
// can be cancelled or retried.
func (r *ClientRepo) ReleaseDeletionClaim(ctx context.Context, clientID string, claimedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE clients SET deletion_claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND deletion_claimed_at = $2
	`, clientID, claimedAt)
	if err != nil {
		return fmt.Errorf("release deletion claim: %w", err)
	}
	return nil
}

// CompleteDeletion marks a claimed pending mailbox deleted. It reports
// false when the claim taken at claimedAt no longer holds.
func (r *ClientRepo) CompleteDeletion(ctx context.Context, clientID string, claimedAt, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients
		SET mailbox_state = 'deleted', mailbox_address = NULL, mailbox_password = NULL,
		    mailbox_created_at = NULL, deletion_pending_since = NULL, deletion_reason = NULL,
		    deletion_claimed_at = NULL, mailbox_deleted_at = $3, updated_at = NOW()
		WHERE id = $1 AND mailbox_state = 'deletion_pending' AND deletion_claimed_at = $2
	`, clientID, claimedAt, at)
	if err != nil {
		return false, fmt.Errorf("complete deletion: %w", err)
	}
	return affected(res)
}

// SetActiveMailbox stores a freshly provisioned mailbox when the client has
// none.
func (r *ClientRepo) SetActiveMailbox(ctx context.Context, clientID, address, password string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients
		SET mailbox_state = 'active', mailbox_address = $2, mailbox_password = $3,
		    mailbox_created_at = $4, mailbox_deleted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND mailbox_state IN ('none', 'deleted')
	`, clientID, address, password, at)
	if err != nil {
		return false, fmt.Errorf("set active mailbox: %w", err)
	}
	return affected(res)
}

// CountBouncedSince counts the client's sends that bounced at or after
// since.
func (r *ClientRepo) CountBouncedSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_sends WHERE client_id = $1 AND bounced_at >= $2`,
		clientID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bounced sends: %w", err)
	}
	return n, nil
}
