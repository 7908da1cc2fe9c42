package lifecycle

import (
	"context"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Repository is the client mailbox store.
type Repository interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)

	// ListMailboxClients returns clients whose mailbox is in any of kinds.
	ListMailboxClients(ctx context.Context, kinds ...domain.MailboxKind) ([]domain.Client, error)

	// MarkPending moves an active mailbox to deletion_pending. It reports
	// false when the mailbox was no longer active.
	MarkPending(ctx context.Context, clientID string, since time.Time, reason string) (bool, error)

	// CancelPending moves a pending, unclaimed mailbox back to active. It
	// reports false otherwise.
	CancelPending(ctx context.Context, clientID string) (bool, error)

	// ClaimDeletion stamps the pending period that started at since as
	// being deleted at at. An existing claim older than lease is taken
	// over. It reports false when the mailbox is no longer in that period
	// or another claim is live.
	ClaimDeletion(ctx context.Context, clientID string, since, at time.Time, lease time.Duration) (bool, error)

	// ReleaseDeletionClaim drops the claim taken at claimedAt.
	ReleaseDeletionClaim(ctx context.Context, clientID string, claimedAt time.Time) error

	// CompleteDeletion clears the mailbox like ClearMailbox, but only while
	// the claim taken at claimedAt still holds.
	CompleteDeletion(ctx context.Context, clientID string, claimedAt, at time.Time) (bool, error)

	// ClearMailbox marks the mailbox deleted and clears its address,
	// password, creation and pending fields, provided it still holds
	// address. It reports whether a row changed.
	ClearMailbox(ctx context.Context, clientID, address string, at time.Time) (bool, error)

	// CountBouncedSince counts the client's sends with bounced_at >= since.
	CountBouncedSince(ctx context.Context, clientID string, since time.Time) (int, error)
}

// DomainStore exposes managed domains and their user counters.
type DomainStore interface {
	ListDomains(ctx context.Context) ([]domain.ManagedDomain, error)
	ReleaseSlot(ctx context.Context, domainName string) error
}

// Archiver keeps an audit trail of deprovisioned mailboxes.
type Archiver interface {
	ArchiveDeprovision(ctx context.Context, rec DeprovisionRecord) error
}

// Locker runs fn while holding a cluster-wide lock. ran is false when
// another instance holds it.
type Locker interface {
	Run(ctx context.Context, key string, fn func(context.Context) error) (ran bool, err error)
}

// DeprovisionRecord is the audit entry written for each retired mailbox.
type DeprovisionRecord struct {
	ClientID     string     `json:"client_id"`
	Address      string     `json:"address"`
	Domain       string     `json:"domain"`
	Reason       string     `json:"reason"`
	Source       string     `json:"source"`
	PendingSince *time.Time `json:"pending_since,omitempty"`
	At           time.Time  `json:"at"`
}
