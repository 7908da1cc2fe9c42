package domains

import (
	"context"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Repository stores managed domains and their user counters.
type Repository interface {
	ListDomains(ctx context.Context) ([]domain.ManagedDomain, error)

	// ReserveSlot increments current_user_count when the domain is active
	// and below max_user_count. It reports whether a slot was taken.
	ReserveSlot(ctx context.Context, domainID string) (bool, error)

	// ReleaseSlot decrements current_user_count for the named domain,
	// never below zero.
	ReleaseSlot(ctx context.Context, domainName string) error
}

// ClientStore reads clients and records new mailboxes.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)

	// SetActiveMailbox stores the mailbox when the client's mailbox state
	// is none or deleted. It reports false otherwise.
	SetActiveMailbox(ctx context.Context, clientID, address, password string, at time.Time) (bool, error)
}
