package reputation

import (
	"context"

	"github.com/ignite/offermail/internal/domain"
)

// Repository defines the data access contract for recipient reputation.
type Repository interface {
	// Get returns the record for email, or nil if none exists.
	Get(ctx context.Context, email string) (*domain.EmailReputation, error)

	// SuppressedAmong returns the subset of emails that are marked bounced
	// or invalid.
	SuppressedAmong(ctx context.Context, emails []string) (map[string]bool, error)

	// RecordBounce upserts the record, sets bounced, increments the bounce
	// count and stores reason.
	RecordBounce(ctx context.Context, email, reason string) error

	// RecordInvalid upserts the record, sets invalid and stores reason.
	RecordInvalid(ctx context.Context, email, reason string) error

	// Clear resets the bounced and invalid flags. Returns ErrNotFound if
	// there is no record.
	Clear(ctx context.Context, email string) error
}
