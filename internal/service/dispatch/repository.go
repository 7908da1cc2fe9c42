package dispatch

import (
	"context"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Repository persists EmailSend rows and the client timestamps dispatch
// maintains.
type Repository interface {
	// Reserve inserts send in status reserved and fills its ID and
	// timestamps. It returns ErrDuplicateSend when either unique
	// constraint already holds a row.
	Reserve(ctx context.Context, send *domain.EmailSend) error

	GetSend(ctx context.Context, id string) (*domain.EmailSend, error)

	// Transition moves a send from one of from to to. It reports false if
	// the row was not in an allowed state.
	Transition(ctx context.Context, id string, from []domain.SendStatus, to domain.SendStatus) (bool, error)

	MarkSent(ctx context.Context, id, messageID, threadID string, attempts int, at time.Time) error
	MarkFailed(ctx context.Context, id string, kind domain.FailureKind, reason string, attempts int, bouncedAt *time.Time) error

	// MarkBounced stamps bounced_at on a sent row. It reports false when
	// the row was already stamped.
	MarkBounced(ctx context.Context, id, reason string, at time.Time) (bool, error)
	MarkReplied(ctx context.Context, id string, at time.Time) error

	TouchLastSend(ctx context.Context, clientID string, at time.Time) error
	TouchLastReply(ctx context.Context, clientID string, at time.Time) error
}

// ClientStore loads clients and their settings.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	GetSettings(ctx context.Context, clientID string) (*domain.SendSettings, error)
}

// Guard is the reputation surface dispatch consults and feeds.
type Guard interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
	RecordBounce(ctx context.Context, email, reason string) error
	RecordInvalid(ctx context.Context, email, reason string) error
}
