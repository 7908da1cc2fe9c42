package sendjob

import (
	"context"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Repository persists send jobs.
type Repository interface {
	// CreateJob inserts a queued job. It returns ErrJobExists when a
	// non-failed job already holds (client, date).
	CreateJob(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error)

	GetJob(ctx context.Context, id string) (*domain.SendJob, error)

	// LatestJob returns the most recently created job for (client, date),
	// or nil.
	LatestJob(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error)

	// TryStart moves a queued job to running. It returns
	// ErrConcurrencyConflict when another job for the client is running and
	// false when the job is no longer queued.
	TryStart(ctx context.Context, id string, at time.Time) (bool, error)

	Heartbeat(ctx context.Context, id string, sent int, at time.Time) error

	// Finish moves a queued or running job to a terminal status.
	Finish(ctx context.Context, id string, status domain.JobStatus, sent int, reason string, at time.Time) error

	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	// FailStale fails running jobs whose heartbeat (or start) is older than
	// cutoff and returns their ids.
	FailStale(ctx context.Context, cutoff time.Time, reason string, at time.Time) ([]string, error)

	// ListQueued returns queued jobs scheduled on or before date.
	ListQueued(ctx context.Context, date time.Time) ([]domain.SendJob, error)

	// ConsumedForDate counts quota-consuming sends attached to the
	// client's jobs for date.
	ConsumedForDate(ctx context.Context, clientID string, date time.Time) (int, error)
}

// ClientStore supplies clients for planning and execution.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	GetSettings(ctx context.Context, clientID string) (*domain.SendSettings, error)

	// ListDispatchableClientIDs returns clients with active settings and
	// an active mailbox.
	ListDispatchableClientIDs(ctx context.Context) ([]string, error)
}

// PolicySource loads the pacing policy for one run.
type PolicySource interface {
	LoadPacingPolicy(ctx context.Context) (domain.PacingPolicy, error)
}
