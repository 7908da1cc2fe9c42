package quota

import (
	"context"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Repository is the settings store used by the controller.
type Repository interface {
	GetSettings(ctx context.Context, clientID string) (*domain.SendSettings, error)

	// ListWarmupClientIDs returns clients with warmup enabled and
	// current_daily_limit below target_daily_limit.
	ListWarmupClientIDs(ctx context.Context) ([]string, error)

	// AdvanceWarmup sets current_daily_limit and last_warmup_date = today
	// only if last_warmup_date is not already today. It reports whether the
	// row was updated.
	AdvanceWarmup(ctx context.Context, clientID string, newLimit int, today time.Time) (bool, error)
}
