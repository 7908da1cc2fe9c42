package matching

import (
	"context"

	"github.com/ignite/offermail/internal/domain"
)

// Repository is the offer source consumed by the evaluator.
type Repository interface {
	// ListCandidateOffers returns up to limit offers ordered by scraped_at
	// DESC, id ASC, strictly after the given key (nil starts from the top).
	// Offers already referenced by an EmailSend for the client are omitted.
	ListCandidateOffers(ctx context.Context, clientID string, after *domain.OfferKey, limit int) ([]domain.JobOffer, error)
}

// Guard drops offers whose recipients must not be mailed.
type Guard interface {
	Allowed(ctx context.Context, offers []domain.JobOffer) ([]domain.JobOffer, error)
}
