package reputation

import (
	"context"

	"github.com/ignite/offermail/internal/domain"
)

// Guard implements the reputation business logic. It is safe for
// concurrent use if the underlying repository is.
type Guard struct {
	repo Repository
}

// NewGuard creates a guard backed by the given repository.
func NewGuard(repo Repository) *Guard {
	return &Guard{repo: repo}
}

// IsSuppressed reports whether email is known to bounce or be invalid.
func (g *Guard) IsSuppressed(ctx context.Context, email string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return true, nil
	}
	rec, err := g.repo.Get(ctx, email)
	if err != nil {
		return false, err
	}
	return rec.Suppressed(), nil
}

// Allowed returns the offers whose recipients are not suppressed, keeping
// the input order.
func (g *Guard) Allowed(ctx context.Context, offers []domain.JobOffer) ([]domain.JobOffer, error) {
	if len(offers) == 0 {
		return nil, nil
	}
	emails := make([]string, 0, len(offers))
	for _, o := range offers {
		emails = append(emails, domain.NormalizeEmail(o.Email))
	}
	suppressed, err := g.repo.SuppressedAmong(ctx, emails)
	if err != nil {
		return nil, err
	}
	out := offers[:0:0]
	for i, o := range offers {
		if emails[i] == "" || suppressed[emails[i]] {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// RecordBounce marks email as bounced. Idempotent apart from the bounce
// counter, which counts every report.
func (g *Guard) RecordBounce(ctx context.Context, email, reason string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmptyAddress
	}
	return g.repo.RecordBounce(ctx, email, reason)
}

// RecordInvalid marks email as permanently invalid.
func (g *Guard) RecordInvalid(ctx context.Context, email, reason string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmptyAddress
	}
	return g.repo.RecordInvalid(ctx, email, reason)
}

// Clear lifts the suppression for email. Used by operators after a
// recipient confirms the address works again.
func (g *Guard) Clear(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmptyAddress
	}
	return g.repo.Clear(ctx, email)
}

// Get returns the reputation record for email, or nil.
func (g *Guard) Get(ctx context.Context, email string) (*domain.EmailReputation, error) {
	return g.repo.Get(ctx, domain.NormalizeEmail(email))
}
