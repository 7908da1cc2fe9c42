package matching

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/offermail/internal/domain"
)

// DefaultPageSize is the number of offers fetched per repository call.
const DefaultPageSize = 200

// Evaluator builds offer cursors for clients.
type Evaluator struct {
	repo     Repository
	guard    Guard
	pageSize int
}

// NewEvaluator creates an evaluator. A pageSize <= 0 selects
// DefaultPageSize.
func NewEvaluator(repo Repository, guard Guard, pageSize int) *Evaluator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Evaluator{repo: repo, guard: guard, pageSize: pageSize}
}

// Offers returns a cursor over the offers matching client under settings.
func (e *Evaluator) Offers(client *domain.Client, settings *domain.SendSettings) *Cursor {
	var criteria domain.MatchingCriteria
	if settings != nil {
		criteria = settings.Criteria
	}
	return &Cursor{
		eval:      e,
		clientID:  client.ID,
		predicate: Predicate(client, criteria),
	}
}

// Cursor iterates matching offers lazily. It is not safe for concurrent use.
type Cursor struct {
	eval      *Evaluator
	clientID  string
	predicate func(*domain.JobOffer) bool

	after   *domain.OfferKey
	buf     []domain.JobOffer
	drained bool
}

// Next returns the next matching offer, or ErrExhausted.
func (c *Cursor) Next(ctx context.Context) (*domain.JobOffer, error) {
	for len(c.buf) == 0 {
		if c.drained {
			return nil, ErrExhausted
		}
		if err := c.fill(ctx); err != nil {
			return nil, err
		}
	}
	o := c.buf[0]
	c.buf = c.buf[1:]
	return &o, nil
}

// Take returns up to n matching offers. A short result means the cursor is
// exhausted.
func (c *Cursor) Take(ctx context.Context, n int) ([]domain.JobOffer, error) {
	var out []domain.JobOffer
	for len(out) < n {
		o, err := c.Next(ctx)
		if err == ErrExhausted {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// Reset rewinds the cursor to the freshest offer. Offers sent since the
// cursor was created are excluded on the next pass.
func (c *Cursor) Reset() {
	c.after = nil
	c.buf = nil
	c.drained = false
}

func (c *Cursor) fill(ctx context.Context) error {
	page, err := c.eval.repo.ListCandidateOffers(ctx, c.clientID, c.after, c.eval.pageSize)
	if err != nil {
		return fmt.Errorf("list candidate offers: %w", err)
	}
	if len(page) < c.eval.pageSize {
		c.drained = true
	}
	if len(page) == 0 {
		return nil
	}
	last := page[len(page)-1].Key()
	c.after = &last

	matched := make([]domain.JobOffer, 0, len(page))
	for i := range page {
		if c.predicate(&page[i]) {
			matched = append(matched, page[i])
		}
	}
	if c.eval.guard != nil && len(matched) > 0 {
		matched, err = c.eval.guard.Allowed(ctx, matched)
		if err != nil {
			return fmt.Errorf("reputation filter: %w", err)
		}
	}
	c.buf = matched
	return nil
}

// Predicate builds the match function for client under criteria. Filters
// the client has no data for are inactive; with no active filter every
// offer matches.
func Predicate(client *domain.Client, criteria domain.MatchingCriteria) func(*domain.JobOffer) bool {
	var preds []func(*domain.JobOffer) bool

	if criteria.Enabled(domain.FilterCountries) {
		if set := lowerSet(client.Countries); len(set) > 0 {
			preds = append(preds, func(o *domain.JobOffer) bool {
				return set[strings.ToLower(strings.TrimSpace(o.Country))]
			})
		}
	}
	if criteria.Enabled(domain.FilterCities) {
		if set := lowerSet(client.Cities); len(set) > 0 {
			preds = append(preds, func(o *domain.JobOffer) bool {
				return set[strings.ToLower(strings.TrimSpace(o.City))]
			})
		}
	}
	if criteria.Enabled(domain.FilterJobTitle) {
		if title := strings.ToLower(strings.TrimSpace(client.JobTitle)); title != "" {
			contains := criteria.JobTitleMatchMode == domain.TitleContains
			preds = append(preds, func(o *domain.JobOffer) bool {
				offer := strings.ToLower(strings.TrimSpace(o.Title))
				if contains {
					return strings.Contains(offer, title)
				}
				return offer == title
			})
		}
	}

	if len(preds) == 0 {
		return func(*domain.JobOffer) bool { return true }
	}
	anyMode := criteria.MatchMode == domain.MatchAny
	return func(o *domain.JobOffer) bool {
		for _, p := range preds {
			ok := p(o)
			if anyMode && ok {
				return true
			}
			if !anyMode && !ok {
				return false
			}
		}
		return !anyMode
	}
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = true
		}
	}
	return set
}
