package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
)

// Controller evaluates daily allotments.
type Controller struct {
	repo Repository
	loc  *time.Location
	log  *logger.Logger
}

// NewController creates a controller whose calendar days are taken in loc
// (UTC when nil).
func NewController(repo Repository, loc *time.Location) *Controller {
	if loc == nil {
		loc = time.UTC
	}
	return &Controller{repo: repo, loc: loc, log: logger.Named("quota")}
}

// Advance returns the warmup limit for today and whether it changed. It is
// pure: callers persist the result.
func Advance(s domain.SendSettings, today time.Time) (int, bool) {
	if !s.WarmupEnabled || s.CurrentDailyLimit >= s.TargetDailyLimit {
		return s.CurrentDailyLimit, false
	}
	if s.LastWarmupDate != nil && domain.DateOf(*s.LastWarmupDate).Equal(domain.DateOf(today)) {
		return s.CurrentDailyLimit, false
	}
	if s.WarmupDailyIncrement <= 0 {
		return s.CurrentDailyLimit, false
	}
	next := s.CurrentDailyLimit + s.WarmupDailyIncrement
	if next > s.TargetDailyLimit {
		next = s.TargetDailyLimit
	}
	return next, true
}

// Clamp bounds current into [min, max]. The max bound is applied last.
func Clamp(s domain.SendSettings, current int) int {
	if current < s.MinDailyEmails {
		current = s.MinDailyEmails
	}
	if current > s.MaxDailyEmails {
		current = s.MaxDailyEmails
	}
	if current < 0 {
		current = 0
	}
	return current
}

// AllowedCount returns the client's allotment for the day containing now,
// advancing warmup first when due.
func (c *Controller) AllowedCount(ctx context.Context, clientID string, now time.Time) (int, error) {
	s, err := c.repo.GetSettings(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("load settings for %s: %w", clientID, err)
	}
	if s == nil {
		return 0, ErrSettingsNotFound
	}
	current, err := c.advance(ctx, s, now)
	if err != nil {
		return 0, err
	}
	return Clamp(*s, current), nil
}

func (c *Controller) advance(ctx context.Context, s *domain.SendSettings, now time.Time) (int, error) {
	today := domain.DateOf(now.In(c.loc))
	next, changed := Advance(*s, today)
	if !changed {
		return s.CurrentDailyLimit, nil
	}
	ok, err := c.repo.AdvanceWarmup(ctx, s.ClientID, next, today)
	if err != nil {
		return 0, fmt.Errorf("advance warmup for %s: %w", s.ClientID, err)
	}
	if ok {
		c.log.Info("warmup advanced", "client_id", s.ClientID, "from", s.CurrentDailyLimit, "to", next)
		return next, nil
	}
	// Another caller advanced first; use its value.
	fresh, err := c.repo.GetSettings(ctx, s.ClientID)
	if err != nil {
		return 0, fmt.Errorf("reload settings for %s: %w", s.ClientID, err)
	}
	if fresh == nil {
		return 0, ErrSettingsNotFound
	}
	*s = *fresh
	return s.CurrentDailyLimit, nil
}

// RecomputeReport summarizes a RecomputeAll run.
type RecomputeReport struct {
	Checked  int      `json:"checked"`
	Advanced int      `json:"advanced"`
	Failed   []string `json:"failed,omitempty"`
}

// RecomputeAll advances every warming client once for the day containing
// now. Per-client failures are logged and reported, never fatal.
func (c *Controller) RecomputeAll(ctx context.Context, now time.Time) (*RecomputeReport, error) {
	ids, err := c.repo.ListWarmupClientIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list warmup clients: %w", err)
	}
	report := &RecomputeReport{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		s, err := c.repo.GetSettings(ctx, id)
		if err != nil || s == nil {
			c.log.Warn("recompute: settings unavailable", "client_id", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		before := s.CurrentDailyLimit
		after, err := c.advance(ctx, s, now)
		if err != nil {
			c.log.Warn("recompute: advance failed", "client_id", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		if after != before {
			report.Advanced++
		}
	}
	return report, nil
}
