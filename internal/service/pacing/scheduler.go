package pacing

import (
	"math/rand"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

// Scheduler computes send instants under one policy. It is not safe for
// concurrent use because it owns its random source.
type Scheduler struct {
	policy domain.PacingPolicy
	loc    *time.Location
	rnd    *rand.Rand
}

// NewScheduler builds a scheduler. A nil rnd selects a time-seeded source.
func NewScheduler(policy domain.PacingPolicy, rnd *rand.Rand) *Scheduler {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{policy: policy, loc: policy.Location(), rnd: rnd}
}

// Policy returns the policy the scheduler was built with.
func (s *Scheduler) Policy() domain.PacingPolicy { return s.policy }

// Delay draws an inter-send gap in [MinDelayMinutes, MaxDelayMinutes].
func (s *Scheduler) Delay() time.Duration {
	lo := time.Duration(s.policy.MinDelayMinutes) * time.Minute
	hi := time.Duration(s.policy.MaxDelayMinutes) * time.Minute
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rnd.Int63n(int64(hi-lo)+1))
}

// Fit moves t forward to the nearest instant inside the send window. An
// instant before the window opens moves to that day's start hour; an
// instant at or after the close moves to the next day's start hour.
func (s *Scheduler) Fit(t time.Time) time.Time {
	if !s.policy.Enabled || !s.policy.HasWindow() {
		return t
	}
	start, end := *s.policy.StartHour, *s.policy.EndHour
	local := t.In(s.loc)
	y, m, d := local.Date()
	switch h := local.Hour(); {
	case h < start:
		return time.Date(y, m, d, start, 0, 0, 0, s.loc)
	case h >= end:
		return time.Date(y, m, d+1, start, 0, 0, 0, s.loc)
	}
	return t
}

// InWindow reports whether t may carry a send.
func (s *Scheduler) InWindow(t time.Time) bool {
	return s.Fit(t).Equal(t)
}

// First returns the earliest instant at or after from that honors the gap
// since lastSend and the window.
func (s *Scheduler) First(from time.Time, lastSend *time.Time) time.Time {
	if !s.policy.Enabled {
		return from
	}
	at := from
	if lastSend != nil {
		if earliest := lastSend.Add(s.Delay()); earliest.After(at) {
			at = earliest
		}
	}
	return s.Fit(at)
}

// Next returns the instant after prev.
func (s *Scheduler) Next(prev time.Time) time.Time {
	if !s.policy.Enabled {
		return prev
	}
	return s.Fit(prev.Add(s.Delay()))
}

// Plan returns count instants starting no earlier than from.
func (s *Scheduler) Plan(from time.Time, lastSend *time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}
	out := make([]time.Time, count)
	out[0] = s.First(from, lastSend)
	for i := 1; i < count; i++ {
		out[i] = s.Next(out[i-1])
	}
	return out
}
