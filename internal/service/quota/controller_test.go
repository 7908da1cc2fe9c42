package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignite/offermail/internal/domain"
)

type mockRepo struct {
	mu       sync.Mutex
	settings map[string]*domain.SendSettings
	advances int
}

func newMockRepo(ss ...domain.SendSettings) *mockRepo {
	m := &mockRepo{settings: make(map[string]*domain.SendSettings)}
	for i := range ss {
		s := ss[i]
		m.settings[s.ClientID] = &s
	}
	return m
}

func (m *mockRepo) GetSettings(_ context.Context, clientID string) (*domain.SendSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[clientID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepo) ListWarmupClientIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.settings {
		if s.WarmupEnabled && s.CurrentDailyLimit < s.TargetDailyLimit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockRepo) AdvanceWarmup(_ context.Context, clientID string, newLimit int, today time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.settings[clientID]
	if s.LastWarmupDate != nil && s.LastWarmupDate.Equal(today) {
		return false, nil
	}
	s.CurrentDailyLimit = newLimit
	s.LastWarmupDate = &today
	m.advances++
	return true, nil
}

func warming(id string, current, target, inc int) domain.SendSettings {
	return domain.SendSettings{
		ClientID:             id,
		Active:               true,
		WarmupEnabled:        true,
		MinDailyEmails:       0,
		MaxDailyEmails:       100,
		CurrentDailyLimit:    current,
		TargetDailyLimit:     target,
		WarmupDailyIncrement: inc,
	}
}

var day1 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestAllowedCount_WarmupInactiveReturnsCurrent(t *testing.T) {
	s := warming("c1", 12, 40, 5)
	s.WarmupEnabled = false
	c := NewController(newMockRepo(s), nil)

	got, err := c.AllowedCount(context.Background(), "c1", day1)
	if err != nil {
		t.Fatalf("AllowedCount: %v", err)
	}
	if got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
}

func TestAllowedCount_AdvancesOncePerDay(t *testing.T) {
	repo := newMockRepo(warming("c1", 10, 40, 5))
	c := NewController(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.AllowedCount(ctx, "c1", day1.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("AllowedCount #%d: %v", i, err)
		}
		if got != 15 {
			t.Errorf("call %d: expected 15, got %d", i, got)
		}
	}

	got, _ := c.AllowedCount(ctx, "c1", day1.Add(24*time.Hour))
	if got != 20 {
		t.Errorf("next day: expected 20, got %d", got)
	}
	if repo.advances != 2 {
		t.Errorf("expected 2 advances, got %d", repo.advances)
	}
}

func TestAllowedCount_NeverExceedsTarget(t *testing.T) {
	repo := newMockRepo(warming("c1", 36, 40, 5))
	c := NewController(repo, nil)
	ctx := context.Background()

	for d := 0; d < 5; d++ {
		got, _ := c.AllowedCount(ctx, "c1", day1.AddDate(0, 0, d))
		if got > 40 {
			t.Fatalf("day %d: allowed %d exceeds target", d, got)
		}
	}
	s, _ := repo.GetSettings(ctx, "c1")
	if s.CurrentDailyLimit != 40 {
		t.Errorf("expected current=40, got %d", s.CurrentDailyLimit)
	}
}

func TestAllowedCount_Clamped(t *testing.T) {
	low := warming("low", 2, 2, 0)
	low.MinDailyEmails = 5
	high := warming("high", 80, 80, 0)
	high.MaxDailyEmails = 50
	c := NewController(newMockRepo(low, high), nil)
	ctx := context.Background()

	if got, _ := c.AllowedCount(ctx, "low", day1); got != 5 {
		t.Errorf("low: expected 5, got %d", got)
	}
	if got, _ := c.AllowedCount(ctx, "high", day1); got != 50 {
		t.Errorf("high: expected 50, got %d", got)
	}
}

func TestAllowedCount_ConcurrentCallersAdvanceOnce(t *testing.T) {
	repo := newMockRepo(warming("c1", 10, 100, 7))
	c := NewController(repo, nil)

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.AllowedCount(context.Background(), "c1", day1)
		}(i)
	}
	wg.Wait()

	if repo.advances != 1 {
		t.Fatalf("expected exactly one advance, got %d", repo.advances)
	}
	for i, r := range results {
		if r != 17 {
			t.Errorf("caller %d saw %d, expected 17", i, r)
		}
	}
}

func TestAllowedCount_MissingSettings(t *testing.T) {
	c := NewController(newMockRepo(), nil)
	if _, err := c.AllowedCount(context.Background(), "ghost", day1); err != ErrSettingsNotFound {
		t.Errorf("expected ErrSettingsNotFound, got %v", err)
	}
}

func TestAllowedCount_UsesControllerTimezone(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	repo := newMockRepo(warming("c1", 10, 40, 5))
	c := NewController(repo, loc)
	ctx := context.Background()

	// 02:00 UTC on Mar 3 is still Mar 2 in UTC-5.
	_, _ = c.AllowedCount(ctx, "c1", time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC))
	got, _ := c.AllowedCount(ctx, "c1", time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC))
	if got != 15 {
		t.Errorf("expected no second advance in the same local day, got %d", got)
	}
}

func TestRecomputeAll(t *testing.T) {
	done := warming("done", 40, 40, 5)
	repo := newMockRepo(warming("a", 10, 40, 5), warming("b", 0, 3, 5), done)
	c := NewController(repo, nil)
	ctx := context.Background()

	report, err := c.RecomputeAll(ctx, day1)
	if err != nil {
		t.Fatalf("RecomputeAll: %v", err)
	}
	if report.Checked != 2 || report.Advanced != 2 || len(report.Failed) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	report, _ = c.RecomputeAll(ctx, day1)
	if report.Advanced != 0 {
		t.Errorf("second run same day advanced %d clients", report.Advanced)
	}

	b, _ := repo.GetSettings(ctx, "b")
	if b.CurrentDailyLimit != 3 {
		t.Errorf("expected b capped at target 3, got %d", b.CurrentDailyLimit)
	}
}

func TestAdvance_Pure(t *testing.T) {
	s := warming("c", 10, 12, 5)
	next, changed := Advance(s, day1)
	if !changed || next != 12 {
		t.Errorf("expected 12/true, got %d/%v", next, changed)
	}

	yesterday := day1.AddDate(0, 0, -1)
	s.LastWarmupDate = &yesterday
	if _, changed := Advance(s, day1); !changed {
		t.Error("expected advance after a previous day")
	}

	today := domain.DateOf(day1)
	s.LastWarmupDate = &today
	if _, changed := Advance(s, day1); changed {
		t.Error("expected no advance twice on the same day")
	}
}
