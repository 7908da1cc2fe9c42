package sendjob

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/service/dispatch"
	"github.com/ignite/offermail/internal/service/matching"
)

// mockRepo mirrors the partial unique indexes on send_jobs.
type mockRepo struct {
	mu       sync.Mutex
	jobs     []*domain.SendJob
	consumed map[string]int
	cancel   map[string]bool
	beats    int
}

func newMockRepo() *mockRepo {
	return &mockRepo{consumed: map[string]int{}, cancel: map[string]bool{}}
}

func (m *mockRepo) CreateJob(_ context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ClientID == clientID && j.ScheduledDate.Equal(date) && j.Status != domain.JobFailed {
			return nil, ErrJobExists
		}
	}
	j := &domain.SendJob{ID: fmt.Sprintf("job-%d", len(m.jobs)+1), ClientID: clientID, ScheduledDate: date, Status: domain.JobQueued}
	m.jobs = append(m.jobs, j)
	cp := *j
	return &cp, nil
}

func (m *mockRepo) find(id string) *domain.SendJob {
	for _, j := range m.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (m *mockRepo) GetJob(_ context.Context, id string) (*domain.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.find(id)
	if j == nil {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *mockRepo) LatestJob(_ context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		j := m.jobs[i]
		if j.ClientID == clientID && j.ScheduledDate.Equal(date) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) TryStart(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.find(id)
	if j == nil || j.Status != domain.JobQueued {
		return false, nil
	}
	for _, o := range m.jobs {
		if o.ClientID == j.ClientID && o.Status == domain.JobRunning {
			return false, ErrConcurrencyConflict
		}
	}
	j.Status, j.StartedAt, j.HeartbeatAt = domain.JobRunning, &at, &at
	return true, nil
}

func (m *mockRepo) Heartbeat(_ context.Context, id string, sent int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats++
	if j := m.find(id); j != nil {
		j.HeartbeatAt, j.SentCount = &at, sent
	}
	return nil
}

func (m *mockRepo) Finish(_ context.Context, id string, status domain.JobStatus, sent int, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.find(id)
	if !j.Status.CanTransitionTo(status) {
		return fmt.Errorf("illegal transition %s -> %s", j.Status, status)
	}
	j.Status, j.SentCount, j.Error, j.FinishedAt = status, sent, reason, &at
	return nil
}

func (m *mockRepo) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel[id] = true
	return nil
}

func (m *mockRepo) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel[id], nil
}

func (m *mockRepo) FailStale(_ context.Context, cutoff time.Time, reason string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, j := range m.jobs {
		if j.Status == domain.JobRunning && j.HeartbeatAt.Before(cutoff) {
			j.Status, j.Error, j.FinishedAt = domain.JobFailed, reason, &at
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (m *mockRepo) ListQueued(_ context.Context, date time.Time) ([]domain.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SendJob
	for _, j := range m.jobs {
		if j.Status == domain.JobQueued && !j.ScheduledDate.After(date) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *mockRepo) ConsumedForDate(_ context.Context, clientID string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed[clientID], nil
}

func (m *mockRepo) status(id string) (domain.JobStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.find(id)
	return j.Status, j.Error
}

type fakeClients struct {
	clients map[string]*domain.Client
}

func (f *fakeClients) GetClient(_ context.Context, id string) (*domain.Client, error) {
	return f.clients[id], nil
}

func (f *fakeClients) GetSettings(_ context.Context, id string) (*domain.SendSettings, error) {
	return &domain.SendSettings{ClientID: id, Active: true}, nil
}

func (f *fakeClients) ListDispatchableClientIDs(context.Context) ([]string, error) {
	var ids []string
	for id := range f.clients {
		ids = append(ids, id)
	}
	return ids, nil
}

type fixedQuota int

func (q fixedQuota) AllowedCount(context.Context, string, time.Time) (int, error) { return int(q), nil }

type staticPolicy domain.PacingPolicy

func (p staticPolicy) LoadPacingPolicy(context.Context) (domain.PacingPolicy, error) {
	return domain.PacingPolicy(p), nil
}

type offerList []domain.JobOffer

func (l offerList) ListCandidateOffers(_ context.Context, _ string, after *domain.OfferKey, limit int) ([]domain.JobOffer, error) {
	var out []domain.JobOffer
	for _, o := range l {
		if after != nil && o.ID <= after.ID {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// clock is a fake time source that advances when the executor waits.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) wait(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	clock *clock
	dups  map[string]bool
	at    []time.Time
	reqs  []dispatch.Request
	onHit func()
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*domain.EmailSend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onHit != nil {
		f.onHit()
	}
	if f.dups[req.Offer.Email] {
		return nil, dispatch.ErrDuplicateSend
	}
	f.reqs = append(f.reqs, req)
	f.at = append(f.at, f.clock.now())
	return &domain.EmailSend{ID: fmt.Sprintf("s-%d", len(f.reqs)), Status: domain.SendSent}, nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type harness struct {
	repo  *mockRepo
	clock *clock
	disp  *fakeDispatcher
	exec  *Executor
	mgr   *Manager
}

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, allowed int, policy domain.PacingPolicy, offers int) *harness {
	t.Helper()
	var list offerList
	for i := 1; i <= offers; i++ {
		list = append(list, domain.JobOffer{ID: int64(i), Email: fmt.Sprintf("hr%d@acme.io", i)})
	}
	clk := &clock{t: monday.Add(8 * time.Hour)}
	h := &harness{repo: newMockRepo(), clock: clk, disp: &fakeDispatcher{clock: clk, dups: map[string]bool{}}}
	clients := &fakeClients{clients: map[string]*domain.Client{
		"c1": {ID: "c1", Mailbox: domain.MailboxActive{Address: "c1@mail.example.com"}},
	}}
	h.exec = NewExecutor(h.repo, clients, fixedQuota(allowed), matching.NewEvaluator(list, nil, 2),
		h.disp, staticPolicy(policy), Config{HeartbeatInterval: time.Hour, MaxConcurrent: 2})
	h.exec.now = clk.now
	h.exec.wait = clk.wait
	h.exec.rnd = func() *rand.Rand { return rand.New(rand.NewSource(42)) }
	h.mgr = NewManager(h.repo, clients, h.exec, time.UTC, 2*time.Hour)
	t.Cleanup(h.exec.Shutdown)
	return h
}

func TestEnsure_CreatesOncePerDate(t *testing.T) {
	h := newHarness(t, 1, domain.PacingPolicy{}, 0)
	ctx := context.Background()

	a, err := h.mgr.Ensure(ctx, "c1", monday.Add(5*time.Hour))
	require.NoError(t, err)
	b, err := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, h.repo.jobs, 1)
}

func TestEnsure_ReplacesOnlyRecoverableFailures(t *testing.T) {
	h := newHarness(t, 1, domain.PacingPolicy{}, 0)
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	_, err := h.mgr.Cancel(ctx, job.ID, monday)
	require.NoError(t, err)

	again, err := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID, "cancelled job must not be replaced automatically")

	tue := monday.AddDate(0, 0, 1)
	j2, _ := h.mgr.Ensure(ctx, "c1", tue)
	ok, err := h.repo.TryStart(ctx, j2.ID, tue)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := h.mgr.RecoverStale(ctx, tue.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{j2.ID}, ids)

	fresh, err := h.mgr.Ensure(ctx, "c1", tue)
	require.NoError(t, err)
	assert.NotEqual(t, j2.ID, fresh.ID)
	assert.Equal(t, domain.JobQueued, fresh.Status)
}

func TestStart_OneRunningJobPerClient(t *testing.T) {
	h := newHarness(t, 1, domain.PacingPolicy{}, 0)
	ctx := context.Background()

	a, _ := h.mgr.Ensure(ctx, "c1", monday)
	b, _ := h.mgr.Ensure(ctx, "c1", monday.AddDate(0, 0, 1))
	ok, err := h.repo.TryStart(ctx, a.ID, monday)
	require.NoError(t, err)
	require.True(t, ok)

	err = h.exec.Run(ctx, b)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	st, _ := h.repo.status(b.ID)
	assert.Equal(t, domain.JobQueued, st)
}

func TestRun_SendsRemainingAllotment(t *testing.T) {
	h := newHarness(t, 3, domain.PacingPolicy{}, 10)
	h.repo.consumed["c1"] = 1
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, h.exec.Run(ctx, job))

	st, reason := h.repo.status(job.ID)
	assert.Equal(t, domain.JobDone, st)
	assert.Empty(t, reason)
	assert.Equal(t, 2, h.disp.count())
	assert.Equal(t, job.ID, *h.disp.reqs[0].JobID)
}

func TestRun_NothingRemaining(t *testing.T) {
	h := newHarness(t, 2, domain.PacingPolicy{}, 10)
	h.repo.consumed["c1"] = 2
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, h.exec.Run(ctx, job))

	st, _ := h.repo.status(job.ID)
	assert.Equal(t, domain.JobDone, st)
	assert.Equal(t, 0, h.disp.count())
}

func TestRun_DuplicatesDoNotConsumeSlots(t *testing.T) {
	h := newHarness(t, 2, domain.PacingPolicy{}, 5)
	h.disp.dups["hr1@acme.io"] = true
	h.disp.dups["hr2@acme.io"] = true
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, h.exec.Run(ctx, job))

	require.Equal(t, 2, h.disp.count())
	assert.Equal(t, int64(3), h.disp.reqs[0].Offer.ID)
	assert.Equal(t, int64(4), h.disp.reqs[1].Offer.ID)
}

func TestRun_ExhaustedOffersFinishesDone(t *testing.T) {
	h := newHarness(t, 10, domain.PacingPolicy{}, 3)
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, h.exec.Run(ctx, job))

	st, _ := h.repo.status(job.ID)
	assert.Equal(t, domain.JobDone, st)
	assert.Equal(t, 3, h.disp.count())
}

func TestRun_CancelCheckedBeforeEachDispatch(t *testing.T) {
	h := newHarness(t, 5, domain.PacingPolicy{}, 5)
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	h.disp.onHit = func() { h.repo.cancel[job.ID] = true }
	require.NoError(t, h.exec.Run(ctx, job))

	st, reason := h.repo.status(job.ID)
	assert.Equal(t, domain.JobFailed, st)
	assert.Equal(t, ReasonCancelled, reason)
	assert.Equal(t, 1, h.disp.count())
}

func TestRun_PacedInsideWindow(t *testing.T) {
	start, end := 9, 18
	policy := domain.PacingPolicy{Enabled: true, StartHour: &start, EndHour: &end, MinDelayMinutes: 60, MaxDelayMinutes: 120}
	h := newHarness(t, 12, policy, 20)
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, h.exec.Run(ctx, job))

	require.Equal(t, 12, h.disp.count())
	for i, at := range h.disp.at {
		if at.Hour() < 9 || at.Hour() >= 18 {
			t.Fatalf("dispatch %d at %s outside window", i, at)
		}
		if i > 0 && at.Day() == h.disp.at[i-1].Day() {
			gap := at.Sub(h.disp.at[i-1])
			assert.GreaterOrEqual(t, gap, 60*time.Minute)
			assert.LessOrEqual(t, gap, 120*time.Minute)
		}
	}
	// More sends than one window holds: the rest were deferred to the next day.
	assert.Equal(t, 3, h.disp.at[len(h.disp.at)-1].Day())
}

func TestCancel_QueuedAndTerminal(t *testing.T) {
	h := newHarness(t, 1, domain.PacingPolicy{}, 0)
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	got, err := h.mgr.Cancel(ctx, job.ID, monday)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, ReasonCancelled, got.Error)

	_, err = h.mgr.Cancel(ctx, job.ID, monday)
	assert.ErrorIs(t, err, ErrJobTerminal)
	_, err = h.mgr.Cancel(ctx, "nope", monday)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestForceExecute_RecreatesAfterFailure(t *testing.T) {
	h := newHarness(t, 2, domain.PacingPolicy{}, 5)
	ctx := context.Background()

	job, _ := h.mgr.Ensure(ctx, "c1", monday)
	_, _ = h.mgr.Cancel(ctx, job.ID, monday)

	forced, err := h.mgr.ForceExecute(ctx, "c1", monday)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, forced.ID)

	h.exec.Wait()
	st, _ := h.repo.status(forced.ID)
	assert.Equal(t, domain.JobDone, st)
	assert.Equal(t, 2, h.disp.count())

	_, err = h.mgr.ForceExecute(ctx, "c1", monday)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestTick_QueuesAndLaunches(t *testing.T) {
	h := newHarness(t, 1, domain.PacingPolicy{}, 5)
	ctx := context.Background()

	report, err := h.mgr.Tick(ctx, monday.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Clients)
	assert.Equal(t, 1, report.Launched)

	h.exec.Wait()
	assert.Equal(t, 1, h.disp.count())

	report, err = h.mgr.Tick(ctx, monday.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Queued)
}

func TestTick_ExpiresEarlierQueuedJobs(t *testing.T) {
	h := newHarness(t, 3, domain.PacingPolicy{}, 10)
	ctx := context.Background()

	stale, err := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, err)

	tuesday := monday.AddDate(0, 0, 1).Add(9 * time.Hour)
	report, err := h.mgr.Tick(ctx, tuesday)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Launched)
	h.exec.Wait()

	_, err = h.mgr.Tick(ctx, tuesday.Add(time.Minute))
	require.NoError(t, err)
	h.exec.Wait()

	assert.Equal(t, 3, h.disp.count(), "one day never gets more than its allotment")
	status, reason := h.repo.status(stale.ID)
	assert.Equal(t, domain.JobFailed, status)
	assert.Equal(t, ReasonExpired, reason)

	// An expired job is not replaced for its old date.
	again, err := h.mgr.Ensure(ctx, "c1", monday)
	require.NoError(t, err)
	assert.Equal(t, stale.ID, again.ID)
}
