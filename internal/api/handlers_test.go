package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/offermail/internal/config"
	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/httputil"
	"github.com/ignite/offermail/internal/service/dispatch"
	"github.com/ignite/offermail/internal/service/domains"
	"github.com/ignite/offermail/internal/service/lifecycle"
	"github.com/ignite/offermail/internal/service/quota"
	"github.com/ignite/offermail/internal/service/reputation"
	"github.com/ignite/offermail/internal/service/sendjob"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type mockQuota struct {
	allowed map[string]int
	report  *quota.RecomputeReport
}

func (m *mockQuota) AllowedCount(_ context.Context, clientID string, _ time.Time) (int, error) {
	n, ok := m.allowed[clientID]
	if !ok {
		return 0, quota.ErrSettingsNotFound
	}
	return n, nil
}

func (m *mockQuota) RecomputeAll(context.Context, time.Time) (*quota.RecomputeReport, error) {
	return m.report, nil
}

type mockJobs struct {
	mu        sync.Mutex
	forced    []time.Time
	forceErr  error
	cancelErr error
}

func (m *mockJobs) Today(now time.Time) time.Time { return domain.DateOf(now) }

func (m *mockJobs) ForceExecute(_ context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = append(m.forced, date)
	if m.forceErr != nil {
		return nil, m.forceErr
	}
	return &domain.SendJob{ID: "job-1", ClientID: clientID, ScheduledDate: date, Status: domain.JobRunning}, nil
}

func (m *mockJobs) Cancel(_ context.Context, jobID string, _ time.Time) (*domain.SendJob, error) {
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	return &domain.SendJob{ID: jobID, Status: domain.JobFailed, Error: sendjob.ReasonCancelled}, nil
}

type mockSends struct {
	sends    map[string]*domain.EmailSend
	bounces  map[string]string
	replies  map[string]time.Time
	approveE error
}

func (m *mockSends) get(id string) (*domain.EmailSend, error) {
	s, ok := m.sends[id]
	if !ok {
		return nil, dispatch.ErrSendNotFound
	}
	return s, nil
}

func (m *mockSends) Approve(_ context.Context, id string) (*domain.EmailSend, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SendPendingReview {
		return nil, dispatch.ErrInvalidState
	}
	s.Status = domain.SendApproved
	return s, m.approveE
}

func (m *mockSends) Reject(_ context.Context, id string) (*domain.EmailSend, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.SendPendingReview {
		return nil, dispatch.ErrInvalidState
	}
	s.Status = domain.SendRejected
	return s, nil
}

func (m *mockSends) RecordBounce(_ context.Context, id, reason string) error {
	if _, err := m.get(id); err != nil {
		return err
	}
	m.bounces[id] = reason
	return nil
}

func (m *mockSends) MarkReplied(_ context.Context, id string, at time.Time) error {
	if _, err := m.get(id); err != nil {
		return err
	}
	m.replies[id] = at
	return nil
}

type mockLifecycle struct {
	sweep     *lifecycle.SweepReport
	cancelErr error
}

func (m *mockLifecycle) Sweep(context.Context) (*lifecycle.SweepReport, error) { return m.sweep, nil }

func (m *mockLifecycle) Reconcile(context.Context) (*lifecycle.ReconcileReport, error) {
	return &lifecycle.ReconcileReport{Domains: 2, Accounts: 5}, nil
}

func (m *mockLifecycle) Cancel(context.Context, string) error { return m.cancelErr }

type mockProvisioner struct{ err error }

func (m *mockProvisioner) Provision(_ context.Context, _, localPart string) (*domain.MailboxActive, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &domain.MailboxActive{Address: localPart + "@mail-one.test", CreatedAt: fixedNow}, nil
}

type mockPolicy struct{ p domain.PacingPolicy }

func (m *mockPolicy) LoadPacingPolicy(context.Context) (domain.PacingPolicy, error) { return m.p, nil }

func (m *mockPolicy) SavePacingPolicy(_ context.Context, p domain.PacingPolicy) error {
	m.p = p
	return nil
}

type mockReputation struct {
	recs map[string]*domain.EmailReputation
}

func (m *mockReputation) Get(_ context.Context, email string) (*domain.EmailReputation, error) {
	return m.recs[email], nil
}

func (m *mockReputation) Clear(_ context.Context, email string) error {
	if _, ok := m.recs[email]; !ok {
		return reputation.ErrNotFound
	}
	delete(m.recs, email)
	return nil
}

type testEnv struct {
	router http.Handler
	jobs   *mockJobs
	sends  *mockSends
	life   *mockLifecycle
	prov   *mockProvisioner
	policy *mockPolicy
}

func setupTestServer(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		jobs: &mockJobs{},
		sends: &mockSends{
			sends: map[string]*domain.EmailSend{
				"s-review": {ID: "s-review", Status: domain.SendPendingReview},
				"s-sent":   {ID: "s-sent", Status: domain.SendSent},
			},
			bounces: map[string]string{},
			replies: map[string]time.Time{},
		},
		life:   &mockLifecycle{sweep: &lifecycle.SweepReport{Evaluated: 3}},
		prov:   &mockProvisioner{},
		policy: &mockPolicy{},
	}
	svc := Services{
		Quota:       &mockQuota{allowed: map[string]int{"c1": 25}, report: &quota.RecomputeReport{Checked: 4, Advanced: 2}},
		Jobs:        env.jobs,
		Sends:       env.sends,
		Lifecycle:   env.life,
		Provisioner: env.prov,
		Policy:      env.policy,
		Reputation: &mockReputation{recs: map[string]*domain.EmailReputation{
			"bad@x.test": {Email: "bad@x.test", Bounced: true, BounceCount: 2},
		}},
	}
	h := NewHandlers(svc)
	h.now = func() time.Time { return fixedNow }
	env.router = SetupRoutes(h, nil, cfg)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetQuota(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodGet, "/api/clients/c1/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(25), body["allowed"])

	rec = env.do(t, http.MethodGet, "/api/clients/nobody/quota", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecomputeQuotas(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})
	rec := env.do(t, http.MethodPost, "/api/quota/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report quota.RecomputeReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 2, report.Advanced)
}

func TestForceExecute(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/clients/c1/jobs/force", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/clients/c1/jobs/force", map[string]string{"date": "2026-05-01"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, env.jobs.forced, 2)
	assert.Equal(t, domain.DateOf(fixedNow), env.jobs.forced[0])
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), env.jobs.forced[1])

	rec = env.do(t, http.MethodPost, "/api/clients/c1/jobs/force", map[string]string{"date": "05/01/2026"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForceExecuteConflicts(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{sendjob.ErrConcurrencyConflict, http.StatusConflict, "job_running"},
		{sendjob.ErrJobTerminal, http.StatusConflict, "job_finished"},
		{sendjob.ErrExecutorBusy, http.StatusServiceUnavailable, "executor_busy"},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			env := setupTestServer(t, config.ServerConfig{})
			env.jobs.forceErr = tc.err
			rec := env.do(t, http.MethodPost, "/api/clients/c1/jobs/force", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestCancelJob(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/jobs/j-9/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job domain.SendJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, sendjob.ReasonCancelled, job.Error)

	env.jobs.cancelErr = sendjob.ErrJobNotFound
	rec = env.do(t, http.MethodPost, "/api/jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewSends(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/sends/s-review/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SendRejected, env.sends.sends["s-review"].Status)

	rec = env.do(t, http.MethodPost, "/api/sends/s-review/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/sends/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveReportsSendEvenWhenDeliveryFails(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})
	env.sends.approveE = errors.New("smtp: 421 try later")

	rec := env.do(t, http.MethodPost, "/api/sends/s-review/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var send domain.EmailSend
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &send))
	assert.Equal(t, "s-review", send.ID)
}

func TestBounceAndReply(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/sends/s-sent/bounce", map[string]string{"reason": "550 mailbox full"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "550 mailbox full", env.sends.bounces["s-sent"])

	rec = env.do(t, http.MethodPost, "/api/sends/s-sent/replied", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, fixedNow, env.sends.replies["s-sent"])

	at := time.Date(2026, 5, 3, 18, 0, 0, 0, time.UTC)
	rec = env.do(t, http.MethodPost, "/api/sends/s-sent/replied", map[string]any{"at": at})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, at, env.sends.replies["s-sent"])
}

func TestProvisionMailbox(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/clients/c1/mailbox", map[string]string{"local_part": "ana.lopez"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var mb domain.MailboxActive
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mb))
	assert.Equal(t, "ana.lopez@mail-one.test", mb.Address)

	env.prov.err = domains.ErrCapacityExhausted
	rec = env.do(t, http.MethodPost, "/api/clients/c1/mailbox", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.prov.err = domains.ErrAlreadyProvisioned
	rec = env.do(t, http.MethodPost, "/api/clients/c1/mailbox", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.prov.err = domains.ErrInvalidLocalPart
	rec = env.do(t, http.MethodPost, "/api/clients/c1/mailbox", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/lifecycle/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.life.sweep = &lifecycle.SweepReport{Skipped: true}
	rec = env.do(t, http.MethodPost, "/api/lifecycle/sweep", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "locked", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/lifecycle/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/clients/c1/mailbox/cancel-deletion", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	env.life.cancelErr = lifecycle.ErrNotPending
	rec = env.do(t, http.MethodPost, "/api/clients/c1/mailbox/cancel-deletion", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_pending", decodeError(t, rec).Code)

	env.life.cancelErr = lifecycle.ErrDeleting
	rec = env.do(t, http.MethodPost, "/api/clients/c1/mailbox/cancel-deletion", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "deletion_in_progress", decodeError(t, rec).Code)
}

func TestPacingPolicy(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	start, end := 9, 18
	p := domain.PacingPolicy{Enabled: true, StartHour: &start, EndHour: &end, MinDelayMinutes: 5, MaxDelayMinutes: 15, Timezone: "Europe/Madrid"}
	rec := env.do(t, http.MethodPut, "/api/pacing", p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15, env.policy.p.MaxDelayMinutes)

	rec = env.do(t, http.MethodGet, "/api/pacing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.PacingPolicy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.StartHour)
	assert.Equal(t, 9, *got.StartHour)

	bad := domain.PacingPolicy{MinDelayMinutes: 20, MaxDelayMinutes: 10}
	rec = env.do(t, http.MethodPut, "/api/pacing", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 15, env.policy.p.MaxDelayMinutes)
}

func TestReputation(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{})

	rec := env.do(t, http.MethodGet, "/api/reputation/bad@x.test", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/reputation/good@x.test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/reputation/bad@x.test", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/reputation/bad@x.test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	env := setupTestServer(t, config.ServerConfig{APIKey: "s3cret"})

	rec := env.do(t, http.MethodGet, "/api/clients/c1/quota", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/clients/c1/quota", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/clients/c1/quota", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
