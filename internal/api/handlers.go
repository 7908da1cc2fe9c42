package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/httputil"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/dispatch"
	"github.com/ignite/offermail/internal/service/domains"
	"github.com/ignite/offermail/internal/service/lifecycle"
	"github.com/ignite/offermail/internal/service/quota"
	"github.com/ignite/offermail/internal/service/reputation"
	"github.com/ignite/offermail/internal/service/sendjob"
)

// QuotaService computes daily allotments.
type QuotaService interface {
	AllowedCount(ctx context.Context, clientID string, now time.Time) (int, error)
	RecomputeAll(ctx context.Context, now time.Time) (*quota.RecomputeReport, error)
}

// JobService schedules and cancels send jobs.
type JobService interface {
	Today(now time.Time) time.Time
	ForceExecute(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error)
	Cancel(ctx context.Context, jobID string, now time.Time) (*domain.SendJob, error)
}

// SendService reviews sends and records delivery outcomes.
type SendService interface {
	Approve(ctx context.Context, sendID string) (*domain.EmailSend, error)
	Reject(ctx context.Context, sendID string) (*domain.EmailSend, error)
	RecordBounce(ctx context.Context, sendID, reason string) error
	MarkReplied(ctx context.Context, sendID string, at time.Time) error
}

// LifecycleService runs mailbox sweeps and reconciliation.
type LifecycleService interface {
	Sweep(ctx context.Context) (*lifecycle.SweepReport, error)
	Reconcile(ctx context.Context) (*lifecycle.ReconcileReport, error)
	Cancel(ctx context.Context, clientID string) error
}

// Provisioner creates client mailboxes.
type Provisioner interface {
	Provision(ctx context.Context, clientID, localPart string) (*domain.MailboxActive, error)
}

// PolicyStore persists the pacing policy.
type PolicyStore interface {
	LoadPacingPolicy(ctx context.Context) (domain.PacingPolicy, error)
	SavePacingPolicy(ctx context.Context, p domain.PacingPolicy) error
}

// ReputationService reads and clears recipient suppression.
type ReputationService interface {
	Get(ctx context.Context, email string) (*domain.EmailReputation, error)
	Clear(ctx context.Context, email string) error
}

// Services are the engine components the API drives.
type Services struct {
	Quota       QuotaService
	Jobs        JobService
	Sends       SendService
	Lifecycle   LifecycleService
	Provisioner Provisioner
	Policy      PolicyStore
	Reputation  ReputationService
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	svc Services
	log *logger.Logger
	now func() time.Time
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc Services) *Handlers {
	return &Handlers{svc: svc, log: logger.Named("api"), now: time.Now}
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrSettingsNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, sendjob.ErrJobNotFound),
		errors.Is(err, dispatch.ErrSendNotFound),
		errors.Is(err, domains.ErrClientNotFound),
		errors.Is(err, lifecycle.ErrClientNotFound),
		errors.Is(err, reputation.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, sendjob.ErrConcurrencyConflict):
		httputil.Conflict(w, "job_running", err.Error())
	case errors.Is(err, sendjob.ErrJobTerminal):
		httputil.Conflict(w, "job_finished", err.Error())
	case errors.Is(err, sendjob.ErrExecutorBusy):
		httputil.Error(w, http.StatusServiceUnavailable, "executor_busy", err.Error())
	case errors.Is(err, dispatch.ErrInvalidState):
		httputil.Conflict(w, "invalid_state", err.Error())
	case errors.Is(err, domains.ErrAlreadyProvisioned):
		httputil.Conflict(w, "already_provisioned", err.Error())
	case errors.Is(err, domains.ErrCapacityExhausted):
		httputil.Error(w, http.StatusServiceUnavailable, "capacity_exhausted", err.Error())
	case errors.Is(err, lifecycle.ErrNotPending):
		httputil.Conflict(w, "not_pending", err.Error())
	case errors.Is(err, lifecycle.ErrDeleting):
		httputil.Conflict(w, "deletion_in_progress", err.Error())
	case errors.Is(err, domains.ErrInvalidLocalPart),
		errors.Is(err, reputation.ErrEmptyAddress):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// GetQuota returns today's allotment for a client.
//
//	GET /api/clients/{clientID}/quota
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	n, err := h.svc.Quota.AllowedCount(r.Context(), clientID, h.now())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"client_id": clientID, "allowed": n})
}

// RecomputeQuotas advances warmup for every warming client.
//
//	POST /api/quota/recompute
func (h *Handlers) RecomputeQuotas(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Quota.RecomputeAll(r.Context(), h.now())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, report)
}

type forceRequest struct {
	Date string `json:"date"`
}

// ForceExecute runs a client's job for a date now. The date defaults to
// today.
//
//	POST /api/clients/{clientID}/jobs/force
func (h *Handlers) ForceExecute(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	date := h.svc.Jobs.Today(h.now())
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			httputil.BadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	job, err := h.svc.Jobs.ForceExecute(r.Context(), chi.URLParam(r, "clientID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, job)
}

// CancelJob stops a queued or running job.
//
//	POST /api/jobs/{jobID}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"), h.now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, job)
}

// ApproveSend releases a send held for review and delivers it.
//
//	POST /api/sends/{sendID}/approve
func (h *Handlers) ApproveSend(w http.ResponseWriter, r *http.Request) {
	send, err := h.svc.Sends.Approve(r.Context(), chi.URLParam(r, "sendID"))
	if send == nil && err != nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// Delivery failed after approval; the row carries the outcome.
		h.log.Warn("approved send not delivered", "send_id", send.ID, "error", err)
	}
	httputil.OK(w, send)
}

// RejectSend closes a send held for review.
//
//	POST /api/sends/{sendID}/reject
func (h *Handlers) RejectSend(w http.ResponseWriter, r *http.Request) {
	send, err := h.svc.Sends.Reject(r.Context(), chi.URLParam(r, "sendID"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, send)
}

type bounceRequest struct {
	Reason string `json:"reason"`
}

// RecordBounce records a bounce reported after delivery.
//
//	POST /api/sends/{sendID}/bounce
func (h *Handlers) RecordBounce(w http.ResponseWriter, r *http.Request) {
	var req bounceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "bounced"
	}
	if err := h.svc.Sends.RecordBounce(r.Context(), chi.URLParam(r, "sendID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

type repliedRequest struct {
	At *time.Time `json:"at"`
}

// MarkReplied records a reply to a sent email.
//
//	POST /api/sends/{sendID}/replied
func (h *Handlers) MarkReplied(w http.ResponseWriter, r *http.Request) {
	var req repliedRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	at := h.now().UTC()
	if req.At != nil {
		at = req.At.UTC()
	}
	if err := h.svc.Sends.MarkReplied(r.Context(), chi.URLParam(r, "sendID"), at); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

type provisionRequest struct {
	LocalPart string `json:"local_part"`
}

// ProvisionMailbox creates a mailbox on the least-loaded managed domain.
//
//	POST /api/clients/{clientID}/mailbox
func (h *Handlers) ProvisionMailbox(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	mb, err := h.svc.Provisioner.Provision(r.Context(), chi.URLParam(r, "clientID"), req.LocalPart)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, mb)
}

// CancelDeletion returns a pending mailbox to active.
//
//	POST /api/clients/{clientID}/mailbox/cancel-deletion
func (h *Handlers) CancelDeletion(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Lifecycle.Cancel(r.Context(), chi.URLParam(r, "clientID")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// Sweep runs the mailbox lifecycle sweep.
//
//	POST /api/lifecycle/sweep
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Lifecycle.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if report.Skipped {
		httputil.Conflict(w, "locked", "another sweep is running")
		return
	}
	httputil.OK(w, report)
}

// Reconcile compares local mailbox records against the provider.
//
//	POST /api/lifecycle/reconcile
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Lifecycle.Reconcile(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if report.Skipped {
		httputil.Conflict(w, "locked", "another reconciliation is running")
		return
	}
	httputil.OK(w, report)
}

// GetPacing returns the active pacing policy.
//
//	GET /api/pacing
func (h *Handlers) GetPacing(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Policy.LoadPacingPolicy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, p)
}

// PutPacing replaces the pacing policy.
//
//	PUT /api/pacing
func (h *Handlers) PutPacing(w http.ResponseWriter, r *http.Request) {
	var p domain.PacingPolicy
	if !httputil.Decode(w, r, &p) {
		return
	}
	if err := p.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.svc.Policy.SavePacingPolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, p)
}

// GetReputation returns a recipient's suppression record.
//
//	GET /api/reputation/{email}
func (h *Handlers) GetReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Reputation.Get(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rep == nil {
		httputil.NotFound(w, reputation.ErrNotFound.Error())
		return
	}
	httputil.OK(w, rep)
}

// ClearReputation lifts a recipient's suppression.
//
//	DELETE /api/reputation/{email}
func (h *Handlers) ClearReputation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reputation.Clear(r.Context(), chi.URLParam(r, "email")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}
