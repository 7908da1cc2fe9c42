package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

// Lock keys shared by every worker instance.
const (
	SweepLockKey     = "lifecycle-sweep"
	ReconcileLockKey = "lifecycle-reconcile"
)

// DeletionClaimLease is how long a sweep's deletion claim blocks other
// sweeps. A claim left by a crashed sweep is taken over after it.
const DeletionClaimLease = 15 * time.Minute

// Deprovision sources recorded in the audit trail.
const (
	SourceSweep     = "sweep"
	SourceReconcile = "reconcile"
)

// Manager runs the mailbox lifecycle.
type Manager struct {
	repo     Repository
	domains  DomainStore
	provider sending.MailboxProvider
	crm      sending.CRMSource
	archiver Archiver
	locker   Locker
	rules    Rules
	timeout  time.Duration
	log      *logger.Logger

	now func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCRM sets the CRM source. Without one, the CRM attributes stored on
// the client row are used.
func WithCRM(crm sending.CRMSource) Option { return func(m *Manager) { m.crm = crm } }

// WithArchiver enables the deprovision audit trail.
func WithArchiver(a Archiver) Option { return func(m *Manager) { m.archiver = a } }

// WithLocker serializes sweeps and reconciliations across instances.
func WithLocker(l Locker) Option { return func(m *Manager) { m.locker = l } }

// WithProviderTimeout bounds each provider call.
func WithProviderTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager wires a lifecycle manager.
func NewManager(repo Repository, domains DomainStore, provider sending.MailboxProvider, rules Rules, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		domains:  domains,
		provider: provider,
		rules:    rules.withDefaults(),
		timeout:  30 * time.Second,
		log:      logger.Named("lifecycle"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Skipped       bool     `json:"skipped,omitempty"`
	Evaluated     int      `json:"evaluated"`
	MarkedPending []string `json:"marked_pending,omitempty"`
	Deprovisioned []string `json:"deprovisioned,omitempty"`
	Errors        int      `json:"errors"`
}

// Sweep evaluates active mailboxes and deprovisions pending ones whose
// grace period has elapsed. Skipped is set when another instance holds the
// sweep lock.
func (m *Manager) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	ran, err := m.locked(ctx, SweepLockKey, func(ctx context.Context) error {
		return m.sweep(ctx, report)
	})
	if err != nil {
		return report, err
	}
	report.Skipped = !ran
	return report, nil
}

func (m *Manager) sweep(ctx context.Context, report *SweepReport) error {
	now := m.now().UTC()

	active, err := m.repo.ListMailboxClients(ctx, domain.MailboxKindActive)
	if err != nil {
		return fmt.Errorf("list active mailboxes: %w", err)
	}
	for i := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c := &active[i]
		report.Evaluated++
		reason, eligible, err := m.Evaluate(ctx, c, now)
		if err != nil {
			m.log.Warn("evaluate mailbox failed", "client_id", c.ID, "error", err)
			report.Errors++
			continue
		}
		if !eligible {
			continue
		}
		ok, err := m.repo.MarkPending(ctx, c.ID, now, reason)
		if err != nil {
			m.log.Warn("mark pending failed", "client_id", c.ID, "error", err)
			report.Errors++
			continue
		}
		if ok {
			m.log.Info("mailbox pending deletion", "client_id", c.ID, "mailbox", c.MailboxAddress(), "reason", reason)
			report.MarkedPending = append(report.MarkedPending, c.ID)
		}
	}

	pending, err := m.repo.ListMailboxClients(ctx, domain.MailboxKindDeletionPending)
	if err != nil {
		return fmt.Errorf("list pending mailboxes: %w", err)
	}
	for i := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c := &pending[i]
		p, ok := c.Mailbox.(domain.MailboxDeletionPending)
		if !ok || !p.ReadyForDeletion(now, m.rules.Grace) {
			continue
		}
		done, err := m.retire(ctx, c.ID, p)
		if err != nil {
			m.log.Warn("deprovision failed", "client_id", c.ID, "error", err)
			report.Errors++
			continue
		}
		if done {
			report.Deprovisioned = append(report.Deprovisioned, c.ID)
		}
	}
	return nil
}

// Evaluate applies the eligibility rules in order to an active mailbox and
// returns the first reason that fires.
func (m *Manager) Evaluate(ctx context.Context, c *domain.Client, now time.Time) (string, bool, error) {
	mb, ok := c.Mailbox.(domain.MailboxActive)
	if !ok {
		return "", false, nil
	}

	attrs, crmOK := m.attributes(ctx, c)
	if crmOK {
		if reason, hit := m.rules.ClosedInCRM(attrs); hit {
			return reason, true, nil
		}
	}

	if reason, hit := m.rules.Inactive(c, mb.CreatedAt, now); hit {
		return reason, true, nil
	}

	bounced, err := m.repo.CountBouncedSince(ctx, c.ID, now.Add(-m.rules.BounceWindow))
	if err != nil {
		return "", false, fmt.Errorf("count bounces: %w", err)
	}
	if reason, hit := m.rules.ExcessiveBounces(bounced); hit {
		return reason, true, nil
	}
	return "", false, nil
}

// attributes returns CRM attributes for c. A CRM failure disables the CRM
// rule for this evaluation rather than failing it.
func (m *Manager) attributes(ctx context.Context, c *domain.Client) (domain.CRMAttributes, bool) {
	if m.crm == nil {
		return domain.CRMAttributes{Status: c.CRMStatus, CloseReason: c.CRMCloseReason}, true
	}
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	attrs, err := m.crm.Attributes(cctx, c.ID)
	if err != nil {
		m.log.Warn("CRM attributes unavailable", "client_id", c.ID, "error", err)
		return domain.CRMAttributes{}, false
	}
	return attrs, true
}

// retire deletes a pending mailbox whose grace period elapsed. The row is
// claimed before the provider call so a concurrent Cancel either wins
// outright or is refused. It reports false when the claim was not taken.
func (m *Manager) retire(ctx context.Context, clientID string, p domain.MailboxDeletionPending) (bool, error) {
	// Postgres keeps microseconds; the claim is matched by value.
	claim := m.now().UTC().Truncate(time.Microsecond)
	ok, err := m.repo.ClaimDeletion(ctx, clientID, p.Since, claim, DeletionClaimLease)
	if err != nil {
		return false, fmt.Errorf("claim deletion: %w", err)
	}
	if !ok {
		m.log.Info("deletion not claimed", "client_id", clientID)
		return false, nil
	}

	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.provider.DeleteAccount(dctx, p.Address)
	cancel()
	if err != nil && !errors.Is(err, sending.ErrAccountNotFound) {
		if rerr := m.repo.ReleaseDeletionClaim(context.WithoutCancel(ctx), clientID, claim); rerr != nil {
			m.log.Warn("release deletion claim failed", "client_id", clientID, "error", rerr)
		}
		return false, fmt.Errorf("delete account %s: %w", p.Address, err)
	}

	now := m.now().UTC()
	cleared, err := m.repo.CompleteDeletion(ctx, clientID, claim, now)
	if err != nil {
		return false, fmt.Errorf("complete deletion: %w", err)
	}
	if !cleared {
		// Reconcile cleared the row meanwhile and released its slot.
		return false, nil
	}
	m.finalize(ctx, clientID, p.Address, p.Reason, &p.Since, SourceSweep, now)
	return true, nil
}

// forget clears a local mailbox record without touching the provider.
func (m *Manager) forget(ctx context.Context, clientID, address, reason string) error {
	now := m.now().UTC()
	cleared, err := m.repo.ClearMailbox(ctx, clientID, address, now)
	if err != nil {
		return fmt.Errorf("clear mailbox: %w", err)
	}
	if cleared {
		m.finalize(ctx, clientID, address, reason, nil, SourceReconcile, now)
	}
	return nil
}

// finalize releases the domain slot and archives an audit entry for a
// cleared mailbox.
func (m *Manager) finalize(ctx context.Context, clientID, address, reason string, since *time.Time, source string, at time.Time) {
	dom := domain.DomainOf(address)
	if dom != "" && m.domainManaged(ctx, dom) {
		if err := m.domains.ReleaseSlot(ctx, dom); err != nil {
			m.log.Warn("release domain slot failed", "domain", dom, "error", err)
		}
	}

	if m.archiver != nil {
		rec := DeprovisionRecord{
			ClientID:     clientID,
			Address:      address,
			Domain:       dom,
			Reason:       reason,
			Source:       source,
			PendingSince: since,
			At:           at,
		}
		if err := m.archiver.ArchiveDeprovision(ctx, rec); err != nil {
			m.log.Warn("archive deprovision failed", "client_id", clientID, "error", err)
		}
	}
	m.log.Info("mailbox deprovisioned", "client_id", clientID, "mailbox", address, "reason", reason, "source", source)
}

func (m *Manager) domainManaged(ctx context.Context, name string) bool {
	list, err := m.domains.ListDomains(ctx)
	if err != nil {
		return false
	}
	for _, d := range list {
		if strings.EqualFold(d.Name, name) {
			return true
		}
	}
	return false
}

// Cancel returns a pending mailbox to active. No other state changes. It
// returns ErrDeleting once a sweep has started deleting the account.
func (m *Manager) Cancel(ctx context.Context, clientID string) error {
	ok, err := m.repo.CancelPending(ctx, clientID)
	if err != nil {
		return fmt.Errorf("cancel pending deletion: %w", err)
	}
	if ok {
		m.log.Info("pending deletion cancelled", "client_id", clientID)
		return nil
	}
	c, err := m.repo.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("load client: %w", err)
	}
	if c == nil {
		return ErrClientNotFound
	}
	if p, ok := c.Mailbox.(domain.MailboxDeletionPending); ok && p.ClaimedAt != nil {
		return ErrDeleting
	}
	return ErrNotPending
}

func (m *Manager) locked(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	if m.locker == nil {
		return true, fn(ctx)
	}
	return m.locker.Run(ctx, key, fn)
}
