package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/offermail/internal/domain"
)

// Drift kinds reported by Reconcile.
const (
	DriftUnmanagedDomain = "unmanaged_domain"
	DriftAccountMissing  = "account_missing"
	DriftOrphanAccount   = "orphan_account"
)

// Drift is one divergence between local records and the provider.
type Drift struct {
	Kind     string `json:"kind"`
	ClientID string `json:"client_id,omitempty"`
	Address  string `json:"address"`
	Repaired bool   `json:"repaired"`
}

// ReconcileReport summarizes one reconciliation.
type ReconcileReport struct {
	Skipped        bool     `json:"skipped,omitempty"`
	Domains        int      `json:"domains"`
	Accounts       int      `json:"accounts"`
	SkippedDomains []string `json:"skipped_domains,omitempty"`
	Drift          []Drift  `json:"drift,omitempty"`
}

// Reconcile clears local mailbox records whose domain is not managed or
// whose account is absent at the provider. Domains whose listing fails are
// skipped. Provider accounts with no local owner are reported only. Safe to
// run at any time. Local records are read before the provider listings, so
// a mailbox provisioned mid-run is never mistaken for a missing account.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	ran, err := m.locked(ctx, ReconcileLockKey, func(ctx context.Context) error {
		return m.reconcile(ctx, report)
	})
	if err != nil {
		return report, err
	}
	report.Skipped = !ran
	return report, nil
}

func (m *Manager) reconcile(ctx context.Context, report *ReconcileReport) error {
	domains, err := m.domains.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("list domains: %w", err)
	}
	report.Domains = len(domains)

	clients, err := m.repo.ListMailboxClients(ctx, domain.MailboxKindActive, domain.MailboxKindDeletionPending)
	if err != nil {
		return fmt.Errorf("list mailbox clients: %w", err)
	}

	managed := make(map[string]bool, len(domains))
	listed := make(map[string]map[string]bool, len(domains))
	for _, d := range domains {
		name := strings.ToLower(d.Name)
		managed[name] = true

		lctx, cancel := context.WithTimeout(ctx, m.timeout)
		accounts, err := m.provider.ListAccounts(lctx, d.Name)
		cancel()
		if err != nil {
			m.log.Warn("list accounts failed, skipping domain", "domain", d.Name, "error", err)
			report.SkippedDomains = append(report.SkippedDomains, d.Name)
			continue
		}
		set := make(map[string]bool, len(accounts))
		for _, a := range accounts {
			set[domain.NormalizeEmail(a)] = true
		}
		listed[name] = set
		report.Accounts += len(accounts)
	}

	owned := make(map[string]bool, len(clients))
	for i := range clients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c := &clients[i]
		address := domain.NormalizeEmail(c.MailboxAddress())
		owned[address] = true
		dom := domain.DomainOf(address)

		var kind string
		switch accounts, ok := listed[dom]; {
		case !managed[dom]:
			kind = DriftUnmanagedDomain
		case !ok:
			continue
		case !accounts[address]:
			kind = DriftAccountMissing
		default:
			continue
		}

		d := Drift{Kind: kind, ClientID: c.ID, Address: c.MailboxAddress()}
		if err := m.forget(ctx, c.ID, c.MailboxAddress(), "reconciliation: "+kind); err != nil {
			m.log.Warn("reconcile repair failed", "client_id", c.ID, "error", err)
		} else {
			d.Repaired = true
		}
		m.log.Warn("mailbox drift", "client_id", c.ID, "mailbox", d.Address, "kind", kind, "repaired", d.Repaired)
		report.Drift = append(report.Drift, d)
	}

	for _, set := range listed {
		for address := range set {
			if !owned[address] {
				report.Drift = append(report.Drift, Drift{Kind: DriftOrphanAccount, Address: address})
			}
		}
	}
	return nil
}
