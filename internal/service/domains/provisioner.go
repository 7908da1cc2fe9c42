package domains

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

// Provisioner creates client mailboxes on the best available domain.
type Provisioner struct {
	repo     Repository
	clients  ClientStore
	provider sending.MailboxProvider
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewProvisioner wires a provisioner. timeout bounds each provider call.
func NewProvisioner(repo Repository, clients ClientStore, provider sending.MailboxProvider, timeout time.Duration) *Provisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provisioner{
		repo:     repo,
		clients:  clients,
		provider: provider,
		timeout:  timeout,
		log:      logger.Named("domains"),
		now:      time.Now,
	}
}

// Provision creates a mailbox for the client. An empty localPart is
// derived from the client's name.
func (p *Provisioner) Provision(ctx context.Context, clientID, localPart string) (*domain.MailboxActive, error) {
	client, err := p.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if client == nil {
		return nil, ErrClientNotFound
	}
	if !domain.CanProvision(client.Mailbox) {
		return nil, ErrAlreadyProvisioned
	}
	if localPart == "" {
		localPart = LocalPartFor(client.Name)
	}
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	if !validLocalPart.MatchString(localPart) {
		return nil, ErrInvalidLocalPart
	}

	chosen, err := p.reserve(ctx)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	creds, err := p.provider.CreateAccount(cctx, chosen.Name, localPart)
	cancel()
	if err != nil {
		p.release(ctx, chosen.Name)
		return nil, fmt.Errorf("create account on %s: %w", chosen.Name, err)
	}

	at := p.now().UTC()
	stored, err := p.clients.SetActiveMailbox(ctx, clientID, creds.Address, creds.Password, at)
	if err != nil || !stored {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		if derr := p.provider.DeleteAccount(dctx, creds.Address); derr != nil {
			p.log.Warn("rollback delete account failed", "mailbox", creds.Address, "error", derr)
		}
		cancel()
		p.release(ctx, chosen.Name)
		if err != nil {
			return nil, fmt.Errorf("store mailbox: %w", err)
		}
		return nil, ErrAlreadyProvisioned
	}

	p.log.Info("mailbox provisioned", "client_id", clientID, "mailbox", creds.Address, "domain", chosen.Name)
	return &domain.MailboxActive{Address: creds.Address, CreatedAt: at}, nil
}

// reserve takes a slot on the best domain, moving down the ranking when a
// concurrent provisioner fills a domain first.
func (p *Provisioner) reserve(ctx context.Context) (*domain.ManagedDomain, error) {
	list, err := p.repo.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	for _, d := range Rank(list) {
		ok, err := p.repo.ReserveSlot(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("reserve slot on %s: %w", d.Name, err)
		}
		if ok {
			d := d
			return &d, nil
		}
	}
	p.log.Error("no domain capacity for new mailbox", "domains", len(list))
	return nil, ErrCapacityExhausted
}

func (p *Provisioner) release(ctx context.Context, name string) {
	if err := p.repo.ReleaseSlot(context.WithoutCancel(ctx), name); err != nil {
		p.log.Warn("release slot failed", "domain", name, "error", err)
	}
}

var (
	validLocalPart = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]{0,62}[a-z0-9])?$`)
	nonLocal       = regexp.MustCompile(`[^a-z0-9]+`)
)

var foldMap = strings.NewReplacer(
	"á", "a", "à", "a", "ä", "a", "â", "a", "ã", "a",
	"é", "e", "è", "e", "ë", "e", "ê", "e",
	"í", "i", "ì", "i", "ï", "i", "î", "i",
	"ó", "o", "ò", "o", "ö", "o", "ô", "o", "õ", "o",
	"ú", "u", "ù", "u", "ü", "u", "û", "u",
	"ñ", "n", "ç", "c",
)

// LocalPartFor derives "first.last" from a display name.
func LocalPartFor(name string) string {
	s := foldMap.Replace(strings.ToLower(strings.TrimSpace(name)))
	s = nonLocal.ReplaceAllString(s, ".")
	return strings.Trim(s, ".")
}
