package domains

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/service/sending"
)

func TestChoose_PriorityThenUtilizationThenName(t *testing.T) {
	list := []domain.ManagedDomain{
		{ID: "1", Name: "low.example", Active: true, Priority: 1, CurrentUserCount: 0, MaxUserCount: 10},
		{ID: "2", Name: "busy.example", Active: true, Priority: 5, CurrentUserCount: 8, MaxUserCount: 10},
		{ID: "3", Name: "quiet.example", Active: true, Priority: 5, CurrentUserCount: 2, MaxUserCount: 10},
		{ID: "4", Name: "alpha.example", Active: true, Priority: 5, CurrentUserCount: 4, MaxUserCount: 20},
		{ID: "5", Name: "full.example", Active: true, Priority: 9, CurrentUserCount: 10, MaxUserCount: 10},
		{ID: "6", Name: "off.example", Active: false, Priority: 9, CurrentUserCount: 0, MaxUserCount: 10},
	}

	got, err := Choose(list)
	require.NoError(t, err)
	// quiet (0.2) and alpha (0.2) tie on utilization; name breaks the tie.
	assert.Equal(t, "alpha.example", got.Name)

	ranked := Rank(list)
	names := make([]string, len(ranked))
	for i, d := range ranked {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"alpha.example", "quiet.example", "busy.example", "low.example"}, names)
}

func TestChoose_NoneQualifies(t *testing.T) {
	_, err := Choose([]domain.ManagedDomain{
		{Name: "full.example", Active: true, CurrentUserCount: 3, MaxUserCount: 3},
		{Name: "off.example", Active: false, MaxUserCount: 3},
	})
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	_, err = Choose(nil)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

type mockRepo struct {
	mu      sync.Mutex
	domains []domain.ManagedDomain
}

func (m *mockRepo) ListDomains(context.Context) ([]domain.ManagedDomain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ManagedDomain(nil), m.domains...), nil
}

func (m *mockRepo) ReserveSlot(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.domains {
		d := &m.domains[i]
		if d.ID == id && d.HasCapacity() {
			d.CurrentUserCount++
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) ReleaseSlot(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.domains {
		if m.domains[i].Name == name && m.domains[i].CurrentUserCount > 0 {
			m.domains[i].CurrentUserCount--
		}
	}
	return nil
}

func (m *mockRepo) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.Name == name {
			return d.CurrentUserCount
		}
	}
	return -1
}

type mockClients struct {
	mu      sync.Mutex
	clients map[string]*domain.Client
	failSet bool
}

func (m *mockClients) GetClient(_ context.Context, id string) (*domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *mockClients) SetActiveMailbox(_ context.Context, id, address, password string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return false, errors.New("db down")
	}
	c := m.clients[id]
	if !domain.CanProvision(c.Mailbox) {
		return false, nil
	}
	c.Mailbox = domain.MailboxActive{Address: address, CreatedAt: at}
	c.MailboxPassword = password
	return true, nil
}

type mockProvider struct {
	mu        sync.Mutex
	createErr error
	created   []string
	deleted   []string
}

func (m *mockProvider) CreateAccount(_ context.Context, dom, local string) (sending.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return sending.Credentials{}, m.createErr
	}
	addr := local + "@" + dom
	m.created = append(m.created, addr)
	return sending.Credentials{Address: addr, Password: "pw-" + local}, nil
}

func (m *mockProvider) DeleteAccount(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, address)
	return nil
}

func (m *mockProvider) ListAccounts(context.Context, string) ([]string, error) { return nil, nil }

func newProvisioner(domains []domain.ManagedDomain, clients ...domain.Client) (*Provisioner, *mockRepo, *mockClients, *mockProvider) {
	repo := &mockRepo{domains: domains}
	mc := &mockClients{clients: map[string]*domain.Client{}}
	for i := range clients {
		c := clients[i]
		mc.clients[c.ID] = &c
	}
	prov := &mockProvider{}
	return NewProvisioner(repo, mc, prov, time.Second), repo, mc, prov
}

func TestProvision_CreatesOnBestDomain(t *testing.T) {
	p, repo, clients, _ := newProvisioner([]domain.ManagedDomain{
		{ID: "a", Name: "a.example", Active: true, Priority: 1, MaxUserCount: 5},
		{ID: "b", Name: "b.example", Active: true, Priority: 2, MaxUserCount: 5},
	}, domain.Client{ID: "c1", Name: "José Ñúñez"})

	mb, err := p.Provision(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, "jose.nunez@b.example", mb.Address)
	assert.Equal(t, 1, repo.count("b.example"))

	c, _ := clients.GetClient(context.Background(), "c1")
	assert.Equal(t, "jose.nunez@b.example", c.MailboxAddress())
	assert.Equal(t, "pw-jose.nunez", c.MailboxPassword)
}

func TestProvision_AllowedFromDeletedOnly(t *testing.T) {
	p, _, _, _ := newProvisioner([]domain.ManagedDomain{{ID: "a", Name: "a.example", Active: true, MaxUserCount: 5}},
		domain.Client{ID: "act", Mailbox: domain.MailboxActive{Address: "x@a.example"}},
		domain.Client{ID: "pend", Mailbox: domain.MailboxDeletionPending{Address: "y@a.example"}},
		domain.Client{ID: "del", Name: "Del Client", Mailbox: domain.MailboxDeleted{At: time.Now()}},
	)
	ctx := context.Background()

	_, err := p.Provision(ctx, "act", "x")
	assert.ErrorIs(t, err, ErrAlreadyProvisioned)
	_, err = p.Provision(ctx, "pend", "y")
	assert.ErrorIs(t, err, ErrAlreadyProvisioned)
	_, err = p.Provision(ctx, "del", "")
	assert.NoError(t, err)
	_, err = p.Provision(ctx, "ghost", "z")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestProvision_CapacityExhausted(t *testing.T) {
	p, _, _, prov := newProvisioner([]domain.ManagedDomain{
		{ID: "a", Name: "a.example", Active: true, CurrentUserCount: 2, MaxUserCount: 2},
	}, domain.Client{ID: "c1", Name: "Ana"})

	_, err := p.Provision(context.Background(), "c1", "")
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Empty(t, prov.created)
}

func TestProvision_ReleasesSlotOnProviderFailure(t *testing.T) {
	p, repo, _, prov := newProvisioner([]domain.ManagedDomain{
		{ID: "a", Name: "a.example", Active: true, MaxUserCount: 2},
	}, domain.Client{ID: "c1", Name: "Ana"})
	prov.createErr = errors.New("409 account exists")

	_, err := p.Provision(context.Background(), "c1", "ana")
	require.Error(t, err)
	assert.Equal(t, 0, repo.count("a.example"))
}

func TestProvision_RollsBackWhenStoreFails(t *testing.T) {
	p, repo, clients, prov := newProvisioner([]domain.ManagedDomain{
		{ID: "a", Name: "a.example", Active: true, MaxUserCount: 2},
	}, domain.Client{ID: "c1", Name: "Ana"})
	clients.failSet = true

	_, err := p.Provision(context.Background(), "c1", "ana")
	require.Error(t, err)
	assert.Equal(t, []string{"ana@a.example"}, prov.deleted)
	assert.Equal(t, 0, repo.count("a.example"))
}

func TestProvision_ConcurrentNeverExceedsCapacity(t *testing.T) {
	var clients []domain.Client
	for i := 0; i < 10; i++ {
		clients = append(clients, domain.Client{ID: string(rune('a' + i)), Name: "Client " + string(rune('a'+i))})
	}
	p, repo, _, _ := newProvisioner([]domain.ManagedDomain{
		{ID: "x", Name: "x.example", Active: true, Priority: 2, MaxUserCount: 3},
		{ID: "y", Name: "y.example", Active: true, Priority: 1, MaxUserCount: 4},
	}, clients...)

	var wg sync.WaitGroup
	var mu sync.Mutex
	exhausted := 0
	for _, c := range clients {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := p.Provision(context.Background(), id, "")
			if errors.Is(err, ErrCapacityExhausted) {
				mu.Lock()
				exhausted++
				mu.Unlock()
			}
		}(c.ID)
	}
	wg.Wait()

	assert.Equal(t, 3, repo.count("x.example"))
	assert.Equal(t, 4, repo.count("y.example"))
	assert.Equal(t, 3, exhausted)
}

func TestProvision_InvalidLocalPart(t *testing.T) {
	p, _, _, _ := newProvisioner([]domain.ManagedDomain{{ID: "a", Name: "a.example", Active: true, MaxUserCount: 2}},
		domain.Client{ID: "c1", Name: "!!!"})

	_, err := p.Provision(context.Background(), "c1", "")
	assert.ErrorIs(t, err, ErrInvalidLocalPart)
	_, err = p.Provision(context.Background(), "c1", "bad local")
	assert.ErrorIs(t, err, ErrInvalidLocalPart)
}

func TestLocalPartFor(t *testing.T) {
	assert.Equal(t, "maria.del.carmen", LocalPartFor("  María del Carmen "))
	assert.Equal(t, "jo.o", LocalPartFor("Jo#o"))
	assert.True(t, strings.HasPrefix(LocalPartFor("Ana-Lucía López"), "ana.lucia"))
}
