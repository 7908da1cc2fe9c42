package ovh

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

const (
	passwordLength   = 20
	passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789!#%+=?"
)

// MailboxProvider implements sending.MailboxProvider on OVH email domains
// (/email/domain/{domain}/account).
type MailboxProvider struct {
	client *Client
	size   int64
	log    *logger.Logger
}

// NewMailboxProvider wraps client. size is the mailbox quota in bytes; 0
// leaves the OVH default.
func NewMailboxProvider(client *Client, size int64) *MailboxProvider {
	return &MailboxProvider{client: client, size: size, log: logger.Named("ovh")}
}

type createAccountRequest struct {
	AccountName string `json:"accountName"`
	Password    string `json:"password"`
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// CreateAccount creates localPart@domainName with a generated password.
func (p *MailboxProvider) CreateAccount(ctx context.Context, domainName, localPart string) (sending.Credentials, error) {
	password, err := generatePassword()
	if err != nil {
		return sending.Credentials{}, err
	}
	path := fmt.Sprintf("/email/domain/%s/account", url.PathEscape(domainName))
	err = p.client.do(ctx, http.MethodPost, path, createAccountRequest{
		AccountName: localPart,
		Password:    password,
		Description: "offermail",
		Size:        p.size,
	}, nil)
	if err != nil {
		return sending.Credentials{}, fmt.Errorf("create account %s@%s: %w", localPart, domainName, err)
	}
	address := localPart + "@" + domainName
	p.log.Info("account created", "mailbox", address)
	return sending.Credentials{Address: address, Password: password}, nil
}

// DeleteAccount removes the account. A missing account yields
// sending.ErrAccountNotFound.
func (p *MailboxProvider) DeleteAccount(ctx context.Context, address string) error {
	at := strings.LastIndex(address, "@")
	dom := domain.DomainOf(address)
	if at <= 0 || dom == "" {
		return fmt.Errorf("delete account: malformed address")
	}
	path := fmt.Sprintf("/email/domain/%s/account/%s", url.PathEscape(dom), url.PathEscape(address[:at]))
	err := p.client.do(ctx, http.MethodDelete, path, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return sending.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	p.log.Info("account deleted", "mailbox", address)
	return nil
}

// ListAccounts returns the full addresses of every account on domainName.
func (p *MailboxProvider) ListAccounts(ctx context.Context, domainName string) ([]string, error) {
	var names []string
	path := fmt.Sprintf("/email/domain/%s/account", url.PathEscape(domainName))
	if err := p.client.do(ctx, http.MethodGet, path, nil, &names); err != nil {
		return nil, fmt.Errorf("list accounts on %s: %w", domainName, err)
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n) + "@" + strings.ToLower(domainName)
	}
	return out, nil
}

func generatePassword() (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, passwordLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b), nil
}
