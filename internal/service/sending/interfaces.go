// Package sending defines the collaborator contracts the engine consumes:
// mail transport, mailbox provider and CRM attributes.
//
// Concrete adapters live in internal/transport (SES, SMTP), internal/ovh
// (mailbox provider) and internal/crm (CRM attributes). The engine never
// talks to those packages directly.
package sending

import (
	"context"
	"errors"

	"github.com/ignite/offermail/internal/domain"
)

// Message is a fully rendered email ready for delivery.
type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
	// Tags are opaque key/value pairs forwarded to the transport (send id,
	// client id) for provider-side correlation.
	Tags map[string]string
}

// Receipt is returned by a transport after a successful delivery.
type Receipt struct {
	MessageID string
	ThreadID  string
}

// Transport delivers a single message. Implementations must be safe for
// concurrent use and must return an *Error for provider failures so the
// dispatcher can classify them.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Credentials are returned when a mailbox account is created.
type Credentials struct {
	Address  string
	Password string
}

// ErrAccountNotFound is returned by MailboxProvider.DeleteAccount when the
// account does not exist. Callers treat it as success.
var ErrAccountNotFound = errors.New("mailbox account not found")

// MailboxProvider manages mailbox accounts in the external directory.
type MailboxProvider interface {
	CreateAccount(ctx context.Context, domainName, localPart string) (Credentials, error)
	DeleteAccount(ctx context.Context, address string) error
	ListAccounts(ctx context.Context, domainName string) ([]string, error)
}

// CRMSource supplies read-only CRM attributes per client. Values may be
// stale; callers must tolerate that.
type CRMSource interface {
	Attributes(ctx context.Context, clientID string) (domain.CRMAttributes, error)
}
