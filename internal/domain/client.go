package domain

import (
	"strings"
	"time"
)

// Client is a person the engine markets on behalf of.
type Client struct {
	ID        string   `json:"id" db:"id"`
	Name      string   `json:"name" db:"name"`
	JobTitle  string   `json:"job_title" db:"job_title"`
	Countries []string `json:"countries" db:"countries"`
	Cities    []string `json:"cities" db:"cities"`

	// CRM attributes as last synchronized. Freshness is not guaranteed.
	CRMStatus      string `json:"crm_status" db:"crm_status"`
	CRMCloseReason string `json:"crm_close_reason" db:"crm_close_reason"`

	Mailbox         MailboxState `json:"mailbox"`
	MailboxPassword string       `json:"-" db:"mailbox_password"`

	SubjectTemplate string `json:"subject_template" db:"subject_template"`
	BodyTemplate    string `json:"body_template" db:"body_template"`

	LastSendAt  *time.Time `json:"last_send_at" db:"last_send_at"`
	LastReplyAt *time.Time `json:"last_reply_at" db:"last_reply_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// MailboxAddress returns the client's mailbox address, or "" when the
// client has no live mailbox.
func (c *Client) MailboxAddress() string {
	switch m := c.Mailbox.(type) {
	case MailboxActive:
		return m.Address
	case MailboxDeletionPending:
		return m.Address
	}
	return ""
}

// CRMAttributes is the read-only view of a client's CRM record.
type CRMAttributes struct {
	Status      string `json:"status"`
	CloseReason string `json:"close_reason"`
}

// DomainOf returns the lower-cased domain part of an address, or "" if the
// address has none.
func DomainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}

// NormalizeEmail lower-cases and trims an address for comparisons and keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
