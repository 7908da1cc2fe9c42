package domain

import "time"

// MailboxKind enumerates the lifecycle states of a client's mailbox.
type MailboxKind string

const (
	MailboxKindNone            MailboxKind = "none"
	MailboxKindActive          MailboxKind = "active"
	MailboxKindDeletionPending MailboxKind = "deletion_pending"
	MailboxKindDeleted         MailboxKind = "deleted"
)

// MailboxState is the tagged variant describing a client's mailbox. The
// concrete types are MailboxNone, MailboxActive, MailboxDeletionPending and
// MailboxDeleted; switch on the type to read state-specific fields.
type MailboxState interface {
	Kind() MailboxKind
}

// MailboxNone means the client has never had a mailbox.
type MailboxNone struct{}

// MailboxActive is a provisioned, live mailbox.
type MailboxActive struct {
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// MailboxDeletionPending is a live mailbox waiting out its grace period.
// ClaimedAt is set while a sweep is deleting the provider account; a
// claimed mailbox can no longer be cancelled.
type MailboxDeletionPending struct {
	Address   string     `json:"address"`
	CreatedAt time.Time  `json:"created_at"`
	Since     time.Time  `json:"since"`
	Reason    string     `json:"reason"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// MailboxDeleted is a mailbox that was deprovisioned. The client may be
// provisioned again.
type MailboxDeleted struct {
	At time.Time `json:"at"`
}

func (MailboxNone) Kind() MailboxKind            { return MailboxKindNone }
func (MailboxActive) Kind() MailboxKind          { return MailboxKindActive }
func (MailboxDeletionPending) Kind() MailboxKind { return MailboxKindDeletionPending }
func (MailboxDeleted) Kind() MailboxKind         { return MailboxKindDeleted }

// KindOf returns the kind of a possibly-nil state. A nil state is treated as
// MailboxKindNone.
func KindOf(s MailboxState) MailboxKind {
	if s == nil {
		return MailboxKindNone
	}
	return s.Kind()
}

// CanProvision reports whether a new mailbox may be created from state s.
func CanProvision(s MailboxState) bool {
	k := KindOf(s)
	return k == MailboxKindNone || k == MailboxKindDeleted
}

// ReadyForDeletion reports whether a pending mailbox has outlived its grace
// period at time now.
func (p MailboxDeletionPending) ReadyForDeletion(now time.Time, grace time.Duration) bool {
	return !now.Before(p.Since.Add(grace))
}
