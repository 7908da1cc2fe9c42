package dispatch

import "errors"

// Sentinel errors for the dispatch service layer.
var (
	ErrDuplicateSend       = errors.New("email already sent to this recipient or for this offer")
	ErrClientInactive      = errors.New("client sending is not active")
	ErrMailboxInactive     = errors.New("client mailbox is not active")
	ErrRecipientSuppressed = errors.New("recipient is suppressed")
	ErrSendNotFound        = errors.New("email send not found")
	ErrInvalidState        = errors.New("email send is not in a valid state for this action")
)
