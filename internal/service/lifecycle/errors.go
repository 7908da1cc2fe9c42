package lifecycle

import "errors"

// Sentinel errors for the lifecycle service layer.
var (
	ErrNotPending     = errors.New("mailbox is not pending deletion")
	ErrDeleting       = errors.New("mailbox deletion already in progress")
	ErrClientNotFound = errors.New("client not found")
)
