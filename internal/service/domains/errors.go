package domains

import "errors"

// Sentinel errors for the domains service layer.
var (
	// ErrCapacityExhausted means no active domain has a free slot.
	// Provisioning aborts rather than over-filling a domain.
	ErrCapacityExhausted  = errors.New("no managed domain has free capacity")
	ErrAlreadyProvisioned = errors.New("client already has a mailbox")
	ErrClientNotFound     = errors.New("client not found")
	ErrInvalidLocalPart   = errors.New("mailbox local part is empty or invalid")
)
