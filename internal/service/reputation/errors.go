package reputation

import "errors"

// Sentinel errors for the reputation service layer.
var (
	ErrNotFound     = errors.New("reputation record not found")
	ErrEmptyAddress = errors.New("email is required")
)
