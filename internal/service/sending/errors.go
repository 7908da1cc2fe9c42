package sending

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

const (
	// KindTransient failures (throttling, timeouts, 4xx SMTP replies) are
	// retried with backoff up to a bounded number of attempts.
	KindTransient ErrorKind = "transient"
	// KindInvalidRecipient failures are never retried and mark the
	// recipient invalid.
	KindInvalidRecipient ErrorKind = "permanent_invalid_recipient"
	// KindHardBounce failures are never retried and mark the recipient
	// bounced.
	KindHardBounce ErrorKind = "hard_bounce"
)

// Error is a classified transport error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Error { return &Error{Kind: KindTransient, Err: err} }

// InvalidRecipient wraps err as a permanent recipient failure.
func InvalidRecipient(err error) *Error { return &Error{Kind: KindInvalidRecipient, Err: err} }

// HardBounce wraps err as a hard bounce.
func HardBounce(err error) *Error { return &Error{Kind: KindHardBounce, Err: err} }

// KindOf classifies any error returned by a transport. Unclassified errors,
// including context deadlines, are transient.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	k := KindOf(err)
	return k == KindInvalidRecipient || k == KindHardBounce
}
