package sendjob

import "errors"

// Sentinel errors for the send job service layer.
var (
	// ErrConcurrencyConflict means another job for the client is running.
	// Callers skip the cycle; it is not a failure.
	ErrConcurrencyConflict = errors.New("another job is running for this client")
	ErrJobExists           = errors.New("a job already exists for this client and date")
	ErrJobNotFound         = errors.New("send job not found")
	ErrJobTerminal         = errors.New("send job already finished")
	ErrExecutorBusy        = errors.New("executor has no free slot")
)

// Failure reasons recorded on jobs.
const (
	ReasonCancelled   = "cancelled by operator"
	ReasonStale       = "stale: heartbeat expired while running"
	ReasonInterrupted = "interrupted: worker shutdown"
	ReasonExpired     = "expired: scheduled date passed before start"
)

// Recoverable reports whether a failed job may be replaced by a fresh one
// without operator action.
func Recoverable(reason string) bool {
	return reason == ReasonStale || reason == ReasonInterrupted
}
