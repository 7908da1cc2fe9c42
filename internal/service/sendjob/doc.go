// Package sendjob owns the daily SendJob state machine and its executor.
//
// A job moves queued → running → done|failed and never leaves a terminal
// state. At most one non-failed job exists per client and scheduled date,
// and at most one job per client is running; both are unique indexes in
// PostgreSQL, and the repository reports violations as ErrJobExists and
// ErrConcurrencyConflict.
//
// The executor recomputes the remaining allotment from persisted sends
// every time a job starts, so a job restarted after a crash picks up where
// the EmailSend history says it is rather than replaying from zero.
package sendjob
