package worker

import (
	"context"
	"log"
	"time"
)

// DefaultReservationTimeout is how long a send may stay reserved, or
// approved without a delivery outcome, before it is considered abandoned by
// a crashed dispatcher.
const DefaultReservationTimeout = 30 * time.Minute

// StaleJobRecoverer fails running jobs whose heartbeat expired.
type StaleJobRecoverer interface {
	RecoverStale(ctx context.Context, now time.Time) ([]string, error)
}

// AbandonedSendFailer fails reserved and approved sends left behind
// before a cutoff.
type AbandonedSendFailer interface {
	FailAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryWorker reclaims work left behind by crashed executors. Stale
// running jobs are failed so the planner can queue a replacement.
// Reserved or approved sends whose delivery outcome is unknown are failed
// and never retried, keeping delivery at-most-once.
type RecoveryWorker struct {
	jobs               StaleJobRecoverer
	sends              AbandonedSendFailer
	reservationTimeout time.Duration
}

// NewRecoveryWorker creates a recovery worker. reservationTimeout <= 0
// selects DefaultReservationTimeout.
func NewRecoveryWorker(jobs StaleJobRecoverer, sends AbandonedSendFailer, reservationTimeout time.Duration) *RecoveryWorker {
	if reservationTimeout <= 0 {
		reservationTimeout = DefaultReservationTimeout
	}
	return &RecoveryWorker{jobs: jobs, sends: sends, reservationTimeout: reservationTimeout}
}

// Run performs both recovery passes. A failure in one pass does not stop
// the other; the first error is returned.
func (w *RecoveryWorker) Run(ctx context.Context, now time.Time) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var firstErr error
	ids, err := w.jobs.RecoverStale(queryCtx, now)
	if err != nil {
		firstErr = err
	} else if len(ids) > 0 {
		log.Printf("[Recovery] failed %d stale jobs", len(ids))
	}

	n, err := w.sends.FailAbandoned(queryCtx, now.Add(-w.reservationTimeout))
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if n > 0 {
		log.Printf("[Recovery] failed %d abandoned sends", n)
	}
	return firstErr
}
