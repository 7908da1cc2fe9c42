package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/feeds"
	"github.com/ignite/offermail/internal/service/lifecycle"
	"github.com/ignite/offermail/internal/service/quota"
	"github.com/ignite/offermail/internal/service/sendjob"
)

// Task names, also used as cursor and lock keys.
const (
	TaskQuota     = "QuotaRecompute"
	TaskJobs      = "JobPlanner"
	TaskRecovery  = "Recovery"
	TaskSweep     = "LifecycleSweep"
	TaskReconcile = "LifecycleReconcile"
	TaskFeeds     = "FeedIngest"
)

// CursorStore persists the last date a daily task completed.
type CursorStore interface {
	LastDate(ctx context.Context, task string) (*time.Time, error)
	Advance(ctx context.Context, task string, date, at time.Time) (bool, error)
}

// Daily wraps fn so it completes at most once per calendar date in loc. The
// cursor advances only after fn succeeds, so a failed run is retried on the
// next tick. fn must tolerate a concurrent duplicate run.
func Daily(name string, cursors CursorStore, loc *time.Location, fn func(ctx context.Context, now time.Time) error) func(context.Context, time.Time) error {
	if loc == nil {
		loc = time.UTC
	}
	return func(ctx context.Context, now time.Time) error {
		today := domain.DateOf(now.In(loc))
		last, err := cursors.LastDate(ctx, name)
		if err != nil {
			return err
		}
		if last != nil && !last.Before(today) {
			return nil
		}
		if err := fn(ctx, now); err != nil {
			return err
		}
		if _, err := cursors.Advance(ctx, name, today, now.UTC()); err != nil {
			return err
		}
		log.Printf("[%s] completed for %s", name, today.Format("2006-01-02"))
		return nil
	}
}

// QuotaRecomputer advances warmup for every warming client.
type QuotaRecomputer interface {
	RecomputeAll(ctx context.Context, now time.Time) (*quota.RecomputeReport, error)
}

// QuotaTask recomputes warmup limits once per day.
func QuotaTask(q QuotaRecomputer, cursors CursorStore, loc *time.Location, interval time.Duration) Task {
	return Task{
		Name:       TaskQuota,
		Interval:   interval,
		Lock:       "quota-recompute",
		RunOnStart: true,
		Run: Daily(TaskQuota, cursors, loc, func(ctx context.Context, now time.Time) error {
			report, err := q.RecomputeAll(ctx, now)
			if err != nil {
				return err
			}
			log.Printf("[%s] checked=%d advanced=%d failed=%d", TaskQuota, report.Checked, report.Advanced, len(report.Failed))
			return nil
		}),
	}
}

// JobPlanner queues and launches today's send jobs.
type JobPlanner interface {
	Tick(ctx context.Context, now time.Time) (*sendjob.TickReport, error)
}

// JobTask plans send jobs on every tick. It takes no lock: job creation and
// start are guarded by the database, so every instance may launch jobs into
// its own executor.
func JobTask(p JobPlanner, interval time.Duration) Task {
	return Task{
		Name:       TaskJobs,
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context, now time.Time) error {
			report, err := p.Tick(ctx, now)
			if err != nil {
				return err
			}
			if report.Launched > 0 || report.Errors > 0 {
				log.Printf("[%s] clients=%d queued=%d launched=%d skipped=%d errors=%d", TaskJobs,
					report.Clients, report.Queued, report.Launched, report.Skipped, report.Errors)
			}
			return nil
		},
	}
}

// RecoveryTask runs the recovery worker.
func RecoveryTask(w *RecoveryWorker, interval time.Duration) Task {
	return Task{
		Name:     TaskRecovery,
		Interval: interval,
		Lock:     "send-recovery",
		Run:      w.Run,
	}
}

// LifecycleRunner sweeps and reconciles mailboxes. The manager takes its
// own locks.
type LifecycleRunner interface {
	Sweep(ctx context.Context) (*lifecycle.SweepReport, error)
	Reconcile(ctx context.Context) (*lifecycle.ReconcileReport, error)
}

// SweepTask runs the lifecycle sweep.
func SweepTask(m LifecycleRunner, interval time.Duration) Task {
	return Task{
		Name:     TaskSweep,
		Interval: interval,
		Run: func(ctx context.Context, _ time.Time) error {
			report, err := m.Sweep(ctx)
			if err != nil {
				return err
			}
			if report.Skipped {
				log.Printf("[%s] skipped: held by another instance", TaskSweep)
				return nil
			}
			log.Printf("[%s] evaluated=%d pending=%d deprovisioned=%d errors=%d", TaskSweep,
				report.Evaluated, len(report.MarkedPending), len(report.Deprovisioned), report.Errors)
			return nil
		},
	}
}

// ReconcileTask runs provider reconciliation.
func ReconcileTask(m LifecycleRunner, interval time.Duration) Task {
	return Task{
		Name:     TaskReconcile,
		Interval: interval,
		Run: func(ctx context.Context, _ time.Time) error {
			report, err := m.Reconcile(ctx)
			if err != nil {
				return err
			}
			if !report.Skipped {
				log.Printf("[%s] domains=%d accounts=%d drift=%d skipped_domains=%d", TaskReconcile,
					report.Domains, report.Accounts, len(report.Drift), len(report.SkippedDomains))
			}
			return nil
		},
	}
}

// FeedIngester polls offer feeds.
type FeedIngester interface {
	Run(ctx context.Context) (*feeds.Report, error)
}

// FeedsTask ingests job offers.
func FeedsTask(in FeedIngester, interval time.Duration) Task {
	return Task{
		Name:       TaskFeeds,
		Interval:   interval,
		Lock:       "feeds-ingest",
		RunOnStart: true,
		Run: func(ctx context.Context, _ time.Time) error {
			_, err := in.Run(ctx)
			return err
		},
	}
}
