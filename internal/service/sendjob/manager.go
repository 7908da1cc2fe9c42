package sendjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
)

// Manager applies state transitions and plans daily jobs.
type Manager struct {
	repo     Repository
	clients  ClientStore
	executor *Executor
	loc      *time.Location
	stale    time.Duration
	log      *logger.Logger
}

// NewManager wires a manager. Calendar dates are taken in loc (UTC when
// nil); running jobs silent for longer than stale are failed by
// RecoverStale.
func NewManager(repo Repository, clients ClientStore, executor *Executor, loc *time.Location, stale time.Duration) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	if stale <= 0 {
		stale = 2 * time.Hour
	}
	return &Manager{repo: repo, clients: clients, executor: executor, loc: loc, stale: stale, log: logger.Named("sendjob")}
}

// Today returns the scheduling date containing now.
func (m *Manager) Today(now time.Time) time.Time {
	return domain.DateOf(now.In(m.loc))
}

// Ensure returns the job for (client, date), creating a queued one when the
// date has none. A job that failed for a recoverable reason is replaced.
// Repeated calls never produce a second live job.
func (m *Manager) Ensure(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	date = domain.DateOf(date)
	latest, err := m.repo.LatestJob(ctx, clientID, date)
	if err != nil {
		return nil, fmt.Errorf("latest job for %s: %w", clientID, err)
	}
	if latest != nil && !(latest.Status == domain.JobFailed && Recoverable(latest.Error)) {
		return latest, nil
	}
	return m.create(ctx, clientID, date)
}

func (m *Manager) create(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	job, err := m.repo.CreateJob(ctx, clientID, date)
	if errors.Is(err, ErrJobExists) {
		// Lost a race with another planner.
		return m.repo.LatestJob(ctx, clientID, date)
	}
	if err != nil {
		return nil, fmt.Errorf("create job for %s: %w", clientID, err)
	}
	m.log.Info("job queued", "job_id", job.ID, "client_id", clientID, "date", date.Format("2006-01-02"))
	return job, nil
}

// Cancel asks a job to stop. A queued job fails immediately; a running job
// fails before its next dispatch.
func (m *Manager) Cancel(ctx context.Context, jobID string, now time.Time) (*domain.SendJob, error) {
	job, err := m.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case domain.JobQueued:
		if err := m.repo.Finish(ctx, jobID, domain.JobFailed, job.SentCount, ReasonCancelled, now); err != nil {
			return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		job.Status, job.Error = domain.JobFailed, ReasonCancelled
	case domain.JobRunning:
		if err := m.repo.RequestCancel(ctx, jobID); err != nil {
			return nil, fmt.Errorf("request cancel %s: %w", jobID, err)
		}
		job.CancelRequested = true
	default:
		return job, ErrJobTerminal
	}
	return job, nil
}

// RecoverStale fails running jobs whose heartbeat is older than the stale
// timeout. Their sends are independently idempotent, so Ensure may queue a
// fresh job for the same date afterwards.
func (m *Manager) RecoverStale(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := m.repo.FailStale(ctx, now.Add(-m.stale), ReasonStale, now)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	for _, id := range ids {
		m.log.Warn("stale job failed", "job_id", id)
	}
	return ids, nil
}

// ForceExecute ensures a job for (client, date), replacing a failed one
// regardless of reason, and runs it now in the background.
func (m *Manager) ForceExecute(ctx context.Context, clientID string, date time.Time) (*domain.SendJob, error) {
	date = domain.DateOf(date)
	latest, err := m.repo.LatestJob(ctx, clientID, date)
	if err != nil {
		return nil, fmt.Errorf("latest job for %s: %w", clientID, err)
	}
	job := latest
	switch {
	case latest == nil || latest.Status == domain.JobFailed:
		if job, err = m.create(ctx, clientID, date); err != nil {
			return nil, err
		}
	case latest.Status == domain.JobRunning:
		return latest, ErrConcurrencyConflict
	case latest.Status == domain.JobDone:
		return latest, ErrJobTerminal
	}
	if err := m.executor.Launch(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// TickReport summarizes one planning pass.
type TickReport struct {
	Clients  int `json:"clients"`
	Queued   int `json:"queued"`
	Launched int `json:"launched"`
	Skipped  int `json:"skipped"`
	Expired  int `json:"expired"`
	Errors   int `json:"errors"`
}

// Tick ensures today's job for every dispatchable client and launches queued
// jobs while the executor has capacity. Queued jobs left over from an
// earlier date are failed as expired; their allotment does not carry over.
func (m *Manager) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	today := m.Today(now)
	ids, err := m.clients.ListDispatchableClientIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dispatchable clients: %w", err)
	}
	report := &TickReport{Clients: len(ids)}
	for _, id := range ids {
		if _, err := m.Ensure(ctx, id, today); err != nil {
			m.log.Warn("ensure job failed", "client_id", id, "error", err)
			report.Errors++
		}
	}

	queued, err := m.repo.ListQueued(ctx, today)
	if err != nil {
		return report, fmt.Errorf("list queued jobs: %w", err)
	}
	report.Queued = len(queued)
	busy := false
	for i := range queued {
		job := queued[i]
		if job.ScheduledDate.Before(today) {
			if err := m.repo.Finish(ctx, job.ID, domain.JobFailed, job.SentCount, ReasonExpired, now.UTC()); err != nil {
				m.log.Warn("expire job failed", "job_id", job.ID, "error", err)
				report.Errors++
				continue
			}
			m.log.Info("queued job expired", "job_id", job.ID, "client_id", job.ClientID,
				"date", job.ScheduledDate.Format("2006-01-02"))
			report.Expired++
			continue
		}
		if busy {
			report.Skipped++
			continue
		}
		err := m.executor.Launch(ctx, &job)
		switch {
		case err == nil:
			report.Launched++
		case errors.Is(err, ErrExecutorBusy):
			report.Skipped++
			busy = true
		case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrJobTerminal):
			report.Skipped++
		default:
			m.log.Warn("launch job failed", "job_id", job.ID, "error", err)
			report.Errors++
		}
	}
	return report, nil
}

func (m *Manager) get(ctx context.Context, id string) (*domain.SendJob, error) {
	job, err := m.repo.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}
