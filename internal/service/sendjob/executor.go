package sendjob

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/dispatch"
	"github.com/ignite/offermail/internal/service/matching"
	"github.com/ignite/offermail/internal/service/pacing"
)

// QuotaSource yields a client's allotment for the day containing now.
type QuotaSource interface {
	AllowedCount(ctx context.Context, clientID string, now time.Time) (int, error)
}

// Dispatcher delivers a single offer.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*domain.EmailSend, error)
}

// Config tunes the executor.
type Config struct {
	HeartbeatInterval time.Duration
	MaxConcurrent     int
	// MaxConsecutiveErrors fails a job after this many dispatch errors in a
	// row that were not recorded on a send row.
	MaxConsecutiveErrors int
}

// Executor runs send jobs in the background with bounded concurrency.
type Executor struct {
	jobs     Repository
	clients  ClientStore
	quota    QuotaSource
	matcher  *matching.Evaluator
	dispatch Dispatcher
	policies PolicySource
	cfg      Config
	log      *logger.Logger

	now  func() time.Time
	rnd  func() *rand.Rand
	wait func(ctx context.Context, d time.Duration) error

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
	mu     sync.Mutex
	active map[string]bool
}

// NewExecutor wires an executor.
func NewExecutor(jobs Repository, clients ClientStore, quota QuotaSource, matcher *matching.Evaluator,
	dispatcher Dispatcher, policies PolicySource, cfg Config) *Executor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	base, stop := context.WithCancel(context.Background())
	return &Executor{
		jobs:     jobs,
		clients:  clients,
		quota:    quota,
		matcher:  matcher,
		dispatch: dispatcher,
		policies: policies,
		cfg:      cfg,
		log:      logger.Named("sendjob"),
		now:      time.Now,
		rnd:      func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
		wait:     waitCtx,
		base:     base,
		stop:     stop,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		active:   make(map[string]bool),
	}
}

func waitCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch starts job and executes it in the background. It returns
// ErrExecutorBusy when every slot is taken and ErrConcurrencyConflict when
// another job for the client is running.
func (e *Executor) Launch(ctx context.Context, job *domain.SendJob) error {
	e.mu.Lock()
	if e.active[job.ID] {
		e.mu.Unlock()
		return ErrConcurrencyConflict
	}
	select {
	case e.sem <- struct{}{}:
	default:
		e.mu.Unlock()
		return ErrExecutorBusy
	}
	e.active[job.ID] = true
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.active, job.ID)
		e.mu.Unlock()
		<-e.sem
	}

	if err := e.start(ctx, job); err != nil {
		release()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		e.execute(e.base, job)
	}()
	return nil
}

// Run starts and executes job on the calling goroutine.
func (e *Executor) Run(ctx context.Context, job *domain.SendJob) error {
	if err := e.start(ctx, job); err != nil {
		return err
	}
	e.execute(ctx, job)
	return nil
}

// Wait blocks until every launched job has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown stops running jobs at their next wait and blocks until they
// have recorded their outcome.
func (e *Executor) Shutdown() {
	e.stop()
	e.wg.Wait()
}

func (e *Executor) start(ctx context.Context, job *domain.SendJob) error {
	ok, err := e.jobs.TryStart(ctx, job.ID, e.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobTerminal
	}
	job.Status = domain.JobRunning
	return nil
}

// execute drives a running job to a terminal state. Panics are recovered
// and recorded on the job.
func (e *Executor) execute(ctx context.Context, job *domain.SendJob) {
	var sent atomic.Int64
	finish := func(status domain.JobStatus, reason string) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.jobs.Finish(fctx, job.ID, status, int(sent.Load()), reason, e.now().UTC()); err != nil {
			e.log.Error("finish job failed", "job_id", job.ID, "error", err)
			return
		}
		job.Status, job.Error, job.SentCount = status, reason, int(sent.Load())
		e.log.Info("job finished", "job_id", job.ID, "client_id", job.ClientID, "status", status, "sent", sent.Load(), "reason", reason)
	}

	defer func() {
		if r := recover(); r != nil {
			finish(domain.JobFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	hbCtx, stopHB := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHB()
	go e.heartbeat(hbCtx, job.ID, &sent)

	status, reason := e.loop(ctx, job, &sent)
	finish(status, reason)
}

func (e *Executor) heartbeat(ctx context.Context, jobID string, sent *atomic.Int64) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.jobs.Heartbeat(ctx, jobID, int(sent.Load()), e.now().UTC()); err != nil && ctx.Err() == nil {
				e.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (e *Executor) loop(ctx context.Context, job *domain.SendJob, sent *atomic.Int64) (domain.JobStatus, string) {
	client, err := e.clients.GetClient(ctx, job.ClientID)
	if err != nil || client == nil {
		return domain.JobFailed, fmt.Sprintf("load client: %v", errOrMissing(err))
	}
	settings, err := e.clients.GetSettings(ctx, job.ClientID)
	if err != nil || settings == nil {
		return domain.JobFailed, fmt.Sprintf("load settings: %v", errOrMissing(err))
	}
	policy, err := e.policies.LoadPacingPolicy(ctx)
	if err != nil {
		return domain.JobFailed, fmt.Sprintf("load pacing policy: %v", err)
	}
	sched := pacing.NewScheduler(policy, e.rnd())

	allowed, err := e.quota.AllowedCount(ctx, job.ClientID, e.now())
	if err != nil {
		return domain.JobFailed, fmt.Sprintf("quota: %v", err)
	}
	consumed, err := e.jobs.ConsumedForDate(ctx, job.ClientID, job.ScheduledDate)
	if err != nil {
		return domain.JobFailed, fmt.Sprintf("consumed for date: %v", err)
	}
	remaining := allowed - consumed
	e.log.Info("job started", "job_id", job.ID, "client_id", job.ClientID,
		"allowed", allowed, "consumed", consumed, "remaining", remaining)
	if remaining <= 0 {
		return domain.JobDone, ""
	}

	cursor := e.matcher.Offers(client, settings)
	at := sched.First(e.now(), client.LastSendAt)
	errStreak := 0

	for int(sent.Load()) < remaining {
		if status, reason, stop := e.waitUntil(ctx, job.ID, at); stop {
			return status, reason
		}
		if status, reason, stop := e.checkCancel(ctx, job.ID); stop {
			return status, reason
		}

		offer, err := cursor.Next(ctx)
		if errors.Is(err, matching.ErrExhausted) {
			e.log.Info("no more matching offers", "job_id", job.ID, "sent", sent.Load(), "remaining", remaining)
			return domain.JobDone, ""
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.JobFailed, ReasonInterrupted
			}
			return domain.JobFailed, fmt.Sprintf("match offers: %v", err)
		}

		send, err := e.dispatch.Dispatch(ctx, dispatch.Request{ClientID: job.ClientID, Offer: *offer, JobID: &job.ID})
		switch {
		case err == nil:
			errStreak = 0
		case dispatch.IsSkip(err):
			continue
		case errors.Is(err, dispatch.ErrClientInactive), errors.Is(err, dispatch.ErrMailboxInactive):
			return domain.JobFailed, err.Error()
		case send == nil:
			if ctx.Err() != nil {
				return domain.JobFailed, ReasonInterrupted
			}
			errStreak++
			e.log.Warn("dispatch error", "job_id", job.ID, "offer_id", offer.ID, "error", err)
			if errStreak >= e.cfg.MaxConsecutiveErrors {
				return domain.JobFailed, fmt.Sprintf("dispatch: %v", err)
			}
			continue
		default:
			e.log.Warn("dispatch outcome not recorded", "job_id", job.ID, "send_id", send.ID, "error", err)
		}

		if send != nil && send.Status.ConsumesQuota() {
			sent.Add(1)
		}
		prev := at
		if now := e.now(); now.After(prev) {
			prev = now
		}
		at = sched.Next(prev)
	}
	return domain.JobDone, ""
}

// waitUntil blocks until at, waking at least every heartbeat interval to
// honor cancellation requests.
func (e *Executor) waitUntil(ctx context.Context, jobID string, at time.Time) (domain.JobStatus, string, bool) {
	for {
		d := at.Sub(e.now())
		if d <= 0 {
			return "", "", false
		}
		if d > e.cfg.HeartbeatInterval {
			d = e.cfg.HeartbeatInterval
		}
		if err := e.wait(ctx, d); err != nil {
			return domain.JobFailed, ReasonInterrupted, true
		}
		if status, reason, stop := e.checkCancel(ctx, jobID); stop {
			return status, reason, true
		}
	}
}

func (e *Executor) checkCancel(ctx context.Context, jobID string) (domain.JobStatus, string, bool) {
	if ctx.Err() != nil {
		return domain.JobFailed, ReasonInterrupted, true
	}
	cancelled, err := e.jobs.CancelRequested(ctx, jobID)
	if err != nil {
		e.log.Warn("cancel check failed", "job_id", jobID, "error", err)
		return "", "", false
	}
	if cancelled {
		return domain.JobFailed, ReasonCancelled, true
	}
	return "", "", false
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("not found")
}
