// Package worker drives the engine's periodic tasks: daily quota
// recomputation, job planning, send recovery, mailbox lifecycle sweeps and
// offer ingestion.
package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one periodic unit of work.
type Task struct {
	Name     string
	Interval time.Duration
	// Lock, when set, serializes the task across worker instances.
	Lock string
	// RunOnStart runs the task once before the first tick.
	RunOnStart bool
	Run        func(ctx context.Context, now time.Time) error
}

// Locker runs fn while holding a cluster-wide lock. *distlock.Factory
// satisfies it.
type Locker interface {
	Run(ctx context.Context, key string, fn func(context.Context) error) (ran bool, err error)
}

// TaskStats counts task outcomes.
type TaskStats struct {
	Runs    int64 `json:"runs"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
	Panics  int64 `json:"panics"`
}

type taskCounters struct {
	runs, skipped, errors, panics int64
}

// Runner schedules tasks on independent tickers.
type Runner struct {
	tasks  []Task
	locker Locker
	now    func() time.Time

	stats map[string]*taskCounters
	wg    sync.WaitGroup
}

// NewRunner creates a runner. locker may be nil, in which case Lock is
// ignored.
func NewRunner(locker Locker, tasks ...Task) *Runner {
	stats := make(map[string]*taskCounters, len(tasks))
	for _, t := range tasks {
		stats[t.Name] = &taskCounters{}
	}
	return &Runner{tasks: tasks, locker: locker, now: time.Now, stats: stats}
}

// Start launches one loop per task. Loops stop when ctx is cancelled; use
// Wait to block until they have.
func (r *Runner) Start(ctx context.Context) {
	for _, t := range r.tasks {
		if t.Interval <= 0 || t.Run == nil {
			log.Printf("[Worker] Task %s disabled", t.Name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
}

// Wait blocks until every task loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stats returns a snapshot of per-task counters.
func (r *Runner) Stats() map[string]TaskStats {
	out := make(map[string]TaskStats, len(r.stats))
	for name, c := range r.stats {
		out[name] = TaskStats{
			Runs:    atomic.LoadInt64(&c.runs),
			Skipped: atomic.LoadInt64(&c.skipped),
			Errors:  atomic.LoadInt64(&c.errors),
			Panics:  atomic.LoadInt64(&c.panics),
		}
	}
	return out
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()
	log.Printf("[%s] Starting (interval=%s)", t.Name, t.Interval)

	if t.RunOnStart {
		r.RunOnce(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Stopping", t.Name)
			return
		case <-ticker.C:
			r.RunOnce(ctx, t)
		}
	}
}

// RunOnce executes t a single time, under its lock when one is set. Panics
// are recovered and counted; the task runs again on the next tick.
func (r *Runner) RunOnce(ctx context.Context, t Task) {
	c := r.counters(t.Name)
	err := r.guarded(ctx, t, c)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		log.Printf("[%s] Error: %v", t.Name, err)
	}
}

func (r *Runner) guarded(ctx context.Context, t Task, c *taskCounters) (err error) {
	defer func() {
		if p := recover(); p != nil {
			atomic.AddInt64(&c.panics, 1)
			log.Printf("[%s] PANIC recovered: %v\n%s", t.Name, p, debug.Stack())
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	run := func(ctx context.Context) error { return t.Run(ctx, r.now()) }
	if t.Lock == "" || r.locker == nil {
		atomic.AddInt64(&c.runs, 1)
		return run(ctx)
	}
	ran, err := r.locker.Run(ctx, t.Lock, func(ctx context.Context) error {
		atomic.AddInt64(&c.runs, 1)
		return run(ctx)
	})
	if err == nil && !ran {
		atomic.AddInt64(&c.skipped, 1)
	}
	return err
}

func (r *Runner) counters(name string) *taskCounters {
	if c, ok := r.stats[name]; ok {
		return c
	}
	return &taskCounters{}
}
