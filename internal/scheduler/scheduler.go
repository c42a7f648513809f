// Package scheduler hosts the recurring maintenance tasks: stats
// snapshots, worker sweeps, backups, cleanup, and expiration scans. Each
// task ticks on its own interval; a tick that lands while the previous
// run is still in flight is skipped, and a failing task is held off
// exponentially until it succeeds again.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long Stop waits for in-flight tasks.
const shutdownGrace = 10 * time.Second

const (
	failureBackoffInitial = time.Minute
	failureBackoffMax     = time.Hour
)

// Task is one recurring job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart fires the task once immediately when the scheduler
	// starts instead of waiting a full interval.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// taskState tracks one task's runtime bookkeeping.
type taskState struct {
	task      Task
	running   atomic.Bool
	notBefore atomic.Int64 // unix nanos; ticks before this are held off
	runs      atomic.Int64
	failures  atomic.Int64
	skips     atomic.Int64
	bo        *backoff.ExponentialBackOff
}

// Scheduler runs registered tasks until stopped.
type Scheduler struct {
	log    *slog.Logger
	tasks  []*taskState
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = failureBackoffInitial
	bo.MaxInterval = failureBackoffMax
	bo.MaxElapsedTime = 0
	s.tasks = append(s.tasks, &taskState{task: t, bo: bo})
}

// Start launches every registered task. The tasks stop when ctx is
// canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	s.done = make(chan struct{})
	for _, ts := range s.tasks {
		group.Go(func() error {
			s.loop(ctx, ts)
			return nil
		})
	}
	go func() {
		_ = group.Wait()
		close(s.done)
	}()
	s.log.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels the tasks and waits for them to drain, up to the
// shutdown grace period.
func (s *Scheduler) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(shutdownGrace):
		return errors.New("scheduler: tasks did not drain before deadline")
	}
}

// loop ticks one task. Runs execute off the loop goroutine so a slow
// run cannot stall the ticker; the running flag keeps them from
// overlapping.
func (s *Scheduler) loop(ctx context.Context, ts *taskState) {
	var wg sync.WaitGroup
	defer wg.Wait()

	if ts.task.RunAtStart {
		s.fire(ctx, ts)
	}
	ticker := time.NewTicker(ts.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().UnixNano() < ts.notBefore.Load() {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.fire(ctx, ts)
			}()
		}
	}
}

// fire runs the task once, skipping if the previous run is still in
// flight. A failure arms the hold-off window.
func (s *Scheduler) fire(ctx context.Context, ts *taskState) {
	if !ts.running.CompareAndSwap(false, true) {
		ts.skips.Add(1)
		s.log.Warn("task still running, skipping tick", "task", ts.task.Name)
		return
	}
	defer ts.running.Store(false)

	ts.runs.Add(1)
	start := time.Now()
	if err := ts.task.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		ts.failures.Add(1)
		wait := ts.bo.NextBackOff()
		ts.notBefore.Store(time.Now().Add(wait).UnixNano())
		s.log.Error("task failed", "task", ts.task.Name, "error", err,
			"elapsed", time.Since(start), "retry_in", wait)
		return
	}
	ts.bo.Reset()
	ts.notBefore.Store(0)
	s.log.Debug("task completed", "task", ts.task.Name, "elapsed", time.Since(start))
}

// TaskStats is a point-in-time readout of one task's counters.
type TaskStats struct {
	Name     string
	Runs     int64
	Failures int64
	Skips    int64
}

// Stats reports the counters for every registered task.
func (s *Scheduler) Stats() []TaskStats {
	out := make([]TaskStats, 0, len(s.tasks))
	for _, ts := range s.tasks {
		out = append(out, TaskStats{
			Name:     ts.task.Name,
			Runs:     ts.runs.Load(),
			Failures: ts.failures.Load(),
			Skips:    ts.skips.Load(),
		})
	}
	return out
}
