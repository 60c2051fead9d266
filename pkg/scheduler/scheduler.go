// Package scheduler drives a schedule.Schedule: iterating its items in
// order, dispatching each to its handler, and reporting progress
// through a point-in-time Snapshot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cgobat/seestar-bridge/pkg/horizon"
	"github.com/cgobat/seestar-bridge/pkg/metrics"
	"github.com/cgobat/seestar-bridge/pkg/schedule"
	"github.com/google/uuid"
)

// Handler executes one schedule item and reports whether it completed
// normally. ctx is cancelled when the Scheduler is asked to stop.
type Handler func(ctx context.Context, item schedule.Item) error

// CurrentItem is the external progress observation stub.
type CurrentItem struct {
	Kind               schedule.ItemKind
	ScheduleItemID     uuid.UUID
	TargetName         string
	Action             string
	ItemTotalTimeS     int
	ItemRemainingTimeS int
}

// Snapshot is the external SchedulerState observation.
type Snapshot struct {
	State      schedule.State
	ScheduleID uuid.UUID
	ItemNumber int
	Current    *CurrentItem
	Result     string
}

// Shutdowner issues the synchronous pi_shutdown call the Scheduler
// makes after cleanup when the schedule contained a shutdown item.
type Shutdowner interface {
	Shutdown(ctx context.Context)
}

// Scheduler runs one schedule.Schedule at a time.
type Scheduler struct {
	mu      sync.Mutex
	sched   *schedule.Schedule
	current *CurrentItem
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	offset     *horizon.Offset
	horizonCtl horizon.Syncer
	shutdowner Shutdowner
	handlers   map[schedule.ItemKind]Handler

	logger *slog.Logger
}

// New creates a Scheduler over sched, dispatching each item kind to the
// handler registered in handlers. offset/horizonCtl/shutdowner may be
// nil if the caller doesn't need horizon-reset-on-completion or
// shutdown-item behavior (e.g. in narrow unit tests).
func New(sched *schedule.Schedule, handlers map[schedule.ItemKind]Handler, offset *horizon.Offset, horizonCtl horizon.Syncer, shutdowner Shutdowner) *Scheduler {
	return &Scheduler{
		sched: sched, handlers: handlers,
		offset: offset, horizonCtl: horizonCtl, shutdowner: shutdowner,
		logger: slog.Default().With("component", "scheduler", "schedule_id", sched.ID),
	}
}

// Start transitions stopped|complete → working and launches the
// scheduler task. Starting an already-running Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	if s.sched.State != schedule.Stopped && s.sched.State != schedule.Complete {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.sched.State = schedule.Working
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()
}

// Stop transitions working → stopping and cancels the run context so
// the next cancel-aware suspension point unwinds. A second
// call while already stopping is idempotent and returns false.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.sched.State == schedule.Stopping {
		return false
	}
	s.sched.State = schedule.Stopping
	metrics.SetSchedulerState(string(schedule.Stopping))
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Wait blocks until the current run has fully exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	var sawShutdownItem bool

	for i, item := range s.sched.Items {
		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		s.sched.CurrentItemID = item.ID
		s.sched.ItemNumber = i + 1
		s.current = &CurrentItem{Kind: item.Kind, ScheduleItemID: item.ID, Action: "working"}
		s.mu.Unlock()

		if item.Kind == schedule.KindShutdown {
			sawShutdownItem = true
		}

		handler, ok := s.handlers[item.Kind]
		if !ok {
			s.logger.Warn("no handler for item kind", "kind", item.Kind)
			continue
		}
		if err := handler(ctx, item); err != nil {
			s.logger.Warn("item handler returned error, continuing", "kind", item.Kind, "error", err)
		}

		s.mu.Lock()
		s.current.Action = "complete"
		s.mu.Unlock()
	}

	s.finish(ctx, sawShutdownItem)
}

func (s *Scheduler) finish(ctx context.Context, sawShutdownItem bool) {
	s.mu.Lock()
	stopping := s.sched.State == schedule.Stopping
	s.sched.CurrentItemID = uuid.Nil
	s.current = nil
	if stopping {
		s.sched.State = schedule.Stopped
	} else {
		s.sched.State = schedule.Complete
	}
	final := s.sched.State
	s.started = false
	s.mu.Unlock()
	metrics.SetSchedulerState(string(final))

	if !stopping && s.offset != nil && s.horizonCtl != nil {
		if _, err := s.offset.Reset(0, 0, s.horizonCtl); err != nil {
			s.logger.Warn("horizon offset reset on scheduler completion failed", "error", err)
		}
	}

	if sawShutdownItem && s.shutdowner != nil {
		s.shutdowner.Shutdown(context.Background())
	}
}

// Snapshot returns the current SchedulerState observation.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.sched.State, ScheduleID: s.sched.ID, ItemNumber: s.sched.ItemNumber, Result: s.sched.Result}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
	}
	return snap
}

// CancelAwareSleep sleeps for d or until ctx is cancelled, returning
// false if cancelled early. Shared by handlers that need a plain
// interruptible wait (e.g. wait_for items).
func CancelAwareSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CancelAwareSleepSteps sleeps for total, checking ctx every step, so a
// stop request is observed within one step instead of only at the end.
// Returns false if cancelled early.
func CancelAwareSleepSteps(ctx context.Context, total, step time.Duration) bool {
	remaining := total
	for remaining > 0 {
		d := step
		if d > remaining {
			d = remaining
		}
		if !CancelAwareSleep(ctx, d) {
			return false
		}
		remaining -= d
	}
	return true
}

// WaitUntilHandler builds a Handler for wait_for/wait_until items.
func WaitUntilHandler() Handler {
	return func(ctx context.Context, item schedule.Item) error {
		switch item.Kind {
		case schedule.KindWaitFor:
			CancelAwareSleepSteps(ctx, time.Duration(item.WaitFor.TimerSec)*time.Second, 5*time.Second)
			return nil
		case schedule.KindWaitUntil:
			d, err := untilLocalTime(item.WaitUntil.LocalTime)
			if err != nil {
				return err
			}
			CancelAwareSleepSteps(ctx, d, 5*time.Second)
			return nil
		default:
			return fmt.Errorf("scheduler: wrong handler for kind %s", item.Kind)
		}
	}
}

func untilLocalTime(hhmm string) (time.Duration, error) {
	now := time.Now()
	target, err := time.ParseInLocation("15:04", hhmm, now.Location())
	if err != nil {
		return 0, fmt.Errorf("scheduler: invalid wait_until time %q: %w", hhmm, err)
	}
	target = time.Date(now.Year(), now.Month(), now.Day(), target.Hour(), target.Minute(), 0, 0, now.Location())
	if target.Before(now) {
		target = target.Add(24 * time.Hour)
	}
	return target.Sub(now), nil
}
