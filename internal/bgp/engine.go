package bgp

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"homebgp/internal/eventbus"
	"homebgp/pkg/logx"
)

// StatusEvent is published as eventbus.TypeStatus after every transition.
type StatusEvent struct {
	ID       string
	State    State
	Err      string
	Snapshot Snapshot
	// Run is set when the transition ends a run.
	Run *RunResult
	// Removed is set on the transition that dropped the task from the registry.
	Removed bool
}

// RunResult describes one finished run.
type RunResult struct {
	StartedAt time.Time
	Duration  time.Duration
	Err       *ExecutionError
}

// transition is queued under the lock and delivered by flush, in order.
type transition struct {
	opts  Options
	event StatusEvent
	// removal marks the extra event of Unregister; it carries no new state.
	removal bool
}

func (s *Supervisor) record(tc *taskContext, st State, run *RunResult) {
	s.pending = append(s.pending, transition{
		opts: tc.opts,
		event: StatusEvent{
			ID:       tc.id,
			State:    st,
			Err:      tc.err,
			Snapshot: project(tc),
			Run:      run,
			Removed:  s.tasks[tc.id] != tc,
		},
	})
}

// flush delivers queued transitions outside the lock. Only one goroutine
// delivers at a time; callers arriving meanwhile leave their transitions to it.
func (s *Supervisor) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, t := range batch {
			s.deliver(t)
		}
		s.mu.Lock()
	}
}

func (s *Supervisor) deliver(t transition) {
	ev := t.event
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeStatus, Data: ev})
	}
	if t.opts.OnStatusChange != nil && !t.removal {
		s.safeCall(ev.ID, "on_status_change", func() { t.opts.OnStatusChange(ev.ID, ev.State, ev.Err) })
	}
	if ev.Run == nil {
		return
	}
	if ev.Run.Err != nil && t.opts.OnError != nil {
		s.safeCall(ev.ID, "on_error", func() { t.opts.OnError(ev.Run.Err) })
	}
	if t.opts.OnFinally != nil {
		s.safeCall(ev.ID, "on_finally", t.opts.OnFinally)
	}
}

func (s *Supervisor) safeCall(id, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bgp.callback.panic", logx.String("task", id), logx.String("hook", hook), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

type dueTask struct {
	tc   *taskContext
	gen  uint64
	pred func() bool
}

type launch struct {
	tc      *taskContext
	ctx     context.Context
	gen     uint64
	started time.Time
}

// tick runs one evaluation pass over every task.
func (s *Supervisor) tick(now time.Time) {
	// Phase 1: settle retries and collect due tasks.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var due []dueTask
	for _, tc := range s.tasks {
		switch tc.state {
		case StateError:
			if tc.retryable() && !tc.cancelRequested {
				tc.setState(StateScheduled)
				tc.refreshNextRun(now)
				s.record(tc, StateScheduled, nil)
			}
		case StateScheduled:
			if tc.sched.Kind == KindDynamic && !tc.runNow {
				due = append(due, dueTask{tc: tc, gen: tc.gen, pred: tc.sched.ShouldStartNow})
			} else if tc.eligible(now) {
				due = append(due, dueTask{tc: tc, gen: tc.gen})
			}
		}
	}
	s.mu.Unlock()
	s.flush()

	// Phase 2: dynamic predicates may be slow or panic, never under the lock.
	ready := due[:0]
	var broken []dueTask
	var brokenMsg []string
	for _, d := range due {
		if d.pred == nil {
			ready = append(ready, d)
			continue
		}
		ok, err := s.evalPredicate(d.tc.id, d.pred)
		switch {
		case err != nil:
			broken = append(broken, d)
			brokenMsg = append(brokenMsg, err.Error())
		case ok:
			ready = append(ready, d)
		}
	}

	// Phase 3: start what is still due, bounded by the worker limit.
	var launches []launch
	deferred := 0
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i, d := range broken {
		tc := d.tc
		if s.tasks[tc.id] != tc || tc.gen != d.gen || tc.state != StateScheduled {
			continue
		}
		tc.err = brokenMsg[i]
		tc.lastRun = now
		tc.setState(StateError)
		tc.refreshNextRun(now)
		s.record(tc, StateError, nil)
	}
	for _, d := range ready {
		tc := d.tc
		if s.tasks[tc.id] != tc || tc.gen != d.gen || tc.state != StateScheduled {
			continue
		}
		if s.running >= s.cfg.MaxWorkers {
			deferred++
			continue
		}
		s.running++
		s.workers.Add(1)
		tc.gen++
		tc.runNow = false
		tc.lastRunAt = now
		tc.setState(StateRunning)
		tc.refreshNextRun(now)

		ctx, cancel := context.WithCancel(s.grp.Context())
		if tc.opts.Timeout > 0 {
			var cancelTimeout context.CancelFunc
			ctx, cancelTimeout = context.WithTimeout(ctx, tc.opts.Timeout)
			parent := cancel
			cancel = func() { cancelTimeout(); parent() }
		}
		tc.cancel = cancel
		tc.done = make(chan struct{})
		s.record(tc, StateRunning, nil)
		launches = append(launches, launch{tc: tc, ctx: ctx, gen: tc.gen, started: now})
	}
	s.mu.Unlock()
	s.flush()

	if deferred > 0 {
		s.log.Debug("bgp.tick.workers_exhausted", logx.Int("deferred", deferred))
	}
	for _, l := range launches {
		l := l
		s.grp.GoDetached("bgp.run."+l.tc.id, func(context.Context) error {
			s.runWorker(l)
			return nil
		})
	}
}

func (s *Supervisor) evalPredicate(id string, pred func() bool) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bgp.predicate.panic", logx.String("task", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in start predicate: %v", r)
		}
	}()
	return pred(), nil
}

func (s *Supervisor) runWorker(l launch) {
	id := l.tc.id
	s.log.Debug("bgp.task.started", logx.String("task", id))

	var runErr error
	var panicked bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				runErr = fmt.Errorf("panic: %v", r)
				s.log.Error("bgp.task.panic", logx.String("task", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		runErr = l.tc.work.Run(l.ctx)
	}()

	if !s.finish(l, runErr, panicked) {
		s.workers.Done()
	}
}

// finish applies the outcome of a run unless the run was abandoned, and
// reports whether it was.
func (s *Supervisor) finish(l launch, runErr error, panicked bool) (abandoned bool) {
	now := s.now()
	tc := l.tc

	s.mu.Lock()
	if tc.gen != l.gen || tc.done == nil {
		s.mu.Unlock()
		s.log.Debug("bgp.task.abandoned_run_returned", logx.String("task", tc.id), logx.Err(runErr))
		return true
	}
	s.running--
	tc.cancel()
	tc.cancel = nil
	close(tc.done)
	tc.done = nil

	tc.runCount++
	tc.lastRun = now
	tc.lastDuration = now.Sub(l.started)
	run := &RunResult{StartedAt: l.started, Duration: tc.lastDuration}

	switch {
	case tc.state == StateStopping:
		tc.setState(StateStopped)
		close(tc.settled)
		tc.settled = nil
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			run.Err = &ExecutionError{TaskID: tc.id, Err: runErr, Panic: panicked}
		}
	case runErr != nil:
		tc.err = runErr.Error()
		tc.setState(StateError)
		run.Err = &ExecutionError{TaskID: tc.id, Err: runErr, Panic: panicked}
	default:
		tc.err = ""
		if tc.sched.Kind == KindOnce {
			tc.setState(StateDone)
		} else {
			tc.setState(StateScheduled)
		}
	}
	if tc.removePending && tc.state.Terminal() {
		delete(s.tasks, tc.id)
	}
	tc.refreshNextRun(now)
	st := tc.state
	s.record(tc, st, run)
	s.mu.Unlock()
	s.flush()

	if run.Err != nil && st == StateError {
		s.log.Warn("bgp.task.failed", logx.String("task", tc.id), logx.Err(runErr), logx.Duration("took", run.Duration))
	} else {
		s.log.Debug("bgp.task.finished", logx.String("task", tc.id), logx.String("state", st.String()), logx.Duration("took", run.Duration))
	}
	return false
}

// awaitGrace abandons a Stopping run that did not return within grace.
func (s *Supervisor) awaitGrace(tc *taskContext, gen uint64, done <-chan struct{}, grace time.Duration) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}

	s.mu.Lock()
	if tc.gen != gen || tc.state != StateStopping {
		s.mu.Unlock()
		return
	}
	tc.gen++
	s.running--
	s.workers.Done()
	tc.cancel = nil
	tc.done = nil
	tc.setState(StateStopped)
	close(tc.settled)
	tc.settled = nil
	if tc.removePending {
		delete(s.tasks, tc.id)
	}
	tc.refreshNextRun(s.now())
	s.record(tc, StateStopped, nil)
	s.mu.Unlock()

	cte := &CancellationTimeoutError{TaskID: tc.id, Grace: grace}
	s.log.Warn("bgp.task.cancel_timeout", logx.String("task", tc.id), logx.Duration("grace", grace), logx.Err(cte))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeCancelTimeout, Data: cte})
	}
	s.flush()
}
