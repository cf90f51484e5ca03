package bgp

import (
	"context"
	"time"
)

// State is the lifecycle position of a task.
type State int

const (
	StateScheduled State = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
	StateDone
)

var stateNames = [...]string{"scheduled", "running", "stopping", "stopped", "error", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return ErrInvalidState
}

// Terminal states have no run in flight.
func (s State) Terminal() bool { return s == StateStopped || s == StateDone || s == StateError }

// Work is one unit of background work. Run must honour ctx cancellation to be
// stoppable within the grace period.
type Work interface {
	Run(ctx context.Context) error
}

type WorkFunc func(ctx context.Context) error

func (f WorkFunc) Run(ctx context.Context) error { return f(ctx) }

// StartChecker lets a Work supply the predicate of a Dynamic schedule.
type StartChecker interface {
	ShouldStartNow() bool
}

// Options are per-task knobs. The zero value is valid.
type Options struct {
	Description string
	Metadata    map[string]string

	// HideOnUI keeps the task out of List.
	HideOnUI bool
	// HideOnUIAfterStop hides the task once it reaches Stopped.
	HideOnUIAfterStop bool
	// CancelOnError keeps a periodic task in Error after a failure instead of
	// retrying on the next tick.
	CancelOnError bool
	// RunOnStart makes the first run happen on the first tick instead of after
	// one period (or the next cron slot).
	RunOnStart bool
	// Timeout bounds a single run; 0 means no deadline.
	Timeout time.Duration

	// OnStatusChange is called after every transition, in order, never while
	// the supervisor lock is held.
	OnStatusChange func(id string, state State, errMsg string)
	// OnError receives every failed run.
	OnError func(err *ExecutionError)
	// OnFinally runs after every completed run.
	OnFinally func()
}

// taskContext is the mutable bookkeeping of one registered task.
// All fields are guarded by Supervisor.mu.
type taskContext struct {
	id    string
	opts  Options
	meta  map[string]string
	sched Schedule
	work  Work

	state     State
	period    time.Duration
	createdAt time.Time

	// lastRun is the eligibility reference: registration, restart or the
	// completion of the latest run.
	lastRun      time.Time
	lastRunAt    time.Time
	lastDuration time.Duration
	runNow       bool

	runCount        uint64
	err             string
	nextRun         time.Time
	showOnUI        bool
	cancelRequested bool
	removePending   bool

	// gen changes whenever a run starts or is abandoned; a finishing worker
	// carrying a stale gen is ignored.
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	settled chan struct{}
}

func (tc *taskContext) retryable() bool {
	return tc.sched.Kind.retryable() && !tc.opts.CancelOnError
}

// eligible reports whether a Scheduled task is due at now. Dynamic
// predicates are evaluated outside the lock by the tick.
func (tc *taskContext) eligible(now time.Time) bool {
	if tc.runNow {
		return true
	}
	switch tc.sched.Kind {
	case KindOnce:
		return true
	case KindFixedPeriod:
		return !now.Before(tc.lastRun.Add(tc.period))
	case KindCron:
		return !now.Before(tc.sched.cron.Next(tc.lastRun))
	default:
		return false
	}
}

func (tc *taskContext) refreshNextRun(now time.Time) {
	tc.nextRun = time.Time{}
	waiting := tc.state == StateScheduled || (tc.state == StateError && tc.retryable() && !tc.cancelRequested)
	if !waiting {
		return
	}
	if tc.runNow {
		tc.nextRun = now
		return
	}
	switch tc.sched.Kind {
	case KindOnce:
		tc.nextRun = now
	case KindFixedPeriod:
		tc.nextRun = tc.lastRun.Add(tc.period)
	case KindCron:
		tc.nextRun = tc.sched.cron.Next(tc.lastRun)
	}
}

func (tc *taskContext) setState(st State) {
	tc.state = st
	if st == StateStopped && tc.opts.HideOnUIAfterStop {
		tc.showOnUI = false
	}
}
