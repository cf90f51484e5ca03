package bgp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"homebgp/internal/eventbus"
	"homebgp/internal/runtime/group"
	"homebgp/pkg/logx"
)

const (
	DefaultTickInterval = time.Second
	DefaultGracePeriod  = 5 * time.Second
	DefaultMaxWorkers   = 64
)

type Config struct {
	TickInterval time.Duration
	GracePeriod  time.Duration
	// MaxWorkers bounds concurrently running tasks. A due task that finds no
	// free slot stays Scheduled and is retried on the next tick.
	MaxWorkers int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	return c
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithBus publishes bgp.status and bgp.cancel_timeout events.
func WithBus(bus eventbus.Bus) Option { return func(s *Supervisor) { s.bus = bus } }

// WithClock replaces time.Now. The monotonic reading is always stripped.
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.clock = now } }

// Supervisor is the registry of background tasks and the engine that runs them.
// It is safe for concurrent use.
type Supervisor struct {
	log   logx.Logger
	bus   eventbus.Bus
	clock func() time.Time
	grp   *group.Group
	// workers joins runs that were not abandoned; abandoned ones leak freely.
	workers sync.WaitGroup

	mu       sync.RWMutex
	cfg      Config
	tasks    map[string]*taskContext
	running  int
	closed   bool
	pending  []transition
	draining bool
	reset    chan struct{}
}

func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:   cfg.withDefaults(),
		clock: time.Now,
		tasks: map[string]*taskContext{},
		reset: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.grp = group.New(context.Background(), group.WithLogger(s.log))
	return s
}

// now is the wall-clock time used for every eligibility decision.
func (s *Supervisor) now() time.Time { return s.clock().Round(0) }

// Apply updates tick interval, grace period and worker bound at runtime.
func (s *Supervisor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	changed := cfg.TickInterval != s.cfg.TickInterval
	s.cfg = cfg
	s.mu.Unlock()
	if changed {
		select {
		case s.reset <- struct{}{}:
		default:
		}
	}
}

func (s *Supervisor) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Config returns the effective configuration, defaults applied.
func (s *Supervisor) Config() Config { return s.config() }

// Start launches the tick loop. It returns immediately; the loop ends when ctx
// is done or Close is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.grp.Go0("bgp.tick", func(gctx context.Context) {
		t := time.NewTimer(s.config().TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-gctx.Done():
				return
			case <-s.reset:
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
			case <-t.C:
				s.tick(s.now())
			}
			t.Reset(s.config().TickInterval)
		}
	})
	s.log.Info("bgp.started", logx.Duration("tick", s.config().TickInterval), logx.Int("max_workers", s.config().MaxWorkers))
}

// Close stops every task, waits for them within ctx and ends the tick loop.
// Work that ignores cancellation is abandoned after the grace period and is
// not waited for.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	waits := make([]<-chan struct{}, 0)
	for _, tc := range s.tasks {
		if ch := s.stopLocked(tc, s.now()); ch != nil {
			waits = append(waits, ch)
		}
	}
	s.mu.Unlock()
	s.flush()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			s.grp.Cancel()
			return ctx.Err()
		}
	}
	if err := s.grp.Stop(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("bgp.stopped")
	return nil
}

// Runtime exposes goroutine stats of the tick loop and workers.
func (s *Supervisor) Runtime() group.Snapshot { return s.grp.Snapshot() }

// Register adds a task. It starts in Scheduled, or Stopped when the schedule
// is Paused.
func (s *Supervisor) Register(id string, sched Schedule, work Work, opts Options) (*Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrInvalidArgument)
	}
	if work == nil {
		return nil, fmt.Errorf("%w: task %q has no work", ErrInvalidArgument, id)
	}
	if sched.Kind == KindDynamic && sched.ShouldStartNow == nil {
		if sc, ok := work.(StartChecker); ok {
			sched.ShouldStartNow = sc.ShouldStartNow
		}
	}
	if err := sched.compile(); err != nil {
		return nil, fmt.Errorf("task %q: %w", id, err)
	}

	now := s.now()
	tc := &taskContext{
		id:        id,
		opts:      opts,
		meta:      copyMeta(opts.Metadata),
		sched:     sched,
		work:      work,
		period:    sched.Period,
		createdAt: now,
		lastRun:   now,
		runNow:    opts.RunOnStart,
		showOnUI:  !opts.HideOnUI,
		state:     StateScheduled,
	}
	if !sched.AutoStart {
		tc.state = StateStopped
		tc.cancelRequested = true
	}
	tc.refreshNextRun(now)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, id)
	}
	s.tasks[id] = tc
	s.record(tc, tc.state, nil)
	s.mu.Unlock()
	s.flush()

	s.log.Debug("bgp.task.registered", logx.String("task", id), logx.String("schedule", sched.String()), logx.String("state", tc.state.String()))
	return &Handle{s: s, id: id}, nil
}

// Unregister stops the task and removes it once no run is in flight. When ctx
// ends first the removal stays queued and happens when the run finishes.
func (s *Supervisor) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	tc, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	tc.removePending = true
	settled := s.stopLocked(tc, s.now())
	if settled == nil {
		delete(s.tasks, id)
		s.record(tc, tc.state, nil)
		s.pending[len(s.pending)-1].removal = true
	}
	s.mu.Unlock()
	s.flush()

	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Debug("bgp.task.unregistered", logx.String("task", id))
	return nil
}

// Stop requests cancellation and waits until the task is Stopped or ctx ends.
// Stopping a Stopped or Done task is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	tc, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	settled := s.stopLocked(tc, s.now())
	s.mu.Unlock()
	s.flush()

	if settled == nil {
		return nil
	}
	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopLocked moves tc towards Stopped and returns a channel closed once it got
// there, or nil when it already is.
func (s *Supervisor) stopLocked(tc *taskContext, now time.Time) <-chan struct{} {
	tc.cancelRequested = true
	switch tc.state {
	case StateRunning:
		tc.setState(StateStopping)
		tc.settled = make(chan struct{})
		tc.refreshNextRun(now)
		if tc.cancel != nil {
			tc.cancel()
		}
		s.record(tc, StateStopping, nil)
		gen, done, grace := tc.gen, tc.done, s.cfg.GracePeriod
		s.grp.Go0("bgp.grace."+tc.id, func(context.Context) { s.awaitGrace(tc, gen, done, grace) })
		return tc.settled
	case StateStopping:
		return tc.settled
	case StateScheduled, StateError:
		tc.setState(StateStopped)
		tc.refreshNextRun(now)
		s.record(tc, StateStopped, nil)
	}
	return nil
}

// Restart re-enters Scheduled from Stopped or Error, clearing the error.
func (s *Supervisor) Restart(id string) error {
	s.mu.Lock()
	tc, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if tc.state != StateStopped && tc.state != StateError {
		st := tc.state
		s.mu.Unlock()
		return fmt.Errorf("%w: task %q is %s", ErrInvalidState, id, st)
	}
	now := s.now()
	tc.err = ""
	tc.cancelRequested = false
	tc.lastRun = now
	tc.showOnUI = !tc.opts.HideOnUI
	tc.setState(StateScheduled)
	tc.refreshNextRun(now)
	s.record(tc, StateScheduled, nil)
	s.mu.Unlock()
	s.flush()

	s.log.Info("bgp.task.restarted", logx.String("task", id))
	return nil
}

// List returns the tasks visible on the UI, ordered by id.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.tasks))
	for _, tc := range s.tasks {
		if tc.showOnUI {
			out = append(out, project(tc))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns any task, hidden ones included.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.tasks[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return project(tc), nil
}

// IDs returns every registered id, hidden tasks included.
func (s *Supervisor) IDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Supervisor) setPeriod(id string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: period must be > 0, got %s", ErrInvalidSchedule, d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if tc.sched.Kind != KindFixedPeriod {
		return fmt.Errorf("%w: task %q has a %s schedule", ErrInvalidSchedule, id, tc.sched.Kind)
	}
	tc.period = d
	tc.refreshNextRun(s.now())
	return nil
}

func (s *Supervisor) setMetadata(id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if tc.meta == nil {
		tc.meta = map[string]string{}
	}
	if value == "" {
		delete(tc.meta, key)
	} else {
		tc.meta[key] = value
	}
	return nil
}

// Handle is returned by Register and addresses one task.
type Handle struct {
	s  *Supervisor
	id string
}

func (h *Handle) ID() string                           { return h.id }
func (h *Handle) Stop(ctx context.Context) error       { return h.s.Stop(ctx, h.id) }
func (h *Handle) Restart() error                       { return h.s.Restart(h.id) }
func (h *Handle) Snapshot() (Snapshot, error)          { return h.s.Get(h.id) }
func (h *Handle) Unregister(ctx context.Context) error { return h.s.Unregister(ctx, h.id) }

// SetPeriod changes the spacing of a FixedPeriod task; it applies to the next
// eligibility check.
func (h *Handle) SetPeriod(d time.Duration) error { return h.s.setPeriod(h.id, d) }

// SetMetadata sets (or, with an empty value, deletes) one metadata entry.
func (h *Handle) SetMetadata(key, value string) error { return h.s.setMetadata(h.id, key, value) }

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
