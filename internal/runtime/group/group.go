// Package group runs named goroutines bound to a shared context.
//
// Every goroutine is panic-safe, accounted for in per-name stats and joined by
// Wait. GoRestart hosts long-running loops that should self-heal.
package group

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"homebgp/pkg/logx"
)

type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // error

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*routineStats
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option { return func(g *Group) { g.log = log } }

// WithCancelOnError cancels the group context on the first non-nil error or panic.
func WithCancelOnError(enabled bool) Option {
	return func(g *Group) { g.cancelOnErr = enabled }
}

type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// RoutineStats aggregates every goroutine started under the same name.
type RoutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Counters   Counters       `json:"counters"`
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

type routineStats struct {
	RoutineStats
}

func New(parent context.Context, opts ...Option) *Group {
	ctx, cancel := context.WithCancel(parent)
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*routineStats{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Cancel cancels the group context without waiting.
func (g *Group) Cancel() { g.cancel() }

// Err returns the first error recorded by the group, if any.
func (g *Group) Err() error {
	if err, ok := g.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (g *Group) Counters() Counters {
	if g == nil {
		return Counters{}
	}
	return Counters{Active: g.active.Load(), Started: g.started.Load()}
}

// Snapshot is for observability only.
func (g *Group) Snapshot() Snapshot {
	if g == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: g.Counters()}
	if err := g.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	g.mu.Lock()
	rs := make([]RoutineStats, 0, len(g.stats))
	for _, st := range g.stats {
		rs = append(rs, st.RoutineStats)
	}
	g.mu.Unlock()
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Active != rs[j].Active {
			return rs[i].Active > rs[j].Active
		}
		return rs[i].Name < rs[j].Name
	})
	snap.Routines = rs
	return snap
}

func (g *Group) stat(name string) *routineStats {
	st := g.stats[name]
	if st == nil {
		st = &routineStats{RoutineStats: RoutineStats{Name: name}}
		g.stats[name] = st
	}
	return st
}

func (g *Group) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	g.mu.Unlock()
	return now
}

func (g *Group) noteStop(name string, startedAt time.Time, err error, pan any) {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	if pan != nil {
		st.Panics++
		st.LastPanic = fmt.Sprint(pan)
	}
	g.mu.Unlock()
}

// Go runs fn in a new goroutine with the group context.
// Errors other than context.Canceled are recorded (and cancel the group when
// WithCancelOnError is set).
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.spawn(name, fn, true)
}

// GoDetached is Go for goroutines that Wait does not join. They still get the
// group context, panic recovery and stats.
func (g *Group) GoDetached(name string, fn func(ctx context.Context) error) {
	g.spawn(name, fn, false)
}

func (g *Group) spawn(name string, fn func(ctx context.Context) error, joined bool) {
	if fn == nil {
		return
	}
	g.started.Add(1)
	g.active.Add(1)
	if joined {
		g.wg.Add(1)
	}
	go func() {
		if joined {
			defer g.wg.Done()
		}
		defer g.active.Add(-1)

		startedAt := g.noteStart(name, false)
		err, pan, stack := call(g.ctx, fn)
		if pan != nil {
			g.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
			err = fmt.Errorf("panic in %s: %v", name, pan)
		} else if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
		} else {
			err = nil
		}
		g.noteStop(name, startedAt, err, pan)
		if err != nil {
			g.fail(err)
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (g *Group) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	g.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts bounds the restarts after the initial run; <=0 is unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff. A nil return or context cancellation ends the loop.
func (g *Group) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	g.Go0(name+".loop", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := g.noteStart(name, restarts > 0)
			err, pan, stack := call(ctx, fn)
			if pan != nil {
				g.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				g.noteStop(name, startedAt, nil, pan)
				return
			}
			g.noteStop(name, startedAt, err, pan)

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				g.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				g.fail(fmt.Errorf("%s: %w", name, err))
				return
			}

			wait := min(backoff, cfg.maxBackoff)
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(rand.Int64N(j + 1))
			}
			g.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Stop cancels the group and waits for every goroutine, bounded by ctx.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	return g.Wait(ctx)
}

// Wait blocks until all goroutines returned or ctx is done. Goroutines that
// ignore cancellation keep running after Wait gives up.
func (g *Group) Wait(ctx context.Context) error {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.doneCh:
		return g.Err()
	}
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() { g.firstErr.Store(err) })
	if g.cancelOnErr {
		g.cancel()
	}
}

func call(ctx context.Context, fn func(ctx context.Context) error) (err error, pan any, stack string) {
	defer func() {
		if r := recover(); r != nil {
			pan = r
			stack = string(debug.Stack())
		}
	}()
	err = fn(ctx)
	return
}
