// Package scripts runs operator-declared commands as background tasks and
// keeps the registered set in line with the config on every reload.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/config"
	"homebgp/pkg/logx"
)

const (
	// MinInterval is the shortest repeat period accepted for a script.
	MinInterval = time.Second

	outputTail = 4096
	waitDelay  = 2 * time.Second
)

// Script adapts one ScriptConfig to bgp.Work.
type Script struct {
	cfg config.ScriptConfig
	log logx.Logger
}

func NewScript(cfg config.ScriptConfig, log logx.Logger) *Script {
	return &Script{cfg: cfg, log: log}
}

// Run executes the command once. Cancelling ctx kills the process.
func (s *Script) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	cmd.WaitDelay = waitDelay
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if line := out.lastLine(); line != "" {
				return fmt.Errorf("exit status %d: %s", ee.ExitCode(), line)
			}
			return fmt.Errorf("exit status %d", ee.ExitCode())
		}
		return err
	}
	s.log.Debug("script.completed",
		logx.String("task", s.cfg.ID),
		logx.Duration("dur", time.Since(start)),
		logx.String("output", out.String()),
	)
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; !ok {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) lastLine() string {
	s := strings.TrimSpace(b.String())
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// Validate checks what config.Validate cannot: schedule syntax and the
// minimum repeat interval.
func Validate(list []config.ScriptConfig) error {
	var errs []error
	for i, sc := range list {
		path := fmt.Sprintf("scripts[%d]", i)
		sched, err := bgp.ParseSchedule(sc.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
			continue
		}
		if sched.Kind == bgp.KindFixedPeriod && sched.Period < MinInterval {
			errs = append(errs, fmt.Errorf("%s.schedule: interval %s is below the minimum %s", path, sched.Period, MinInterval))
		}
	}
	return errors.Join(errs...)
}

// Manager owns the script tasks registered in a Supervisor.
type Manager struct {
	sup *bgp.Supervisor
	log logx.Logger

	mu      sync.Mutex
	applied map[string]config.ScriptConfig
	handles map[string]*bgp.Handle
}

func NewManager(sup *bgp.Supervisor, log logx.Logger) *Manager {
	return &Manager{
		sup:     sup,
		log:     log,
		applied: map[string]config.ScriptConfig{},
		handles: map[string]*bgp.Handle{},
	}
}

// Reconcile registers, replaces and removes script tasks so the Supervisor
// matches list. Unchanged scripts keep running untouched. A script whose old
// run does not end within ctx is retried on the next call.
func (m *Manager) Reconcile(ctx context.Context, list []config.ScriptConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := make([]config.ScriptConfig, 0, len(m.applied))
	for _, sc := range m.applied {
		prev = append(prev, sc)
	}
	want := make(map[string]config.ScriptConfig, len(list))
	for _, sc := range list {
		sc.ID = strings.TrimSpace(sc.ID)
		want[sc.ID] = sc
	}

	var errs []error
	for _, id := range config.ChangedScripts(prev, list) {
		if h, ok := m.handles[id]; ok {
			if err := h.Unregister(ctx); err != nil && !errors.Is(err, bgp.ErrNotFound) {
				errs = append(errs, fmt.Errorf("script %q: %w", id, err))
				continue
			}
			delete(m.handles, id)
			delete(m.applied, id)
			m.log.Info("script.removed", logx.String("task", id))
		}
		sc, ok := want[id]
		if !ok {
			continue
		}
		h, err := m.register(sc)
		if err != nil {
			errs = append(errs, fmt.Errorf("script %q: %w", id, err))
			continue
		}
		m.handles[id] = h
		m.applied[id] = sc
		m.log.Info("script.registered", logx.String("task", id), logx.String("schedule", sc.Schedule), logx.Bool("disabled", sc.Disabled))
	}
	return errors.Join(errs...)
}

func (m *Manager) register(sc config.ScriptConfig) (*bgp.Handle, error) {
	sched, err := bgp.ParseSchedule(sc.Schedule)
	if err != nil {
		return nil, err
	}
	if sc.Disabled {
		sched = sched.Paused()
	}
	desc := sc.Description
	if desc == "" {
		desc = strings.TrimSpace(sc.Command + " " + strings.Join(sc.Args, " "))
	}
	return m.sup.Register(sc.ID, sched, NewScript(sc, m.log), bgp.Options{
		Description:   desc,
		Metadata:      map[string]string{"kind": "script", "command": sc.Command},
		HideOnUI:      sc.HideOnUI,
		CancelOnError: sc.CancelOnError,
		RunOnStart:    sc.RunOnStart,
		Timeout:       config.DurationOr(sc.Timeout, 0),
	})
}

// IDs lists the script tasks currently registered.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
