package checks

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"homebgp/internal/bgp"
	"homebgp/pkg/logx"
	"homebgp/pkg/systemdmanager"
)

// UnitsTaskID is the task id of the systemd unit health check.
const UnitsTaskID = "systemd-units"

type UnitsConfig struct {
	Units    []string
	Interval time.Duration
	// AutoRestart restarts units that stay down for MinDown, backing off
	// exponentially between failed attempts.
	AutoRestart    bool
	MinDown        time.Duration
	RestartTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// AlertStreak is the failed-restart count that escalates to an error log
	// (and so to the alert sink).
	AlertStreak int
	OpTimeout   time.Duration
}

func (c UnitsConfig) withDefaults() UnitsConfig {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.Interval, 30*time.Second)
	def(&c.MinDown, 3*time.Second)
	def(&c.RestartTimeout, 15*time.Second)
	def(&c.BackoffBase, 5*time.Second)
	def(&c.BackoffMax, 5*time.Minute)
	def(&c.OpTimeout, 2*time.Second)
	if c.AlertStreak <= 0 {
		c.AlertStreak = 3
	}
	units := make([]string, 0, len(c.Units))
	for _, u := range c.Units {
		if u = strings.TrimSpace(u); u != "" {
			units = append(units, u)
		}
	}
	c.Units = units
	return c
}

// runTimeout leaves room for one restart per unit.
func (c UnitsConfig) runTimeout() time.Duration {
	d := time.Duration(max(1, len(c.Units)))*(c.RestartTimeout+c.OpTimeout) + 15*time.Second
	return min(max(d, 30*time.Second), 5*time.Minute)
}

// UnitManager is the part of *systemdmanager.Manager the check uses.
type UnitManager interface {
	Status(ctx context.Context, name string) (systemdmanager.UnitStatus, error)
	Restart(ctx context.Context, name string) error
}

type unitState struct {
	failStreak    int
	nextTry       time.Time
	missingWarned bool
}

// Units watches systemd units the hub depends on (broker, zigbee bridge, ...)
// and optionally restarts them.
type Units struct {
	log    logx.Logger
	mgr    UnitManager
	now    func() time.Time
	jitter func() float64

	mu     sync.Mutex
	cfg    UnitsConfig
	handle *bgp.Handle
	states map[string]*unitState
}

func NewUnits(cfg UnitsConfig, mgr UnitManager, log logx.Logger) *Units {
	return &Units{
		log:    log,
		mgr:    mgr,
		now:    time.Now,
		jitter: func() float64 { return 0.7 + rand.Float64()*0.6 },
		cfg:    cfg.withDefaults(),
		states: map[string]*unitState{},
	}
}

func metaKey(unit string) string { return "unit." + unit }

func (u *Units) Register(sup *bgp.Supervisor) (*bgp.Handle, error) {
	u.mu.Lock()
	cfg := u.cfg
	u.mu.Unlock()
	meta := map[string]string{"kind": "check"}
	for _, name := range cfg.Units {
		meta[metaKey(name)] = "unknown"
	}
	h, err := sup.Register(UnitsTaskID, bgp.Every(cfg.Interval), u, bgp.Options{
		Description: "systemd unit health",
		Metadata:    meta,
		RunOnStart:  true,
		Timeout:     cfg.runTimeout(),
	})
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.handle = h
	u.mu.Unlock()
	return h, nil
}

// Apply swaps the watched units and timings. State of units no longer
// watched is dropped together with their metadata. The per-run timeout is
// fixed at Register.
func (u *Units) Apply(cfg UnitsConfig) error {
	cfg = cfg.withDefaults()
	keep := make(map[string]bool, len(cfg.Units))
	for _, name := range cfg.Units {
		keep[name] = true
	}
	u.mu.Lock()
	var dropped []string
	for _, name := range u.cfg.Units {
		if !keep[name] {
			dropped = append(dropped, name)
			delete(u.states, name)
		}
	}
	u.cfg = cfg
	h := u.handle
	u.mu.Unlock()
	if h == nil {
		return nil
	}
	for _, name := range dropped {
		_ = h.SetMetadata(metaKey(name), "")
	}
	return h.SetPeriod(cfg.Interval)
}

func (u *Units) state(name string) *unitState {
	st, ok := u.states[name]
	if !ok {
		st = &unitState{}
		u.states[name] = st
	}
	return st
}

// Run checks every unit once. Down units are reported through metadata and
// logs; the run itself only fails when ctx ends.
func (u *Units) Run(ctx context.Context) error {
	u.mu.Lock()
	cfg := u.cfg
	h := u.handle
	u.mu.Unlock()

	var down []string
	for _, name := range cfg.Units {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := u.check(ctx, cfg, name)
		if h != nil {
			_ = h.SetMetadata(metaKey(name), label)
		}
		if label != "active" {
			down = append(down, name)
		}
	}
	if h != nil {
		sort.Strings(down)
		_ = h.SetMetadata("down", strings.Join(down, ","))
	}
	return nil
}

// check returns the metadata label for one unit and drives its recovery.
func (u *Units) check(ctx context.Context, cfg UnitsConfig, name string) string {
	sctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	st, err := u.mgr.Status(sctx, name)
	cancel()
	if err != nil {
		u.log.Debug("checks.units.status_failed", logx.String("unit", name), logx.Err(err))
		return "error"
	}

	u.mu.Lock()
	us := u.state(name)
	u.mu.Unlock()

	if st.Missing() {
		u.mu.Lock()
		warn := !us.missingWarned
		us.missingWarned = true
		u.mu.Unlock()
		if warn {
			u.log.Warn("checks.units.missing", logx.String("unit", name))
		}
		return "missing"
	}
	label := st.Active
	if st.SubState != "" {
		label += "/" + st.SubState
	}
	if st.IsActive() {
		u.mu.Lock()
		recovered := us.failStreak > 0
		*us = unitState{}
		u.mu.Unlock()
		if recovered {
			u.log.Info("checks.units.recovered", logx.String("unit", name))
		}
		return "active"
	}
	if !cfg.AutoRestart {
		return label
	}

	now := u.now()
	ds := st.DownSince()
	if ds.IsZero() {
		ds = now
	}
	downFor := now.Sub(ds)
	u.mu.Lock()
	nextTry := us.nextTry
	u.mu.Unlock()
	if downFor < cfg.MinDown || (!nextTry.IsZero() && now.Before(nextTry)) {
		return label
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.RestartTimeout)
	rerr := u.mgr.Restart(rctx, name)
	cancel()
	if rerr == nil {
		u.mu.Lock()
		*us = unitState{}
		u.mu.Unlock()
		u.log.Info("checks.units.restarted", logx.String("unit", name), logx.String("state", label), logx.Duration("down_for", downFor))
		return "restarted"
	}

	u.mu.Lock()
	us.failStreak++
	streak := us.failStreak
	backoff := cfg.BackoffBase
	if streak > 1 {
		backoff = cfg.BackoffBase << min(streak-1, 30)
	}
	if backoff <= 0 || backoff > cfg.BackoffMax {
		backoff = cfg.BackoffMax
	}
	next := now.Add(time.Duration(float64(backoff) * u.jitter()))
	us.nextTry = next
	u.mu.Unlock()

	fields := []logx.Field{
		logx.String("unit", name),
		logx.String("state", label),
		logx.Int("streak", streak),
		logx.Duration("down_for", downFor),
		logx.Time("next_try", next),
		logx.Err(rerr),
	}
	if streak == cfg.AlertStreak {
		u.log.Error("checks.units.recover_failed", fields...)
	} else {
		u.log.Warn("checks.units.restart_failed", fields...)
	}
	return label
}
