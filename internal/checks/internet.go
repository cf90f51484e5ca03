// Package checks hosts built-in health checks that run as background tasks.
package checks

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/eventbus"
	"homebgp/pkg/logx"
)

// InternetTaskID is the task id of the reachability check.
const InternetTaskID = "internet-test"

var defaultTargets = []string{"1.1.1.1:53", "8.8.8.8:53"}

type InternetConfig struct {
	Targets  []string
	Interval time.Duration
	Timeout  time.Duration
}

func (c InternetConfig) withDefaults() InternetConfig {
	if len(c.Targets) == 0 {
		c.Targets = defaultTargets
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// InternetStatus is published on eventbus.TypeInternet when reachability flips.
type InternetStatus struct {
	Up      bool          `json:"up"`
	Target  string        `json:"target,omitempty"`
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Internet checks reachability by TCP-dialing targets in order; the first
// success counts as up.
type Internet struct {
	log  logx.Logger
	bus  eventbus.Bus
	dial dialFunc

	mu        sync.Mutex
	cfg       InternetConfig
	handle    *bgp.Handle
	known     bool
	last      InternetStatus
	listeners map[string]func()
}

func NewInternet(cfg InternetConfig, bus eventbus.Bus, log logx.Logger) *Internet {
	d := &net.Dialer{}
	return &Internet{
		log:       log,
		bus:       bus,
		dial:      d.DialContext,
		cfg:       cfg.withDefaults(),
		listeners: map[string]func(){},
	}
}

// Register adds the check to sup. It runs on the first tick, then every interval.
func (c *Internet) Register(sup *bgp.Supervisor) (*bgp.Handle, error) {
	c.mu.Lock()
	every := c.cfg.Interval
	c.mu.Unlock()
	h, err := sup.Register(InternetTaskID, bgp.Every(every), c, bgp.Options{
		Description: "Internet availability",
		Metadata:    map[string]string{"internet": "unknown"},
		RunOnStart:  true,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
	return h, nil
}

// Apply updates targets, interval and timeout of a registered check.
func (c *Internet) Apply(cfg InternetConfig) error {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.SetPeriod(cfg.Interval)
}

// Status returns the last check result and whether any check completed.
func (c *Internet) Status() (InternetStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.known
}

// RunOnceOnUp calls fn after the next check that finds the internet up,
// then forgets it. A later call with the same name replaces fn.
func (c *Internet) RunOnceOnUp(name string, fn func()) {
	c.mu.Lock()
	c.listeners[name] = fn
	c.mu.Unlock()
}

// Run performs one check.
func (c *Internet) Run(ctx context.Context) error {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	st := InternetStatus{At: time.Now()}
	for _, target := range cfg.Targets {
		dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		start := time.Now()
		conn, err := c.dial(dctx, "tcp", target)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Trace("checks.internet.dial_failed", logx.String("target", target), logx.Err(err))
			continue
		}
		_ = conn.Close()
		st.Up, st.Target, st.Latency = true, target, time.Since(start)
		break
	}
	c.record(st)
	return nil
}

func (c *Internet) record(st InternetStatus) {
	c.mu.Lock()
	changed := !c.known || c.last.Up != st.Up
	c.known, c.last = true, st
	h := c.handle
	var fire []func()
	if st.Up {
		for name, fn := range c.listeners {
			fire = append(fire, fn)
			delete(c.listeners, name)
		}
	}
	c.mu.Unlock()

	if h != nil {
		state := "down"
		if st.Up {
			state = "up"
		}
		_ = h.SetMetadata("internet", state)
		_ = h.SetMetadata("target", st.Target)
		latency := ""
		if st.Up {
			latency = strconv.FormatInt(st.Latency.Milliseconds(), 10)
		}
		_ = h.SetMetadata("latency_ms", latency)
	}

	if changed {
		if st.Up {
			c.log.Info("checks.internet.up", logx.String("target", st.Target), logx.Duration("latency", st.Latency))
		} else {
			c.log.Warn("checks.internet.down")
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeInternet, Time: st.At, Data: st})
		}
	}
	for _, fn := range fire {
		c.safeCall(fn)
	}
}

func (c *Internet) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("checks.internet.listener_panic", logx.Any("panic", r))
		}
	}()
	fn()
}
