// Package metrics exposes background task activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homebgp/internal/bgp"
	"homebgp/internal/eventbus"
)

const namespace = "homebgp"

// Collector turns bgp events into metrics. It owns its registry so several
// instances (tests) never collide.
type Collector struct {
	reg *prometheus.Registry

	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	cancelTimeouts *prometheus.CounterVec
	tasks          *prometheus.GaugeVec

	mu     sync.Mutex
	states map[string]bgp.State
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Completed task runs by result (ok, error, stopped).",
		}, []string{"task", "result"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Duration of completed task runs.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions by target state.",
		}, []string{"state"}),
		cancelTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_cancel_timeouts_total",
			Help:      "Runs abandoned after ignoring cancellation for the grace period.",
		}, []string{"task"}),
		tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Registered tasks by current state.",
		}, []string{"state"}),
		states: map[string]bgp.State{},
	}
	for st := bgp.StateScheduled; st <= bgp.StateDone; st++ {
		c.tasks.WithLabelValues(st.String()).Set(0)
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe applies a single event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeStatus:
		ev, ok := e.Data.(bgp.StatusEvent)
		if !ok {
			return
		}
		c.observeStatus(ev)
	case eventbus.TypeCancelTimeout:
		var cte *bgp.CancellationTimeoutError
		if err, ok := e.Data.(error); ok && errors.As(err, &cte) {
			c.cancelTimeouts.WithLabelValues(cte.TaskID).Inc()
		}
	}
}

func (c *Collector) observeStatus(ev bgp.StatusEvent) {
	if !ev.Removed {
		c.transitions.WithLabelValues(ev.State.String()).Inc()
	}
	if run := ev.Run; run != nil {
		result := "ok"
		switch {
		case ev.State == bgp.StateStopped:
			result = "stopped"
		case run.Err != nil:
			result = "error"
		}
		c.runs.WithLabelValues(ev.ID, result).Inc()
		c.runDuration.WithLabelValues(ev.ID).Observe(run.Duration.Seconds())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.states[ev.ID]; ok {
		c.tasks.WithLabelValues(prev.String()).Dec()
	}
	if ev.Removed {
		delete(c.states, ev.ID)
		return
	}
	c.states[ev.ID] = ev.State
	c.tasks.WithLabelValues(ev.State.String()).Inc()
}
