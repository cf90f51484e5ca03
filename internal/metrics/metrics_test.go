package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/eventbus"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	b, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func status(id string, st bgp.State, run *bgp.RunResult) eventbus.Event {
	return eventbus.Event{Type: eventbus.TypeStatus, Data: bgp.StatusEvent{ID: id, State: st, Run: run}}
}

func TestCollectorCountsRunsAndStates(t *testing.T) {
	t.Parallel()
	c := New()
	c.Observe(status("scan", bgp.StateScheduled, nil))
	c.Observe(status("scan", bgp.StateRunning, nil))
	c.Observe(status("scan", bgp.StateError, &bgp.RunResult{Duration: 2 * time.Second, Err: &bgp.ExecutionError{TaskID: "scan", Err: errors.New("device unreachable")}}))
	c.Observe(status("ping", bgp.StateScheduled, nil))
	c.Observe(status("ping", bgp.StateRunning, nil))
	c.Observe(status("ping", bgp.StateScheduled, &bgp.RunResult{Duration: 10 * time.Millisecond}))
	c.Observe(eventbus.Event{Type: eventbus.TypeCancelTimeout, Data: &bgp.CancellationTimeoutError{TaskID: "tunnel", Grace: time.Second}})

	body := scrape(t, c)
	for _, want := range []string{
		`homebgp_task_runs_total{result="error",task="scan"} 1`,
		`homebgp_task_runs_total{result="ok",task="ping"} 1`,
		`homebgp_tasks{state="error"} 1`,
		`homebgp_tasks{state="scheduled"} 1`,
		`homebgp_tasks{state="running"} 0`,
		`homebgp_task_cancel_timeouts_total{task="tunnel"} 1`,
		`homebgp_task_run_duration_seconds_count{task="scan"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q\n%s", want, body)
		}
	}
}

func TestCollectorForgetsRemovedTasks(t *testing.T) {
	t.Parallel()
	c := New()
	c.Observe(status("old", bgp.StateScheduled, nil))
	c.Observe(status("old", bgp.StateStopped, nil))
	c.Observe(eventbus.Event{Type: eventbus.TypeStatus, Data: bgp.StatusEvent{ID: "old", State: bgp.StateStopped, Removed: true}})

	body := scrape(t, c)
	if !strings.Contains(body, `homebgp_tasks{state="stopped"} 0`) {
		t.Fatalf("removed task still counted\n%s", body)
	}
}
