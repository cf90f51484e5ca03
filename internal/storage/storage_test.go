package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"homebgp/internal/bgp"
	"homebgp/pkg/logx"
)

func openBoth(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"file": func() Store {
			return mustOpen(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")})
		},
		"sqlite": func() Store {
			return mustOpen(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")})
		},
	}
}

func mustOpen(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("disabled: %v %v", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			ctx := context.Background()
			at := time.UnixMilli(1_700_000_000_000)
			in := StatusRecord{ID: "ping-check", State: "scheduled", Schedule: "every:5s", RunCount: 2, LastRunAt: at, UpdatedAt: at, Metadata: map[string]string{"host": "1.1.1.1"}}
			if err := st.PutStatus(ctx, in); err != nil {
				t.Fatalf("PutStatus: %v", err)
			}
			in.State, in.Error = "error", "timeout"
			if err := st.PutStatus(ctx, in); err != nil {
				t.Fatalf("PutStatus update: %v", err)
			}
			if err := st.PutStatus(ctx, StatusRecord{ID: "alarm", State: "stopped", UpdatedAt: at}); err != nil {
				t.Fatal(err)
			}

			got, ok, err := st.GetStatus(ctx, "ping-check")
			if err != nil || !ok {
				t.Fatalf("GetStatus: %v %v", ok, err)
			}
			if got.State != "error" || got.Error != "timeout" || got.RunCount != 2 || got.Metadata["host"] != "1.1.1.1" || !got.LastRunAt.Equal(at) {
				t.Fatalf("unexpected %+v", got)
			}
			list, err := st.ListStatus(ctx)
			if err != nil || len(list) != 2 || list[0].ID != "alarm" || list[1].ID != "ping-check" {
				t.Fatalf("ListStatus = %+v, %v", list, err)
			}
			if err := st.DeleteStatus(ctx, "alarm"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := st.GetStatus(ctx, "alarm"); ok {
				t.Fatal("alarm should be deleted")
			}
		})
	}
}

func TestRunsNewestFirst(t *testing.T) {
	t.Parallel()
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			ctx := context.Background()
			base := time.Now().Truncate(time.Millisecond)
			for i := 0; i < 5; i++ {
				id, err := st.AppendRun(ctx, RunRecord{TaskID: "scan", StartedAt: base.Add(time.Duration(i) * time.Second), Duration: 150 * time.Millisecond, OK: i != 3})
				if err != nil || id == "" {
					t.Fatalf("AppendRun: %q %v", id, err)
				}
			}
			runs, err := st.RecentRuns(ctx, "scan", 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != 3 || !runs[0].StartedAt.Equal(base.Add(4*time.Second)) || runs[1].OK {
				t.Fatalf("unexpected runs %+v", runs)
			}
			if runs[0].Duration != 150*time.Millisecond {
				t.Fatalf("duration = %s", runs[0].Duration)
			}
			if other, _ := st.RecentRuns(ctx, "other", 3); len(other) != 0 {
				t.Fatalf("unexpected runs for other: %+v", other)
			}
		})
	}
}

func TestFileStoreReplaysAfterReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 2
	for _, id := range []string{"a", "b", "c"} {
		if err := st.PutStatus(ctx, StatusRecord{ID: id, State: "scheduled"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.DeleteStatus(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendRun(ctx, RunRecord{TaskID: "a", OK: true}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: no Close, so the journal tail is replayed.
	fs.mu.Lock()
	_ = fs.journal.Close()
	_ = fs.runsFile.Close()
	fs.journal, fs.runsFile = nil, nil
	fs.mu.Unlock()

	again := mustOpen(t, Config{Driver: "file", Path: path})
	list, _ := again.ListStatus(ctx)
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Fatalf("after reopen: %+v", list)
	}
	if runs, _ := again.RecentRuns(ctx, "a", 0); len(runs) != 1 || !runs[0].OK {
		t.Fatalf("runs after reopen: %+v", runs)
	}
}

func TestClosedFileStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.PutStatus(context.Background(), StatusRecord{ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecorderAppliesEvents(t *testing.T) {
	t.Parallel()
	st := mustOpen(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")})
	rec := NewRecorder(st, nil, logx.Nop())
	ctx := context.Background()
	now := time.Now()

	ev := bgp.StatusEvent{
		ID:       "scan-once",
		State:    bgp.StateError,
		Err:      "device unreachable",
		Snapshot: bgp.Snapshot{ID: "scan-once", State: bgp.StateError, Error: "device unreachable", RunCount: 1, LastRunAt: &now},
		Run:      &bgp.RunResult{StartedAt: now, Duration: time.Second, Err: &bgp.ExecutionError{TaskID: "scan-once", Err: errors.New("device unreachable")}},
	}
	if err := rec.Record(ctx, ev, now); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, ok, _ := st.GetStatus(ctx, "scan-once")
	if !ok || got.State != "error" || got.Error != "device unreachable" || got.RunCount != 1 {
		t.Fatalf("status = %+v", got)
	}
	runs, _ := st.RecentRuns(ctx, "scan-once", 1)
	if len(runs) != 1 || runs[0].OK || runs[0].Error != "device unreachable" {
		t.Fatalf("runs = %+v", runs)
	}

	ev.Removed = true
	ev.Run = nil
	if err := rec.Record(ctx, ev, now); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetStatus(ctx, "scan-once"); ok {
		t.Fatal("removed task should be deleted")
	}
}
