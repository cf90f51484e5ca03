package group

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	g := New(context.Background())
	g.Go0("boom", func(context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := g.Wait(ctx)
	if err == nil || err.Error() != "panic in boom: kaboom" {
		t.Fatalf("Wait err = %v", err)
	}
	snap := g.Snapshot()
	if len(snap.Routines) != 1 || snap.Routines[0].Panics != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	g := New(context.Background(), WithCancelOnError(true))
	g.Go("fails", func(context.Context) error { return errors.New("nope") })
	g.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err == nil || err.Error() != "fails: nope" {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	g := New(context.Background())
	var calls atomic.Int32
	g.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	g := New(context.Background())
	g.GoRestart("broken", func(context.Context) error { return errors.New("down") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatal("expected error after giving up")
	}
}

func TestStopBoundedByContext(t *testing.T) {
	t.Parallel()
	g := New(context.Background())
	release := make(chan struct{})
	defer close(release)
	g.Go0("stubborn", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v", err)
	}
	if c := g.Counters(); c.Active != 1 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestWaitSkipsDetached(t *testing.T) {
	t.Parallel()
	g := New(context.Background())
	release := make(chan struct{})
	defer close(release)
	g.GoDetached("stubborn", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop err = %v", err)
	}
	if c := g.Counters(); c.Active != 1 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}
