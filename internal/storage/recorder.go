package storage

import (
	"context"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/eventbus"
	"homebgp/pkg/logx"
)

// Recorder mirrors bgp.status events into a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log}
}

// Run consumes events until ctx is done. Store errors are logged, never fatal.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ev, isStatus := e.Data.(bgp.StatusEvent)
			if e.Type != eventbus.TypeStatus || !isStatus {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.Record(wctx, ev, e.Time); err != nil {
				r.log.Warn("storage.record_failed", logx.String("task", ev.ID), logx.Err(err))
			}
			cancel()
		}
	}
}

// Record applies a single status event.
func (r *Recorder) Record(ctx context.Context, ev bgp.StatusEvent, at time.Time) error {
	if ev.Removed {
		return r.store.DeleteStatus(ctx, ev.ID)
	}
	if ev.Run != nil {
		run := RunRecord{TaskID: ev.ID, StartedAt: ev.Run.StartedAt, Duration: ev.Run.Duration, OK: ev.Run.Err == nil}
		if ev.Run.Err != nil {
			run.Error = ev.Run.Err.Err.Error()
		}
		if _, err := r.store.AppendRun(ctx, run); err != nil {
			return err
		}
	}
	return r.store.PutStatus(ctx, FromSnapshot(ev.Snapshot, at))
}

func FromSnapshot(s bgp.Snapshot, at time.Time) StatusRecord {
	rec := StatusRecord{
		ID:          s.ID,
		Description: s.Description,
		State:       s.State.String(),
		Schedule:    s.Schedule,
		Error:       s.Error,
		RunCount:    s.RunCount,
		UpdatedAt:   at,
		Metadata:    s.Metadata,
	}
	if s.LastRunAt != nil {
		rec.LastRunAt = *s.LastRunAt
	}
	return rec
}
