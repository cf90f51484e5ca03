package bgp

import "time"

// Snapshot is the read-only view of a task shown by the console, stored and
// published. JSON names follow the console columns.
type Snapshot struct {
	ID             string            `json:"id"`
	Description    string            `json:"description,omitempty"`
	State          State             `json:"state"`
	ScheduleType   ScheduleKind      `json:"schedule_type"`
	Schedule       string            `json:"schedule"`
	Period         time.Duration     `json:"-"`
	PeriodSeconds  int64             `json:"period_seconds"`
	CreationTime   time.Time         `json:"creation_time"`
	RunCount       uint64            `json:"run_count"`
	Error          string            `json:"error,omitempty"`
	NextRun        *time.Time        `json:"next_run,omitempty"`
	LastRunAt      *time.Time        `json:"last_run_at,omitempty"`
	LastDuration   time.Duration     `json:"-"`
	LastDurationMS int64             `json:"last_duration_ms"`
	Hidden         bool              `json:"hidden,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TimeToNext is the estimated wait before the next run; 0 when unknown or due.
func (s Snapshot) TimeToNext(now time.Time) time.Duration {
	if s.NextRun == nil {
		return 0
	}
	return max(0, s.NextRun.Sub(now))
}

// project copies tc into a Snapshot. Callers hold at least the read lock.
func project(tc *taskContext) Snapshot {
	s := Snapshot{
		ID:             tc.id,
		Description:    tc.opts.Description,
		State:          tc.state,
		ScheduleType:   tc.sched.Kind,
		Schedule:       tc.sched.String(),
		Period:         tc.period,
		PeriodSeconds:  int64(tc.period / time.Second),
		CreationTime:   tc.createdAt,
		RunCount:       tc.runCount,
		Error:          tc.err,
		LastDuration:   tc.lastDuration,
		LastDurationMS: tc.lastDuration.Milliseconds(),
		Hidden:         !tc.showOnUI,
	}
	if tc.sched.Kind == KindFixedPeriod {
		s.Schedule = "every:" + tc.period.String()
	}
	if !tc.nextRun.IsZero() {
		t := tc.nextRun
		s.NextRun = &t
	}
	if !tc.lastRunAt.IsZero() {
		t := tc.lastRunAt
		s.LastRunAt = &t
	}
	if len(tc.meta) > 0 {
		s.Metadata = make(map[string]string, len(tc.meta))
		for k, v := range tc.meta {
			s.Metadata[k] = v
		}
	}
	return s
}
