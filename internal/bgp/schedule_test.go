package bgp

import (
	"errors"
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   ScheduleKind
		period time.Duration
		expr   string
	}{
		{name: "once", raw: "once", kind: KindOnce},
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, expr: "*/5 * * * *"},
		{name: "cron seconds", raw: "0 30 * * * *", kind: KindCron, expr: "0 30 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, expr: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, expr: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: KindFixedPeriod, period: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindFixedPeriod, period: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:50", kind: KindFixedPeriod, period: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindFixedPeriod, period: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Period != tt.period || got.Expr != tt.expr {
				t.Fatalf("got period %v expr %q", got.Period, got.Expr)
			}
			if !got.AutoStart {
				t.Fatal("parsed schedules auto start")
			}
			again, err := ParseSchedule(got.String())
			if err != nil || again.Kind != got.Kind || again.Period != got.Period || again.Expr != got.Expr {
				t.Fatalf("String() %q does not round trip: %+v, %v", got.String(), again, err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5s", "00:00", "01:75", "cron:", "cron:99 * * * *", "every:"} {
		if _, err := ParseSchedule(raw); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("ParseSchedule(%q) err = %v, want ErrInvalidSchedule", raw, err)
		}
	}
}

func TestStateText(t *testing.T) {
	t.Parallel()
	for st := StateScheduled; st <= StateDone; st++ {
		b, _ := st.MarshalText()
		var back State
		if err := back.UnmarshalText(b); err != nil || back != st {
			t.Fatalf("state %s: got %s, %v", st, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("sleeping")); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
