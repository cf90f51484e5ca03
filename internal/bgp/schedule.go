package bgp

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind tells the engine how to decide that a task is due.
type ScheduleKind int

const (
	KindOnce ScheduleKind = iota
	KindFixedPeriod
	KindDynamic
	KindCron
)

func (k ScheduleKind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindFixedPeriod:
		return "fixed_period"
	case KindDynamic:
		return "dynamic"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k ScheduleKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ScheduleKind) UnmarshalText(b []byte) error {
	for c := KindOnce; c <= KindCron; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown schedule kind %q", b)
}

// retryable schedules fall back from Error to Scheduled on the next tick.
func (k ScheduleKind) retryable() bool { return k != KindOnce }

// Schedule is the immutable description of when a task runs.
// Build one with Once, Every, Dynamic, Cron or ParseSchedule.
type Schedule struct {
	Kind ScheduleKind
	// Period is the minimum spacing between runs (KindFixedPeriod).
	Period time.Duration
	// ShouldStartNow is polled on every tick (KindDynamic).
	ShouldStartNow func() bool
	// Expr is a robfig/cron expression (KindCron).
	Expr string
	// AutoStart false registers the task as Stopped.
	AutoStart bool

	cron cron.Schedule
}

func Once() Schedule { return Schedule{Kind: KindOnce, AutoStart: true} }

func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindFixedPeriod, Period: d, AutoStart: true}
}

// Dynamic runs whenever pred returns true and the task is not already running.
// A nil pred is allowed when the work implements StartChecker.
func Dynamic(pred func() bool) Schedule {
	return Schedule{Kind: KindDynamic, ShouldStartNow: pred, AutoStart: true}
}

func Cron(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: strings.TrimSpace(expr), AutoStart: true}
}

// Paused returns a copy that registers in the Stopped state.
func (s Schedule) Paused() Schedule {
	s.AutoStart = false
	return s
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// compile validates the schedule and prepares the cron matcher.
func (s *Schedule) compile() error {
	switch s.Kind {
	case KindOnce:
	case KindFixedPeriod:
		if s.Period <= 0 {
			return fmt.Errorf("%w: period must be > 0, got %s", ErrInvalidSchedule, s.Period)
		}
	case KindDynamic:
		if s.ShouldStartNow == nil {
			return fmt.Errorf("%w: dynamic schedule needs a start predicate", ErrInvalidSchedule)
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("%w: cron expression required", ErrInvalidSchedule)
		}
		cs, err := cronParser.Parse(s.Expr)
		if err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.Expr, err)
		}
		s.cron = cs
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidSchedule, int(s.Kind))
	}
	return nil
}

// String renders the schedule in the form accepted by ParseSchedule.
func (s Schedule) String() string {
	switch s.Kind {
	case KindOnce:
		return "once"
	case KindFixedPeriod:
		return "every:" + s.Period.String()
	case KindCron:
		return "cron:" + s.Expr
	default:
		return s.Kind.String()
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses the textual schedule used in config files.
//
// Supported forms:
//   - "once"
//   - Cron: "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "30s", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30"
//
// "cron:" forces cron parsing; "interval:" or "every:" force interval parsing.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}
	low := strings.ToLower(s)

	var out Schedule
	switch {
	case low == "once":
		out = Once()
	case strings.HasPrefix(low, "cron:"):
		out = Cron(s[len("cron:"):])
	case strings.HasPrefix(low, "interval:"), strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[strings.IndexByte(s, ':')+1:])
		if err != nil {
			return Schedule{}, err
		}
		out = Every(d)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		out = Cron(s)
	default:
		d, err := parseInterval(s)
		if err != nil {
			return Schedule{}, fmt.Errorf(
				"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', a duration like '55m' or 'once')",
				ErrInvalidSchedule, raw,
			)
		}
		out = Every(d)
	}
	if err := out.compile(); err != nil {
		return Schedule{}, err
	}
	return out, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSchedule, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}
