// Package recurrence translates structured interval settings into a 5-field
// cron expression and computes the next run time from the same settings.
//
// The expression is stored for display and for parsing legacy records. The
// next-run calculation never re-parses it: Schedule builds an equivalent
// cron.SpecSchedule directly from the fields.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec is returned by Validate and ParseKind.
var ErrInvalidSpec = errors.New("invalid recurrence")

type Kind string

const (
	KindMinutes Kind = "minutes"
	KindHourly  Kind = "hourly"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindCustom  Kind = "custom"
)

// Kinds lists every accepted interval kind.
var Kinds = []Kind{KindMinutes, KindHourly, KindDaily, KindWeekly, KindMonthly, KindCustom}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Kinds {
		if k == v {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidSpec, "unknown interval %q", s)
}

const (
	defaultMinuteStep = 5
	maxMinuteStep     = 59
	maxHourStep       = 23

	defaultDailyHour   = 1
	defaultWeeklyHour  = 3
	defaultMonthlyHour = 2
	defaultWeekday     = 0
	defaultMonthDay    = 1
)

// Spec is the structured form of a schedule's recurrence.
// Nil fields take the per-kind defaults.
type Spec struct {
	Kind           Kind
	CustomInterval *int
	Hour           *int
	Minute         *int
	DayOfWeek      *int
	DayOfMonth     *int
}

func (s Spec) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	checks := []struct {
		name     string
		v        *int
		min, max int
	}{
		{"customInterval", s.CustomInterval, 1, 1440},
		{"hour", s.Hour, 0, 23},
		{"minute", s.Minute, 0, 59},
		{"dayOfWeek", s.DayOfWeek, 0, 6},
		{"dayOfMonth", s.DayOfMonth, 1, 31},
	}
	for _, c := range checks {
		if c.v == nil {
			continue
		}
		if *c.v < c.min || *c.v > c.max {
			return errors.Wrapf(ErrInvalidSpec, "%s must be between %d and %d, got %d", c.name, c.min, c.max, *c.v)
		}
	}
	return nil
}

// Expression renders the 5-field cron expression (minute hour dom month dow).
// It is pure: equal specs always yield equal strings.
func (s Spec) Expression() string {
	switch s.Kind {
	case KindMinutes:
		return fmt.Sprintf("*/%d * * * *", s.minuteStep())
	case KindHourly:
		if s.CustomInterval == nil {
			return "0 * * * *"
		}
		return fmt.Sprintf("0 */%d * * *", s.hourStep())
	case KindWeekly:
		return fmt.Sprintf("%d %d * * %d", s.minute(), or(s.Hour, defaultWeeklyHour), or(s.DayOfWeek, defaultWeekday))
	case KindMonthly:
		return fmt.Sprintf("%d %d %d * *", s.minute(), or(s.Hour, defaultMonthlyHour), or(s.DayOfMonth, defaultMonthDay))
	case KindCustom:
		if s.CustomInterval != nil {
			return fmt.Sprintf("*/%d * * * *", s.minuteStep())
		}
	}
	return fmt.Sprintf("%d %d * * *", s.minute(), or(s.Hour, defaultDailyHour))
}

// Schedule returns a UTC cron schedule equivalent to Expression().
func (s Spec) Schedule() cron.Schedule {
	sched := &cron.SpecSchedule{
		Second:   1 << 0,
		Minute:   bits(0, 59, 1),
		Hour:     all(0, 23),
		Dom:      all(1, 31),
		Month:    all(1, 12),
		Dow:      all(0, 6),
		Location: time.UTC,
	}
	switch s.Kind {
	case KindMinutes:
		sched.Minute = bits(0, 59, s.minuteStep())
	case KindHourly:
		sched.Minute = 1 << 0
		if s.CustomInterval != nil {
			sched.Hour = bits(0, 23, s.hourStep())
		}
	case KindWeekly:
		sched.Minute = 1 << uint(s.minute())
		sched.Hour = 1 << uint(or(s.Hour, defaultWeeklyHour))
		sched.Dow = 1 << uint(or(s.DayOfWeek, defaultWeekday))
	case KindMonthly:
		sched.Minute = 1 << uint(s.minute())
		sched.Hour = 1 << uint(or(s.Hour, defaultMonthlyHour))
		sched.Dom = 1 << uint(or(s.DayOfMonth, defaultMonthDay))
	case KindCustom:
		if s.CustomInterval != nil {
			sched.Minute = bits(0, 59, s.minuteStep())
			break
		}
		fallthrough
	default:
		sched.Minute = 1 << uint(s.minute())
		sched.Hour = 1 << uint(or(s.Hour, defaultDailyHour))
	}
	return sched
}

// Next returns the first firing strictly after now, in UTC.
func (s Spec) Next(now time.Time) time.Time {
	return s.Schedule().Next(now.UTC())
}

// NextFromExpression computes the next firing for a stored expression. It is
// only used for records that predate structured fields; an unparseable
// expression yields the same time tomorrow.
func NextFromExpression(expr string, now time.Time) time.Time {
	now = now.UTC()
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = time.UTC
	}
	next := sched.Next(now)
	if next.IsZero() {
		return now.Add(24 * time.Hour)
	}
	return next
}

func (s Spec) minuteStep() int {
	if s.CustomInterval == nil {
		return defaultMinuteStep
	}
	return min(*s.CustomInterval, maxMinuteStep)
}

func (s Spec) hourStep() int {
	if s.CustomInterval == nil {
		return 1
	}
	return min(*s.CustomInterval, maxHourStep)
}

func (s Spec) minute() int { return or(s.Minute, 0) }

func or(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// starBit mirrors the cron parser's marker for a "*" field. Dom and Dow carry
// it so day matching uses AND semantics like a parsed "* * *" does.
const starBit = 1 << 63

func bits(lo, hi, step int) uint64 {
	if step < 1 {
		step = 1
	}
	var b uint64
	for i := lo; i <= hi; i += step {
		b |= 1 << uint(i)
	}
	return b
}

func all(lo, hi int) uint64 { return bits(lo, hi, 1) | starBit }

// Int returns a pointer to v. Handy when building specs in code.
func Int(v int) *int { return &v }
