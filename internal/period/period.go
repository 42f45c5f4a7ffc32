package period

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Period is one recurrence window of a task
type Period struct {
	// Key identifies the period: {task id}:{window start in the granularity's format}
	Key string
	// WindowStart is inclusive, WindowEnd exclusive (both UTC)
	WindowStart time.Time
	WindowEnd   time.Time
	// DueAt is when the reminder should be sent (UTC)
	DueAt time.Time
}

// Resolve returns the period of t that contains ref.
//
// ref is converted into loc before the rule is applied, so window boundaries
// follow the owner's wall clock (DST included). Monthly rules anchor on the
// anchor's day of month, clamped to the last day of shorter months.
func Resolve(t *task.Task, ref time.Time, loc *time.Location) (Period, error) {
	rule, err := ParseRule(t.Rule)
	if err != nil {
		return Period{}, err
	}
	return ResolveRule(t, rule, ref, loc)
}

// ResolveRule is Resolve with an already parsed rule
func ResolveRule(t *task.Task, rule Rule, ref time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	if ref.Before(t.Anchor) {
		return Period{}, &apperrors.ClockSkewError{TaskID: t.ID, Reference: ref, Anchor: t.Anchor}
	}

	anchor := t.Anchor.In(loc)
	local := ref.In(loc)

	var start, end time.Time
	switch rule.Granularity {
	case Daily:
		start, end = dailyWindow(anchor, local)
	case Weekly:
		start, end = weeklyWindow(anchor, local)
	case Monthly:
		start, end = monthlyWindow(anchor, local)
	case Custom:
		start, end = cronWindow(rule.schedule, anchor, local)
	default:
		return Period{}, &apperrors.InvalidRuleError{Rule: t.Rule, Reason: "unknown granularity"}
	}

	due := start.Add(-t.Advance)
	if floor := t.Anchor.Add(-t.Advance); due.Before(floor) {
		due = floor
	}

	return Period{
		Key:         Key(t.ID, rule.Granularity, start),
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
		DueAt:       due.UTC(),
	}, nil
}

// Next returns the period immediately following p
func Next(t *task.Task, p Period, loc *time.Location) (Period, error) {
	return Resolve(t, p.WindowEnd, loc)
}

// Key formats the period key for a window starting at start (owner local time)
func Key(taskID string, g Granularity, start time.Time) string {
	var suffix string
	switch g {
	case Daily:
		suffix = start.Format("2006-01-02")
	case Weekly:
		year, week := start.ISOWeek()
		suffix = fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		suffix = start.Format("2006-01")
	default:
		// The offset keeps the repeated wall clock hour of a DST fall-back distinct
		suffix = start.Format("2006-01-02T15:04-0700")
	}
	return taskID + ":" + suffix
}

// at builds a local instant on the given date carrying the anchor's clock.
// time.Date normalizes overflowing days and months.
func at(anchor time.Time, year int, month time.Month, day int) time.Time {
	h, m, s := anchor.Clock()
	return time.Date(year, month, day, h, m, s, anchor.Nanosecond(), anchor.Location())
}

func dailyWindow(anchor, local time.Time) (time.Time, time.Time) {
	y, m, d := local.Date()
	start := at(anchor, y, m, d)
	if local.Before(start) {
		start = at(anchor, y, m, d-1)
	}
	sy, sm, sd := start.Date()
	return start, at(anchor, sy, sm, sd+1)
}

func weeklyWindow(anchor, local time.Time) (time.Time, time.Time) {
	y, m, d := local.Date()
	back := (int(local.Weekday()) - int(anchor.Weekday()) + 7) % 7
	start := at(anchor, y, m, d-back)
	if local.Before(start) {
		start = at(anchor, y, m, d-back-7)
	}
	sy, sm, sd := start.Date()
	return start, at(anchor, sy, sm, sd+7)
}

func monthlyWindow(anchor, local time.Time) (time.Time, time.Time) {
	day := anchor.Day()
	y, m, _ := local.Date()
	start := monthOccurrence(anchor, y, m, day)
	if local.Before(start) {
		py, pm := addMonths(y, m, -1)
		start = monthOccurrence(anchor, py, pm, day)
	}
	ny, nm := addMonths(start.Year(), start.Month(), 1)
	return start, monthOccurrence(anchor, ny, nm, day)
}

// monthOccurrence clamps day to the last valid day of the month
func monthOccurrence(anchor time.Time, year int, month time.Month, day int) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return at(anchor, year, month, day)
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	t := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// cronWindow finds the last occurrence at or before local and the one after it.
// Occurrences are the anchor itself plus every cron fire after it.
func cronWindow(schedule cron.Schedule, anchor, local time.Time) (time.Time, time.Time) {
	lookback := time.Hour
	for {
		from := local.Add(-lookback)
		var start time.Time
		found := false
		if !from.After(anchor) {
			from = anchor
			start = anchor
			found = true
		}

		next := schedule.Next(from)
		for !next.IsZero() && !next.After(local) {
			start = next
			found = true
			next = schedule.Next(next)
		}

		if found {
			if next.IsZero() {
				// No further fire within the cron library's search horizon.
				next = start.AddDate(100, 0, 0)
			}
			return start, next
		}
		lookback *= 2
	}
}
