package scanner

import (
	"context"
	"time"

	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/period"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Reconciliation reports what Reconcile did for one task
type Reconciliation struct {
	TaskID string
	// Current is the reminder of the period due now (nil when nothing is due yet)
	Current *task.Reminder
	// Created holds every reminder this call inserted, oldest period first
	Created []*task.Reminder
	// Skipped counts missed periods closed as skipped
	Skipped int
	// Backfilled counts missed periods materialized for the owner to resolve
	Backfilled int
	// Truncated is set when more periods were missed than the task's bound
	Truncated bool
}

// Reconcile brings t up to date at now. Periods that became due after the
// latest existing reminder (and after the task was created) but were never
// materialized are resolved per the task's catch-up policy, at most
// MaxBackfill of them, newest first. Then the current period is materialized.
// Periods that already have a reminder are never touched.
func (s *Scanner) Reconcile(ctx context.Context, t *task.Task, now time.Time) (*Reconciliation, error) {
	rec := &Reconciliation{TaskID: t.ID}

	current, loc, ok, err := s.duePeriod(ctx, t, now)
	if err != nil || !ok {
		return rec, err
	}

	latest, err := s.store.LatestReminder(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.PeriodKey == current.Key {
		rec.Current = latest
		return rec, nil
	}

	missed, truncated, err := s.missedPeriods(t, current, latest, loc)
	if err != nil {
		return nil, err
	}
	rec.Truncated = truncated

	ctx = logger.WithReminder(ctx, t.ID, current.Key)
	log := s.log.WithComponent(logger.ComponentCatchUp)

	policy := t.CatchUp
	if !policy.Valid() {
		policy = s.cfg.DefaultCatchUp
	}
	if truncated {
		log.WarnContext(ctx, "Missed periods exceed catch-up bound, older periods skipped forward",
			"max_backfill", s.maxBackfill(t),
			"policy", string(policy))
	}

	// Oldest first so reminders are created in period order
	for i := len(missed) - 1; i >= 0; i-- {
		p := missed[i]
		status := task.ReminderPending
		if policy == task.CatchUpSkipForward {
			status = task.ReminderSkipped
		}
		r, created, err := s.materialize(ctx, t, p, status)
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}
		rec.Created = append(rec.Created, r)
		if status == task.ReminderSkipped {
			rec.Skipped++
		} else {
			rec.Backfilled++
		}
	}
	if rec.Skipped > 0 {
		s.metrics.RecordPeriodsSkipped(rec.Skipped)
	}
	if len(missed) > 0 {
		log.InfoContext(ctx, "Reconciled missed periods",
			"policy", string(policy),
			"missed", len(missed),
			"skipped", rec.Skipped,
			"backfilled", rec.Backfilled)
	}

	r, created, err := s.materialize(ctx, t, current, task.ReminderPending)
	if err != nil {
		return nil, err
	}
	rec.Current = r
	if created {
		rec.Created = append(rec.Created, r)
		s.log.InfoContext(ctx, "Reminder scheduled", "scheduled_at", r.ScheduledAt)
	}
	return rec, nil
}

func (s *Scanner) maxBackfill(t *task.Task) int {
	if t.MaxBackfill > 0 {
		return t.MaxBackfill
	}
	return s.cfg.DefaultMaxBackfill
}

// missedPeriods walks back from current and returns, newest first, the periods
// that are newer than latest and became due after t was created.
func (s *Scanner) missedPeriods(t *task.Task, current period.Period, latest *task.Reminder, loc *time.Location) ([]period.Period, bool, error) {
	rule, err := period.ParseRule(t.Rule)
	if err != nil {
		return nil, false, err
	}

	bound := s.maxBackfill(t)
	var missed []period.Period
	cur := current
	for {
		ref := cur.WindowStart.Add(-time.Nanosecond)
		if ref.Before(t.Anchor) {
			return missed, false, nil
		}
		prev, err := period.ResolveRule(t, rule, ref, loc)
		if err != nil {
			return nil, false, err
		}
		if latest != nil && !prev.WindowStart.After(latest.WindowStart) {
			return missed, false, nil
		}
		if prev.DueAt.Before(t.CreatedAt) {
			return missed, false, nil
		}
		if len(missed) == bound {
			return missed, true, nil
		}
		missed = append(missed, prev)
		cur = prev
	}
}

func (s *Scanner) materialize(ctx context.Context, t *task.Task, p period.Period, status task.ReminderStatus) (*task.Reminder, bool, error) {
	r := &task.Reminder{
		TaskID:      t.ID,
		PeriodKey:   p.Key,
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
		ScheduledAt: p.DueAt,
		Status:      status,
	}
	created, err := s.store.CreateReminder(ctx, r)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.metrics.RecordReminderCreated(status)
	}
	return r, created, nil
}
