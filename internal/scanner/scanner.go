// Package scanner materializes due reminders and delivers them.
//
// Every tick recomputes what is due from the persisted tasks and the clock;
// nothing about "which tasks are due" is cached between ticks. Any number of
// scanners may run against the same store: reminder creation is deduplicated
// by the (task, period key) unique index and deliveries are serialized by a
// per-reminder lease plus conditional status updates.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muaviaUsmani/duebook/internal/alert"
	"github.com/muaviaUsmani/duebook/internal/config"
	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/metrics"
	"github.com/muaviaUsmani/duebook/internal/period"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Store is the persistence the scanner needs
type Store interface {
	ListActiveTasks(ctx context.Context) ([]*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateReminder(ctx context.Context, r *task.Reminder) (bool, error)
	GetReminder(ctx context.Context, taskID, periodKey string) (*task.Reminder, error)
	LatestReminder(ctx context.Context, taskID string) (*task.Reminder, error)
	ListDeliverable(ctx context.Context, now time.Time, limit int) ([]*task.Reminder, error)
	MarkSent(ctx context.Context, id uint, sentAt time.Time, channel, content string) (bool, error)
	MarkSentUnconfirmed(ctx context.Context, id uint, sentAt time.Time, cause string) (bool, error)
	RecordDeliveryFailure(ctx context.Context, id uint, cause string, maxAttempts int, now time.Time) (int, bool, error)
}

// Notifier delivers a reminder to its owner and returns the rendered content.
// Failures are *errors.RetryableDeliveryError.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task, r *task.Reminder) (string, error)
}

// Locator resolves an owner's timezone
type Locator interface {
	Location(ctx context.Context, ownerID int64) (*time.Location, error)
}

// Scanner drives reminder materialization and delivery
type Scanner struct {
	store    Store
	notifier Notifier
	zones    Locator
	cfg      *config.ScannerConfig
	leaser   Leaser
	alerts   alert.Sink
	metrics  *metrics.Collector
	now      func() time.Time
	log      logger.Logger
}

// New creates a scanner with an in-process leaser and log-only alerts
func New(st Store, n Notifier, zones Locator, cfg *config.ScannerConfig) *Scanner {
	log := logger.Default().WithComponent(logger.ComponentScanner)
	return &Scanner{
		store:    st,
		notifier: n,
		zones:    zones,
		cfg:      cfg,
		leaser:   NewLocalLeaser(),
		alerts:   alert.NewLogSink(log),
		metrics:  metrics.Default(),
		now:      time.Now,
		log:      log,
	}
}

// SetLeaser replaces the delivery leaser (Redis when running several scanners)
func (s *Scanner) SetLeaser(l Leaser) {
	s.leaser = l
}

// SetAlertSink sets where given-up deliveries are reported
func (s *Scanner) SetAlertSink(a alert.Sink) {
	s.alerts = a
}

// SetMetrics sets the metrics collector
func (s *Scanner) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// SetLogger sets the scanner's logger
func (s *Scanner) SetLogger(l logger.Logger) {
	s.log = l.WithComponent(logger.ComponentScanner)
}

// SetClock overrides the time source (tests)
func (s *Scanner) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks until ctx is cancelled. The first tick runs immediately so periods
// missed while the process was down are reconciled at startup.
func (s *Scanner) Run(ctx context.Context) {
	s.log.Info("Scanner started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"max_delivery_attempts", s.cfg.MaxDeliveryAttempts)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scanner stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// TickResult summarizes one tick
type TickResult struct {
	Created   []*task.Reminder
	Delivered int
}

// Tick materializes due reminders then delivers what is deliverable
func (s *Scanner) Tick(ctx context.Context) TickResult {
	start := time.Now()
	now := s.now().UTC()

	created, scanErr := s.Scan(ctx, now)
	if scanErr != nil {
		s.log.Error("Scan failed", "error", scanErr)
	}
	delivered, deliverErr := s.Deliver(ctx, now)
	if deliverErr != nil {
		s.log.Error("Delivery pass failed", "error", deliverErr)
	}

	s.metrics.RecordScan(time.Since(start), scanErr != nil || deliverErr != nil)
	if len(created) > 0 || delivered > 0 {
		s.log.Info("Tick complete",
			"created", len(created),
			"delivered", delivered,
			"duration", time.Since(start))
	}
	return TickResult{Created: created, Delivered: delivered}
}

// Scan creates the reminder of every active task whose current period is due
// and returns the reminders this call created. Existing reminders are never
// duplicated; a concurrent scanner that wins the insert makes this call see
// the period as already scheduled.
func (s *Scanner) Scan(ctx context.Context, now time.Time) ([]*task.Reminder, error) {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}

	var created []*task.Reminder
	failed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}

		var rec *Reconciliation
		err := apperrors.Guard(func() error {
			var err error
			rec, err = s.Reconcile(ctx, t, now)
			return err
		})
		if err != nil {
			failed++
			s.logTaskError(ctx, t, err)
			continue
		}
		created = append(created, rec.Created...)
	}

	if failed > 0 {
		s.log.Warn("Some tasks could not be scanned", "failed", failed, "total", len(tasks))
	}
	return created, nil
}

func (s *Scanner) logTaskError(ctx context.Context, t *task.Task, err error) {
	ctx = logger.WithReminder(ctx, t.ID, "")
	var panicErr *apperrors.PanicError
	if errors.As(err, &panicErr) {
		s.log.ErrorContext(ctx, "Task scan panicked", "panic", apperrors.FormatPanicForLog(panicErr))
		return
	}
	// Invalid rules are rejected when tasks are created; seeing one here means
	// the row was written around the API.
	s.log.ErrorContext(ctx, "Task scan failed", "error", err)
}

// duePeriod returns the latest period of t whose due instant is at or before now.
// ok is false when the first period is not due yet.
func (s *Scanner) duePeriod(ctx context.Context, t *task.Task, now time.Time) (period.Period, *time.Location, bool, error) {
	loc, err := s.zones.Location(ctx, t.OwnerID)
	if err != nil {
		return period.Period{}, nil, false, err
	}
	ref := now.Add(t.Advance)
	if ref.Before(t.Anchor) {
		return period.Period{}, loc, false, nil
	}
	p, err := period.Resolve(t, ref, loc)
	if err != nil {
		return period.Period{}, loc, false, err
	}
	return p, loc, true, nil
}

// ListDueTaskIDs returns the active tasks that have work at now: a due period
// without a reminder, or a reminder waiting for delivery.
func (s *Scanner) ListDueTaskIDs(ctx context.Context, now time.Time) ([]string, error) {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}

	ids := make([]string, 0)
	for _, t := range tasks {
		p, _, ok, err := s.duePeriod(ctx, t, now)
		if err != nil {
			s.logTaskError(ctx, t, err)
			continue
		}
		if !ok {
			continue
		}

		r, err := s.store.GetReminder(ctx, t.ID, p.Key)
		if errors.Is(err, apperrors.ErrNotFound) {
			ids = append(ids, t.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if deliverable(r, now) {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// ScanTask reconciles and delivers a single task. It is the unit of work for
// orchestrators that drive scanning from ListDueTaskIDs.
func (s *Scanner) ScanTask(ctx context.Context, taskID string, now time.Time) (*Reconciliation, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusActive {
		return &Reconciliation{TaskID: t.ID}, nil
	}

	rec, err := s.Reconcile(ctx, t, now)
	if err != nil {
		return nil, err
	}
	if rec.Current != nil && deliverable(rec.Current, now) {
		s.deliverOne(ctx, rec.Current, now)
	}
	return rec, nil
}

func deliverable(r *task.Reminder, now time.Time) bool {
	return (r.Status == task.ReminderPending || r.Status == task.ReminderSnoozed) && !r.ScheduledAt.After(now)
}

// Deliver sends up to BatchSize deliverable reminders, oldest first
func (s *Scanner) Deliver(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDeliverable(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list deliverable: %w", err)
	}

	delivered := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if s.deliverOne(ctx, r, now) {
			delivered++
		}
	}
	return delivered, nil
}

// deliverOne sends r under a lease and records the outcome. It reports
// whether the reminder moved to sent through a successful send.
func (s *Scanner) deliverOne(ctx context.Context, r *task.Reminder, now time.Time) bool {
	ctx = logger.WithReminder(ctx, r.TaskID, r.PeriodKey)

	lease, err := s.leaser.Acquire(ctx, r.PeriodKey, s.cfg.LeaseTTL)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to acquire delivery lease", "error", err)
		return false
	}
	if lease == nil {
		s.log.DebugContext(ctx, "Reminder is being delivered by another scanner")
		return false
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.log.WarnContext(ctx, "Failed to release delivery lease", "error", err)
		}
	}()

	// The listing may predate another scanner's delivery
	current, err := s.store.GetReminder(ctx, r.TaskID, r.PeriodKey)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to reload reminder", "error", err)
		return false
	}
	if !deliverable(current, now) {
		return false
	}

	t, err := s.store.GetTask(ctx, current.TaskID)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to load task for delivery", "error", err)
		return false
	}
	if t.Status != task.StatusActive {
		s.log.DebugContext(ctx, "Task is not active, holding reminder", "status", string(t.Status))
		return false
	}

	content, sendErr := s.notifier.Notify(ctx, t, current)
	if sendErr == nil {
		return s.markSent(ctx, t, current, now, content)
	}

	var deliveryErr *apperrors.RetryableDeliveryError
	if errors.As(sendErr, &deliveryErr) && deliveryErr.Kind == apperrors.DeliveryUnknown {
		// The message may have reached the owner; resending would duplicate the card.
		return s.markUnknown(ctx, t, current, now, sendErr)
	}

	attempts, gaveUp, err := s.store.RecordDeliveryFailure(ctx, current.ID, sendErr.Error(), s.cfg.MaxDeliveryAttempts, now)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to record delivery failure", "error", err, "cause", sendErr)
		return false
	}
	s.metrics.RecordDeliveryFailed(gaveUp)

	if !gaveUp {
		s.log.WarnContext(ctx, "Delivery failed, will retry",
			"channel", t.Channel,
			"attempt", attempts,
			"max_attempts", s.cfg.MaxDeliveryAttempts,
			"error", sendErr)
		return false
	}

	s.log.ErrorContext(ctx, "Delivery given up",
		"channel", t.Channel,
		"attempts", attempts,
		"error", sendErr)
	if err := s.alerts.Push(ctx, alert.Alert{
		Kind:      alert.KindDeliveryFailed,
		TaskID:    t.ID,
		PeriodKey: current.PeriodKey,
		OwnerID:   t.OwnerID,
		Channel:   t.Channel,
		Attempts:  attempts,
		Reason:    sendErr.Error(),
		At:        now,
	}); err != nil {
		s.log.ErrorContext(ctx, "Failed to push delivery alert", "error", err)
	}
	return false
}

// markUnknown stops redelivery of r but leaves a trace: last_error on the
// reminder and an alert, without a delivery record.
func (s *Scanner) markUnknown(ctx context.Context, t *task.Task, r *task.Reminder, now time.Time, sendErr error) bool {
	marked, err := s.store.MarkSentUnconfirmed(ctx, r.ID, now, sendErr.Error())
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to mark reminder sent", "error", err)
		return false
	}
	if !marked {
		return false
	}

	s.log.WarnContext(ctx, "Delivery outcome unknown, not resending",
		"channel", t.Channel,
		"error", sendErr)
	if err := s.alerts.Push(ctx, alert.Alert{
		Kind:      alert.KindDeliveryUnknown,
		TaskID:    t.ID,
		PeriodKey: r.PeriodKey,
		OwnerID:   t.OwnerID,
		Channel:   t.Channel,
		Attempts:  r.DeliveryAttempts + 1,
		Reason:    sendErr.Error(),
		At:        now,
	}); err != nil {
		s.log.ErrorContext(ctx, "Failed to push delivery alert", "error", err)
	}
	return false
}

func (s *Scanner) markSent(ctx context.Context, t *task.Task, r *task.Reminder, now time.Time, content string) bool {
	marked, err := s.store.MarkSent(ctx, r.ID, now, t.Channel, content)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to mark reminder sent", "error", err)
		return false
	}
	if !marked {
		// Confirmed while the notifier call was in flight
		return false
	}
	s.metrics.RecordDeliverySent()
	s.log.InfoContext(ctx, "Reminder sent", "channel", t.Channel)
	return true
}
