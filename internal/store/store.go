package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Store is the gorm-backed persistence for the scheduler
type Store struct {
	db *gorm.DB
}

// New wraps an opened and migrated database
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators sharing the database
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ReminderFilter narrows ListReminders. Zero values are ignored.
type ReminderFilter struct {
	OwnerID int64
	TaskID  string
	Status  task.ReminderStatus
	// From and To bound the scheduled instant (inclusive, exclusive)
	From  *time.Time
	To    *time.Time
	Limit int
}

// CloseParams describes a terminal transition applied by a confirmation
type CloseParams struct {
	ReminderID uint
	ClaimKey   string
	Status     task.ReminderStatus
	ExpenseID  string
	// PauseTask also pauses the owning task (cancel)
	PauseTask    bool
	Confirmation *task.Confirmation
}

// SnoozeParams re-schedules an open reminder within its period
type SnoozeParams struct {
	ReminderID   uint
	ClaimKey     string
	Until        time.Time
	Confirmation *task.Confirmation
}

func statusStrings(statuses []task.ReminderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var deliverableStatuses = statusStrings([]task.ReminderStatus{task.ReminderPending, task.ReminderSnoozed})

var openStatuses = statusStrings(task.OpenReminderStatuses)

// ---- tasks ----

// CreateTask inserts a new task
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	row, err := newTaskRow(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask loads a task by id
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperrors.NotFoundError{Entity: "task", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask(), nil
}

// ListTasks returns an owner's tasks, newest first
func (s *Store) ListTasks(ctx context.Context, ownerID int64) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return toTasks(rows), nil
}

// ListActiveTasks returns every task the scanner must consider
func (s *Store) ListActiveTasks(ctx context.Context) ([]*task.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Where("status = ?", string(task.StatusActive)).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return toTasks(rows), nil
}

// UpdateTaskStatus applies a status transition; archived tasks cannot change
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, to task.Status) (*task.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from := t.Status
	if err := t.SetStatus(to); err != nil {
		return nil, &apperrors.ConflictError{TaskID: id, Status: string(from)}
	}

	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]interface{}{"status": string(to), "updated_at": t.UpdatedAt})
	if res.Error != nil {
		return nil, fmt.Errorf("update task status: %w", res.Error)
	}
	if res.RowsAffected == 0 && from != to {
		// Lost a race with another status change
		current, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &apperrors.ConflictError{TaskID: id, Status: string(current.Status)}
	}
	return t, nil
}

func toTasks(rows []taskRow) []*task.Task {
	out := make([]*task.Task, len(rows))
	for i := range rows {
		out[i] = rows[i].toTask()
	}
	return out
}

// ---- reminders ----

// CreateReminder inserts r unless a reminder already exists for its
// (task, period key). It reports whether this call created the row; r is
// filled from the stored row either way.
func (s *Store) CreateReminder(ctx context.Context, r *task.Reminder) (bool, error) {
	row := newReminderRow(r)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "period_key"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("create reminder: %w", res.Error)
	}

	created := res.RowsAffected == 1
	if !created {
		existing, err := s.GetReminder(ctx, r.TaskID, r.PeriodKey)
		if err != nil {
			return false, err
		}
		*r = *existing
		return false, nil
	}
	*r = *row.toReminder()
	return true, nil
}

// GetReminder loads the reminder of one period
func (s *Store) GetReminder(ctx context.Context, taskID, periodKey string) (*task.Reminder, error) {
	row, err := s.getReminderRow(s.db.WithContext(ctx), taskID, periodKey)
	if err != nil {
		return nil, err
	}
	return row.toReminder(), nil
}

func (s *Store) getReminderRow(db *gorm.DB, taskID, periodKey string) (*reminderRow, error) {
	var row reminderRow
	err := db.Where("task_id = ? AND period_key = ?", taskID, periodKey).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperrors.NotFoundError{Entity: "reminder", Key: periodKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return &row, nil
}

// LatestReminder returns the reminder with the latest window of a task, or nil
func (s *Store) LatestReminder(ctx context.Context, taskID string) (*task.Reminder, error) {
	var rows []reminderRow
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("window_start DESC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("latest reminder: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toReminder(), nil
}

// ListDeliverable returns pending and snoozed reminders whose scheduled
// instant has passed, oldest first
func (s *Store) ListDeliverable(ctx context.Context, now time.Time, limit int) ([]*task.Reminder, error) {
	var rows []reminderRow
	q := s.db.WithContext(ctx).
		Where("status IN ?", deliverableStatuses).
		Where("scheduled_at <= ?", now.UTC()).
		Order("scheduled_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deliverable: %w", err)
	}
	return toReminders(rows), nil
}

// ListReminders returns reminders matching f, latest scheduled first
func (s *Store) ListReminders(ctx context.Context, f ReminderFilter) ([]*task.Reminder, error) {
	q := s.db.WithContext(ctx).Model(&reminderRow{})
	if f.OwnerID != 0 {
		q = q.Joins("JOIN tasks ON tasks.id = reminder_events.task_id").
			Where("tasks.owner_id = ?", f.OwnerID)
	}
	if f.TaskID != "" {
		q = q.Where("reminder_events.task_id = ?", f.TaskID)
	}
	if f.Status != "" {
		q = q.Where("reminder_events.status = ?", string(f.Status))
	}
	if f.From != nil {
		q = q.Where("reminder_events.scheduled_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("reminder_events.scheduled_at < ?", f.To.UTC())
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []reminderRow
	if err := q.Order("reminder_events.scheduled_at DESC").Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return toReminders(rows), nil
}

// MarkSent moves a deliverable reminder to sent and records the delivery.
// It reports false when the reminder left the deliverable states meanwhile.
func (s *Store) MarkSent(ctx context.Context, id uint, sentAt time.Time, channel, content string) (bool, error) {
	sentAt = sentAt.UTC()
	marked := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row reminderRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return fmt.Errorf("load reminder: %w", err)
		}

		res := tx.Model(&reminderRow{}).
			Where("id = ? AND status IN ?", id, deliverableStatuses).
			Updates(map[string]interface{}{
				"status":     string(task.ReminderSent),
				"sent_at":    sentAt,
				"last_error": "",
			})
		if res.Error != nil {
			return fmt.Errorf("mark sent: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		marked = true

		return tx.Create(&deliveryRow{
			ReminderID: id,
			TaskID:     row.TaskID,
			PeriodKey:  row.PeriodKey,
			Channel:    channel,
			SentAt:     sentAt,
			Content:    content,
		}).Error
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

// MarkSentUnconfirmed moves a deliverable reminder to sent after a delivery
// whose outcome is unknown. The cause is kept in last_error and no delivery
// row is written, since nothing confirms the owner received the card.
func (s *Store) MarkSentUnconfirmed(ctx context.Context, id uint, sentAt time.Time, cause string) (bool, error) {
	cause = "delivery outcome unknown: " + cause
	if len(cause) > 512 {
		cause = cause[:512]
	}
	res := s.db.WithContext(ctx).Model(&reminderRow{}).
		Where("id = ? AND status IN ?", id, deliverableStatuses).
		Updates(map[string]interface{}{
			"status":     string(task.ReminderSent),
			"sent_at":    sentAt.UTC(),
			"last_error": cause,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark sent unconfirmed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RecordDeliveryFailure counts a failed delivery attempt. Once maxAttempts is
// reached the reminder is marked sent with DeliveryFailed set; gaveUp reports that.
func (s *Store) RecordDeliveryFailure(ctx context.Context, id uint, cause string, maxAttempts int, now time.Time) (attempts int, gaveUp bool, err error) {
	if len(cause) > 512 {
		cause = cause[:512]
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row reminderRow
		if err := tx.Where("id = ? AND status IN ?", id, deliverableStatuses).First(&row).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				// Confirmed or delivered elsewhere
				return nil
			}
			return fmt.Errorf("load reminder: %w", err)
		}

		attempts = row.DeliveryAttempts + 1
		updates := map[string]interface{}{
			"delivery_attempts": attempts,
			"last_error":        cause,
		}
		if attempts >= maxAttempts {
			gaveUp = true
			updates["status"] = string(task.ReminderSent)
			updates["delivery_failed"] = true
			updates["sent_at"] = now.UTC()
		}

		res := tx.Model(&reminderRow{}).
			Where("id = ? AND delivery_attempts = ?", id, row.DeliveryAttempts).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("record delivery failure: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			attempts, gaveUp = row.DeliveryAttempts, false
		}
		return nil
	})
	return attempts, gaveUp, err
}

func toReminders(rows []reminderRow) []*task.Reminder {
	out := make([]*task.Reminder, len(rows))
	for i := range rows {
		out[i] = rows[i].toReminder()
	}
	return out
}

// ---- confirmations ----

// Claim marks an open reminder as being confirmed under claimKey.
// A claim held by another key is honored until it is older than ttl.
// It returns the reminder and whether the claim was taken.
func (s *Store) Claim(ctx context.Context, taskID, periodKey, claimKey string, now time.Time, ttl time.Duration) (*task.Reminder, bool, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&reminderRow{}).
		Where("task_id = ? AND period_key = ?", taskID, periodKey).
		Where("status IN ?", openStatuses).
		Where("(claim_key IS NULL OR claim_key = ? OR claimed_at < ?)", claimKey, now.Add(-ttl)).
		Updates(map[string]interface{}{
			"claim_key":  claimKey,
			"claimed_at": now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("claim reminder: %w", res.Error)
	}

	r, err := s.GetReminder(ctx, taskID, periodKey)
	if err != nil {
		return nil, false, err
	}
	return r, res.RowsAffected == 1, nil
}

// ReleaseClaim drops claimKey's claim without changing the reminder status
func (s *Store) ReleaseClaim(ctx context.Context, id uint, claimKey string) error {
	if err := s.db.WithContext(ctx).Model(&reminderRow{}).
		Where("id = ? AND claim_key = ?", id, claimKey).
		Updates(map[string]interface{}{"claim_key": nil, "claimed_at": nil}).Error; err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Close applies a terminal status and persists the confirmation atomically.
// It fails with ConflictError when the claim was lost or the period closed.
func (s *Store) Close(ctx context.Context, p CloseParams) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("close: %s is not a terminal status", p.Status)
	}
	c := p.Confirmation
	c.ResultStatus = p.Status
	c.ExpenseID = p.ExpenseID

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&reminderRow{}).
			Where("id = ? AND claim_key = ? AND status IN ?", p.ReminderID, p.ClaimKey, openStatuses).
			Updates(map[string]interface{}{
				"status":     string(p.Status),
				"expense_id": p.ExpenseID,
				"claim_key":  nil,
				"claimed_at": nil,
			})
		if res.Error != nil {
			return fmt.Errorf("close reminder: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return s.conflict(tx, c.TaskID, c.PeriodKey)
		}

		if err := s.insertConfirmation(tx, c); err != nil {
			return err
		}

		taskUpdates := map[string]interface{}{"last_closed_period": c.PeriodKey}
		if p.PauseTask {
			taskUpdates["status"] = gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				string(task.StatusActive), string(task.StatusPaused))
		}
		if err := tx.Model(&taskRow{}).Where("id = ?", c.TaskID).Updates(taskUpdates).Error; err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
}

// Snooze re-schedules an open reminder and persists the confirmation atomically
func (s *Store) Snooze(ctx context.Context, p SnoozeParams) error {
	c := p.Confirmation
	c.ResultStatus = task.ReminderSnoozed

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&reminderRow{}).
			Where("id = ? AND claim_key = ? AND status IN ?", p.ReminderID, p.ClaimKey, openStatuses).
			Updates(map[string]interface{}{
				"status":            string(task.ReminderSnoozed),
				"scheduled_at":      p.Until.UTC(),
				"delivery_attempts": 0,
				"delivery_failed":   false,
				"claim_key":         nil,
				"claimed_at":        nil,
			})
		if res.Error != nil {
			return fmt.Errorf("snooze reminder: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return s.conflict(tx, c.TaskID, c.PeriodKey)
		}

		if err := s.insertConfirmation(tx, c); err != nil {
			return err
		}
		return nil
	})
}

func (s *Store) insertConfirmation(tx *gorm.DB, c *task.Confirmation) error {
	err := tx.Create(newConfirmationRow(c)).Error
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		// Same idempotency key applied concurrently; the caller replays it
		return &apperrors.ConflictError{TaskID: c.TaskID, PeriodKey: c.PeriodKey, Status: string(c.ResultStatus)}
	}
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

func (s *Store) conflict(tx *gorm.DB, taskID, periodKey string) error {
	row, err := s.getReminderRow(tx, taskID, periodKey)
	if err != nil {
		return err
	}
	return &apperrors.ConflictError{TaskID: taskID, PeriodKey: periodKey, Status: row.Status}
}

// FindConfirmation returns the confirmation stored under an idempotency key
func (s *Store) FindConfirmation(ctx context.Context, taskID, periodKey, idempotencyKey string) (*task.Confirmation, error) {
	var row confirmationRow
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND period_key = ? AND idempotency_key = ?", taskID, periodKey, idempotencyKey).
		First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperrors.NotFoundError{Entity: "confirmation", Key: idempotencyKey}
	}
	if err != nil {
		return nil, fmt.Errorf("find confirmation: %w", err)
	}
	return row.toConfirmation(), nil
}

// ListConfirmations returns a period's confirmations in the order they were applied
func (s *Store) ListConfirmations(ctx context.Context, taskID, periodKey string) ([]*task.Confirmation, error) {
	var rows []confirmationRow
	if err := s.db.WithContext(ctx).
		Where("task_id = ? AND period_key = ?", taskID, periodKey).
		Order("confirmed_at").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	out := make([]*task.Confirmation, len(rows))
	for i := range rows {
		out[i] = rows[i].toConfirmation()
	}
	return out, nil
}

// CountDeliveries returns how many deliveries were recorded for a reminder
func (s *Store) CountDeliveries(ctx context.Context, reminderID uint) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("reminder_id = ?", reminderID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}
