package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/muaviaUsmani/duebook/internal/task"
)

// taskRow is the persisted form of a task with its embedded expense template
type taskRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	OwnerID          int64  `gorm:"index;not null"`
	Name             string `gorm:"size:120;not null"`
	Description      string `gorm:"size:500"`
	Rule             string `gorm:"size:128;not null"`
	Anchor           time.Time
	AdvanceSeconds   int64           `gorm:"not null;default:0"`
	Channel          string          `gorm:"size:32;not null"`
	Status           string          `gorm:"size:16;index;not null"`
	CatchUpPolicy    string          `gorm:"size:16;not null"`
	MaxBackfill      int             `gorm:"not null"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Currency         string          `gorm:"size:3;not null"`
	CategoryID       *int64
	Merchant         string `gorm:"size:120"`
	PaymentAccountID *int64
	Note             string `gorm:"size:500"`
	Tags             string `gorm:"type:text"`
	LastClosedPeriod string `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (taskRow) TableName() string { return "tasks" }

// reminderRow is one period instance of a task.
// ClaimKey and ClaimedAt mark a confirmation in flight.
type reminderRow struct {
	ID               uint      `gorm:"primaryKey"`
	TaskID           string    `gorm:"size:36;not null;uniqueIndex:idx_reminder_period,priority:1"`
	PeriodKey        string    `gorm:"size:64;not null;uniqueIndex:idx_reminder_period,priority:2"`
	WindowStart      time.Time `gorm:"not null"`
	WindowEnd        time.Time `gorm:"not null"`
	ScheduledAt      time.Time `gorm:"not null;index:idx_reminder_deliverable,priority:2"`
	SentAt           *time.Time
	Status           string  `gorm:"size:16;not null;index:idx_reminder_deliverable,priority:1"`
	DeliveryAttempts int     `gorm:"not null;default:0"`
	DeliveryFailed   bool    `gorm:"not null;default:false"`
	LastError        string  `gorm:"size:512"`
	ExpenseID        string  `gorm:"size:64"`
	ClaimKey         *string `gorm:"size:128"`
	ClaimedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (reminderRow) TableName() string { return "reminder_events" }

// confirmationRow is an applied user decision; never updated after insert
type confirmationRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	TaskID         string    `gorm:"size:36;not null;uniqueIndex:idx_confirmation_key,priority:1"`
	PeriodKey      string    `gorm:"size:64;not null;uniqueIndex:idx_confirmation_key,priority:2"`
	IdempotencyKey string    `gorm:"size:128;not null;uniqueIndex:idx_confirmation_key,priority:3"`
	Action         string    `gorm:"size:16;not null"`
	ConfirmedAt    time.Time `gorm:"not null"`
	Payload        string    `gorm:"type:text"`
	ResultStatus   string    `gorm:"size:16;not null"`
	ExpenseID      string    `gorm:"size:64"`
}

func (confirmationRow) TableName() string { return "confirmation_events" }

// deliveryRow records what was sent for a reminder and when
type deliveryRow struct {
	ID         uint      `gorm:"primaryKey"`
	ReminderID uint      `gorm:"index;not null"`
	TaskID     string    `gorm:"size:36;not null"`
	PeriodKey  string    `gorm:"size:64;not null"`
	Channel    string    `gorm:"size:32;not null"`
	SentAt     time.Time `gorm:"not null"`
	Content    string    `gorm:"type:text"`
}

func (deliveryRow) TableName() string { return "reminder_deliveries" }

func newTaskRow(t *task.Task) (*taskRow, error) {
	var tags string
	if len(t.Template.Tags) > 0 {
		raw, err := json.Marshal(t.Template.Tags)
		if err != nil {
			return nil, err
		}
		tags = string(raw)
	}
	return &taskRow{
		ID:               t.ID,
		OwnerID:          t.OwnerID,
		Name:             t.Name,
		Description:      t.Description,
		Rule:             t.Rule,
		Anchor:           t.Anchor.UTC(),
		AdvanceSeconds:   int64(t.Advance / time.Second),
		Channel:          t.Channel,
		Status:           string(t.Status),
		CatchUpPolicy:    string(t.CatchUp),
		MaxBackfill:      t.MaxBackfill,
		Amount:           t.Template.Amount,
		Currency:         t.Template.Currency,
		CategoryID:       t.Template.CategoryID,
		Merchant:         t.Template.Merchant,
		PaymentAccountID: t.Template.PaymentAccountID,
		Note:             t.Template.Note,
		Tags:             tags,
		LastClosedPeriod: t.LastClosedPeriod,
		CreatedAt:        t.CreatedAt.UTC(),
		UpdatedAt:        t.UpdatedAt.UTC(),
	}, nil
}

func (r *taskRow) toTask() *task.Task {
	var tags []string
	if r.Tags != "" {
		// Rows are only written by newTaskRow; a decode error leaves tags empty
		_ = json.Unmarshal([]byte(r.Tags), &tags)
	}
	return &task.Task{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Description: r.Description,
		Rule:        r.Rule,
		Anchor:      r.Anchor.UTC(),
		Advance:     time.Duration(r.AdvanceSeconds) * time.Second,
		Channel:     r.Channel,
		Status:      task.Status(r.Status),
		CatchUp:     task.CatchUpPolicy(r.CatchUpPolicy),
		MaxBackfill: r.MaxBackfill,
		Template: task.ExpenseTemplate{
			Amount:           r.Amount,
			Currency:         r.Currency,
			CategoryID:       r.CategoryID,
			Merchant:         r.Merchant,
			PaymentAccountID: r.PaymentAccountID,
			Note:             r.Note,
			Tags:             tags,
		},
		LastClosedPeriod: r.LastClosedPeriod,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func newReminderRow(r *task.Reminder) *reminderRow {
	return &reminderRow{
		TaskID:           r.TaskID,
		PeriodKey:        r.PeriodKey,
		WindowStart:      r.WindowStart.UTC(),
		WindowEnd:        r.WindowEnd.UTC(),
		ScheduledAt:      r.ScheduledAt.UTC(),
		SentAt:           utcPtr(r.SentAt),
		Status:           string(r.Status),
		DeliveryAttempts: r.DeliveryAttempts,
		DeliveryFailed:   r.DeliveryFailed,
		LastError:        r.LastError,
		ExpenseID:        r.ExpenseID,
	}
}

func (r *reminderRow) toReminder() *task.Reminder {
	return &task.Reminder{
		ID:               r.ID,
		TaskID:           r.TaskID,
		PeriodKey:        r.PeriodKey,
		WindowStart:      r.WindowStart.UTC(),
		WindowEnd:        r.WindowEnd.UTC(),
		ScheduledAt:      r.ScheduledAt.UTC(),
		SentAt:           utcPtr(r.SentAt),
		Status:           task.ReminderStatus(r.Status),
		DeliveryAttempts: r.DeliveryAttempts,
		DeliveryFailed:   r.DeliveryFailed,
		LastError:        r.LastError,
		ExpenseID:        r.ExpenseID,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func newConfirmationRow(c *task.Confirmation) *confirmationRow {
	return &confirmationRow{
		ID:             c.ID,
		TaskID:         c.TaskID,
		PeriodKey:      c.PeriodKey,
		IdempotencyKey: c.IdempotencyKey,
		Action:         string(c.Action),
		ConfirmedAt:    c.ConfirmedAt.UTC(),
		Payload:        string(c.Payload),
		ResultStatus:   string(c.ResultStatus),
		ExpenseID:      c.ExpenseID,
	}
}

func (r *confirmationRow) toConfirmation() *task.Confirmation {
	c := &task.Confirmation{
		ID:             r.ID,
		TaskID:         r.TaskID,
		PeriodKey:      r.PeriodKey,
		Action:         task.Action(r.Action),
		IdempotencyKey: r.IdempotencyKey,
		ConfirmedAt:    r.ConfirmedAt.UTC(),
		ResultStatus:   task.ReminderStatus(r.ResultStatus),
		ExpenseID:      r.ExpenseID,
	}
	if r.Payload != "" {
		c.Payload = json.RawMessage(r.Payload)
	}
	return c
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
