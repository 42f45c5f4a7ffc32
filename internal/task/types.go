// Package task defines the recurring obligation model: tasks, the reminders
// materialized for each of their periods, and the confirmations that close them.
package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents the lifecycle status of a task
type Status string

const (
	// StatusActive tasks are scanned and reminded
	StatusActive Status = "active"
	// StatusPaused tasks are skipped by the scanner until resumed
	StatusPaused Status = "paused"
	// StatusArchived is terminal; the task is kept for audit only
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known task status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// ReminderStatus represents the status of one period instance of a task
type ReminderStatus string

const (
	// ReminderPending is materialized but not yet delivered
	ReminderPending ReminderStatus = "pending"
	// ReminderSent has been delivered (or delivery was given up on, see DeliveryFailed)
	ReminderSent ReminderStatus = "sent"
	// ReminderConfirmed is closed with a posted expense
	ReminderConfirmed ReminderStatus = "confirmed"
	// ReminderSkipped is closed without posting
	ReminderSkipped ReminderStatus = "skipped"
	// ReminderSnoozed is waiting for its re-scheduled delivery instant
	ReminderSnoozed ReminderStatus = "snoozed"
)

// Terminal reports whether the period is closed
func (s ReminderStatus) Terminal() bool {
	return s == ReminderConfirmed || s == ReminderSkipped
}

// Valid reports whether s is a known reminder status
func (s ReminderStatus) Valid() bool {
	switch s {
	case ReminderPending, ReminderSent, ReminderConfirmed, ReminderSkipped, ReminderSnoozed:
		return true
	}
	return false
}

// OpenReminderStatuses lists the statuses a confirmation may act on
var OpenReminderStatuses = []ReminderStatus{ReminderPending, ReminderSent, ReminderSnoozed}

// Action is a user decision on a reminder
type Action string

const (
	ActionComplete Action = "complete"
	ActionSkip     Action = "skip"
	ActionSnooze   Action = "snooze"
	ActionCancel   Action = "cancel"
)

// ParseAction validates a raw action name
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case ActionComplete, ActionSkip, ActionSnooze, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q", raw)
}

// CatchUpPolicy controls how periods missed during downtime are reconciled
type CatchUpPolicy string

const (
	// CatchUpSkipForward marks missed periods skipped without notification
	CatchUpSkipForward CatchUpPolicy = "skip_forward"
	// CatchUpBackfill materializes a reminder for each missed period
	CatchUpBackfill CatchUpPolicy = "backfill"
)

// Valid reports whether p is a known policy
func (p CatchUpPolicy) Valid() bool {
	return p == CatchUpSkipForward || p == CatchUpBackfill
}

// Channel tags
const (
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

// ExpenseTemplate is the expense posted when a period is completed.
// Exactly one template belongs to each task.
type ExpenseTemplate struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CategoryID       *int64          `json:"category_id,omitempty"`
	Merchant         string          `json:"merchant,omitempty"`
	PaymentAccountID *int64          `json:"payment_account_id,omitempty"`
	Note             string          `json:"note,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
}

// Validate checks the template invariants
func (t ExpenseTemplate) Validate() error {
	if t.Amount.IsNegative() {
		return fmt.Errorf("template amount cannot be negative")
	}
	if len(strings.TrimSpace(t.Currency)) != 3 {
		return fmt.Errorf("template currency must be a 3-letter code, got %q", t.Currency)
	}
	return nil
}

// Task is a recurring obligation definition
type Task struct {
	// ID is the unique identifier of the task
	ID string `json:"id"`
	// OwnerID references the user who owns the task
	OwnerID int64 `json:"owner_id"`
	// Name is the human readable name shown on reminder cards
	Name string `json:"name"`
	// Description is optional free text
	Description string `json:"description,omitempty"`
	// Rule is the recurrence rule: daily, weekly, monthly or cron:<expr>
	Rule string `json:"rule"`
	// Anchor is the instant of the first occurrence
	Anchor time.Time `json:"anchor"`
	// Advance is how long before the period starts the reminder is sent
	Advance time.Duration `json:"advance"`
	// Channel is the delivery channel tag
	Channel string `json:"channel"`
	Status  Status `json:"status"`
	// CatchUp decides what happens to periods missed while the scanner was down
	CatchUp CatchUpPolicy `json:"catch_up"`
	// MaxBackfill bounds how many missed periods one reconciliation run handles
	MaxBackfill int             `json:"max_backfill"`
	Template    ExpenseTemplate `json:"template"`
	// LastClosedPeriod is the most recent period key closed by a confirmation
	LastClosedPeriod string    `json:"last_closed_period,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewTask creates an active task with a fresh identifier
func NewTask(ownerID int64, name, rule string, anchor time.Time, tmpl ExpenseTemplate) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Name:        name,
		Rule:        rule,
		Anchor:      anchor.UTC(),
		Channel:     ChannelTelegram,
		Status:      StatusActive,
		CatchUp:     CatchUpSkipForward,
		MaxBackfill: 12,
		Template:    tmpl,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SetStatus applies a status transition.
// active and paused are interchangeable; archived is terminal.
func (t *Task) SetStatus(to Status) error {
	if !to.Valid() {
		return fmt.Errorf("invalid task status %q", to)
	}
	if t.Status == StatusArchived && to != StatusArchived {
		return fmt.Errorf("task %s is archived", t.ID)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Reminder is one instance of a task becoming due in a specific period.
// At most one reminder exists per (TaskID, PeriodKey).
type Reminder struct {
	ID        uint   `json:"id"`
	TaskID    string `json:"task_id"`
	PeriodKey string `json:"period_key"`
	// WindowStart and WindowEnd bound the period (UTC)
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	// ScheduledAt is the instant delivery is due (UTC)
	ScheduledAt time.Time      `json:"scheduled_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	Status      ReminderStatus `json:"status"`
	// DeliveryAttempts counts failed delivery attempts
	DeliveryAttempts int `json:"delivery_attempts"`
	// DeliveryFailed is set when the retry bound was exhausted
	DeliveryFailed bool   `json:"delivery_failed"`
	LastError      string `json:"last_error,omitempty"`
	// ExpenseID references the expense posted for this period
	ExpenseID string    `json:"expense_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether a confirmation can still act on the reminder
func (r *Reminder) Open() bool {
	return !r.Status.Terminal()
}

// Confirmation is an applied user decision. It is immutable once stored.
type Confirmation struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	PeriodKey      string          `json:"period_key"`
	Action         Action          `json:"action"`
	IdempotencyKey string          `json:"idempotency_key"`
	ConfirmedAt    time.Time       `json:"confirmed_at"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	// ResultStatus is the reminder status the action produced
	ResultStatus ReminderStatus `json:"result_status"`
	ExpenseID    string         `json:"expense_id,omitempty"`
}

// NewConfirmation creates a confirmation record stamped at now
func NewConfirmation(taskID, periodKey string, action Action, idempotencyKey string, payload json.RawMessage, now time.Time) *Confirmation {
	return &Confirmation{
		ID:             uuid.New().String(),
		TaskID:         taskID,
		PeriodKey:      periodKey,
		Action:         action,
		IdempotencyKey: idempotencyKey,
		ConfirmedAt:    now.UTC(),
		Payload:        payload,
	}
}

// TaskIDFromPeriodKey extracts the task identifier prefix of a period key
func TaskIDFromPeriodKey(periodKey string) (string, bool) {
	i := strings.IndexByte(periodKey, ':')
	if i <= 0 || i == len(periodKey)-1 {
		return "", false
	}
	return periodKey[:i], true
}
