package api

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/muaviaUsmani/duebook/internal/period"
	"github.com/muaviaUsmani/duebook/internal/task"
)

var registerOnce sync.Once

// registerValidators adds the "recurrence" tag to gin's validator
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			panic(fmt.Sprintf("unexpected binding engine %T", binding.Validator.Engine()))
		}
		mustRegister(v, "recurrence", func(fl validator.FieldLevel) bool {
			_, err := period.ParseRule(fl.Field().String())
			return err == nil
		})
	})
}

// mustRegister panics when a tag cannot be registered; binding would
// otherwise fail on every request that uses it.
func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %q validator: %v", tag, err))
	}
}

// localLayout is accepted for anchors without an offset; they are read in
// the request's or the owner's timezone.
const localLayout = "2006-01-02T15:04:05"

type templateRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" binding:"required,iso4217"`
	CategoryID       *int64          `json:"category_id"`
	Merchant         string          `json:"merchant" binding:"max=120"`
	PaymentAccountID *int64          `json:"payment_account_id"`
	Note             string          `json:"note" binding:"max=500"`
	Tags             []string        `json:"tags" binding:"max=20,dive,min=1,max=40"`
}

type createTaskRequest struct {
	Name        string `json:"name" binding:"required,min=1,max=120"`
	Description string `json:"description" binding:"max=500"`
	Rule        string `json:"rule" binding:"required,recurrence"`
	// Anchor is RFC 3339 or local "2006-01-02T15:04:05"
	Anchor         string          `json:"anchor" binding:"required"`
	Timezone       string          `json:"timezone" binding:"omitempty,timezone"`
	AdvanceMinutes int             `json:"advance_minutes" binding:"min=0,max=10080"`
	Channel        string          `json:"channel" binding:"omitempty,oneof=telegram webhook"`
	CatchUp        string          `json:"catch_up" binding:"omitempty,oneof=skip_forward backfill"`
	MaxBackfill    *int            `json:"max_backfill" binding:"omitempty,min=1,max=1000"`
	Template       templateRequest `json:"template"`
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active paused archived"`
}

type confirmRequest struct {
	TaskID         string          `json:"task_id" binding:"required"`
	PeriodKey      string          `json:"period_key" binding:"required"`
	Action         string          `json:"action" binding:"required,oneof=complete skip snooze cancel"`
	IdempotencyKey string          `json:"idempotency_key" binding:"max=128"`
	Payload        json.RawMessage `json:"payload"`
}

type taskResponse struct {
	ID               string               `json:"id"`
	OwnerID          int64                `json:"owner_id"`
	Name             string               `json:"name"`
	Description      string               `json:"description,omitempty"`
	Rule             string               `json:"rule"`
	Anchor           time.Time            `json:"anchor"`
	AdvanceMinutes   int                  `json:"advance_minutes"`
	Channel          string               `json:"channel"`
	Status           task.Status          `json:"status"`
	CatchUp          task.CatchUpPolicy   `json:"catch_up"`
	MaxBackfill      int                  `json:"max_backfill"`
	Template         task.ExpenseTemplate `json:"template"`
	LastClosedPeriod string               `json:"last_closed_period,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func newTaskResponse(t *task.Task) taskResponse {
	return taskResponse{
		ID:               t.ID,
		OwnerID:          t.OwnerID,
		Name:             t.Name,
		Description:      t.Description,
		Rule:             t.Rule,
		Anchor:           t.Anchor,
		AdvanceMinutes:   int(t.Advance / time.Minute),
		Channel:          t.Channel,
		Status:           t.Status,
		CatchUp:          t.CatchUp,
		MaxBackfill:      t.MaxBackfill,
		Template:         t.Template,
		LastClosedPeriod: t.LastClosedPeriod,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

type confirmResponse struct {
	Status       task.ReminderStatus `json:"status"`
	ExpenseID    string              `json:"expense_id,omitempty"`
	Replayed     bool                `json:"replayed"`
	SnoozedUntil *time.Time          `json:"snoozed_until,omitempty"`
	Confirmation *task.Confirmation  `json:"confirmation"`
}
