// Package confirm applies user decisions to reminder periods.
//
// Per (task, period key) the state machine is:
//
//	pending/sent/snoozed --complete--> confirmed  (posts the expense first)
//	pending/sent/snoozed --skip------> skipped
//	pending/sent/snoozed --snooze----> snoozed    (new delivery instant, same period)
//	pending/sent/snoozed --cancel----> skipped    (and the task is paused)
//	closed --same idempotency key------> prior result, no change
//	closed --different idempotency key-> ConflictError
//
// Concurrent confirmations serialize on a claim stored in the reminder row.
// Only the claim holder may post or close the period.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/metrics"
	"github.com/muaviaUsmani/duebook/internal/posting"
	"github.com/muaviaUsmani/duebook/internal/store"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Store is the persistence the handler needs
type Store interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetReminder(ctx context.Context, taskID, periodKey string) (*task.Reminder, error)
	FindConfirmation(ctx context.Context, taskID, periodKey, idempotencyKey string) (*task.Confirmation, error)
	Claim(ctx context.Context, taskID, periodKey, claimKey string, now time.Time, ttl time.Duration) (*task.Reminder, bool, error)
	ReleaseClaim(ctx context.Context, id uint, claimKey string) error
	Close(ctx context.Context, p store.CloseParams) error
	Snooze(ctx context.Context, p store.SnoozeParams) error
}

// Poster posts the expense of a completed period
type Poster interface {
	Post(ctx context.Context, t *task.Task, periodKey string, o posting.Overrides) (*posting.Result, error)
}

// Request is one inbound user decision
type Request struct {
	TaskID         string
	PeriodKey      string
	Action         task.Action
	IdempotencyKey string
	Payload        json.RawMessage
}

// Result is the outcome of a confirmation, fresh or replayed
type Result struct {
	Confirmation *task.Confirmation
	Status       task.ReminderStatus
	ExpenseID    string
	// Replayed is set when the idempotency key had already been applied
	Replayed bool
	// SnoozedUntil is the new delivery instant of a fresh snooze
	SnoozedUntil *time.Time
}

// snoozePayload is the optional payload of a snooze
type snoozePayload struct {
	Until   *time.Time `json:"until,omitempty"`
	Minutes int        `json:"minutes,omitempty"`
}

// Handler applies confirmations
type Handler struct {
	store         Store
	poster        Poster
	claimTTL      time.Duration
	defaultSnooze time.Duration
	now           func() time.Time
	metrics       *metrics.Collector
	log           logger.Logger
}

// NewHandler creates a handler. claimTTL must exceed the posting timeout so a
// claim cannot expire while its holder is still posting.
func NewHandler(st Store, poster Poster, claimTTL, defaultSnooze time.Duration) *Handler {
	return &Handler{
		store:         st,
		poster:        poster,
		claimTTL:      claimTTL,
		defaultSnooze: defaultSnooze,
		now:           time.Now,
		metrics:       metrics.Default(),
		log:           logger.Default().WithComponent(logger.ComponentConfirm),
	}
}

// SetLogger sets the handler's logger
func (h *Handler) SetLogger(l logger.Logger) {
	h.log = l.WithComponent(logger.ComponentConfirm)
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *metrics.Collector) {
	h.metrics = m
}

// SetClock overrides the time source (tests)
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// Confirm applies req. It is safe to call repeatedly with the same
// idempotency key: once applied, the stored result is returned unchanged.
func (h *Handler) Confirm(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	ctx = logger.WithReminder(ctx, req.TaskID, req.PeriodKey)

	t, err := h.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	if res, ok, err := h.replay(ctx, req); ok || err != nil {
		return res, err
	}

	r, err := h.store.GetReminder(ctx, req.TaskID, req.PeriodKey)
	if err != nil {
		return nil, err
	}
	if !r.Open() {
		h.metrics.RecordConfirmConflict()
		return nil, &apperrors.ConflictError{TaskID: req.TaskID, PeriodKey: req.PeriodKey, Status: string(r.Status)}
	}

	now := h.now().UTC()

	// Parse payloads before claiming so a bad request never holds the period
	var (
		overrides posting.Overrides
		until     time.Time
	)
	switch req.Action {
	case task.ActionComplete:
		if overrides, err = parseOverrides(req.Payload); err != nil {
			return nil, err
		}
	case task.ActionSnooze:
		if until, err = h.snoozeUntil(req.Payload, now); err != nil {
			return nil, err
		}
	}

	r, claimed, err := h.store.Claim(ctx, req.TaskID, req.PeriodKey, req.IdempotencyKey, now, h.claimTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return h.lost(ctx, req, r)
	}

	conf := task.NewConfirmation(req.TaskID, req.PeriodKey, req.Action, req.IdempotencyKey, req.Payload, now)
	var res *Result
	switch req.Action {
	case task.ActionComplete:
		res, err = h.complete(ctx, t, r, conf, overrides)
	case task.ActionSkip:
		res, err = h.close(ctx, r, conf, task.ReminderSkipped, "", false)
	case task.ActionCancel:
		res, err = h.close(ctx, r, conf, task.ReminderSkipped, "", true)
	case task.ActionSnooze:
		res, err = h.snooze(ctx, r, conf, until)
	}
	if err != nil {
		return nil, err
	}

	h.metrics.RecordConfirmation(req.Action)
	h.log.InfoContext(ctx, "Confirmation applied",
		"action", string(req.Action),
		"status", string(res.Status),
		"expense_id", res.ExpenseID)
	return res, nil
}

func validate(req *Request) error {
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.PeriodKey = strings.TrimSpace(req.PeriodKey)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.TaskID == "" {
		return &apperrors.ValidationError{Field: "task_id", Reason: "required"}
	}
	if req.IdempotencyKey == "" {
		return &apperrors.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if len(req.IdempotencyKey) > 128 {
		return &apperrors.ValidationError{Field: "idempotency_key", Reason: "at most 128 characters"}
	}
	action, err := task.ParseAction(string(req.Action))
	if err != nil {
		return &apperrors.ValidationError{Field: "action", Reason: err.Error()}
	}
	req.Action = action

	// A period key always carries its task id
	if owner, ok := task.TaskIDFromPeriodKey(req.PeriodKey); !ok || owner != req.TaskID {
		return &apperrors.NotFoundError{Entity: "reminder", Key: req.PeriodKey}
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return &apperrors.ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	return nil
}

// replay returns the stored result when req's idempotency key was applied
func (h *Handler) replay(ctx context.Context, req Request) (*Result, bool, error) {
	prior, err := h.store.FindConfirmation(ctx, req.TaskID, req.PeriodKey, req.IdempotencyKey)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	h.metrics.RecordConfirmReplay()
	h.log.DebugContext(ctx, "Confirmation replayed", "action", string(prior.Action))
	return &Result{
		Confirmation: prior,
		Status:       prior.ResultStatus,
		ExpenseID:    prior.ExpenseID,
		Replayed:     true,
	}, true, nil
}

// lost handles a claim refused because the period closed or another key holds it
func (h *Handler) lost(ctx context.Context, req Request, r *task.Reminder) (*Result, error) {
	if res, ok, err := h.replay(ctx, req); ok || err != nil {
		return res, err
	}
	h.metrics.RecordConfirmConflict()

	status := ""
	if !r.Open() {
		status = string(r.Status)
	}
	h.log.InfoContext(ctx, "Confirmation lost the claim",
		"action", string(req.Action),
		"status", string(r.Status))
	return nil, &apperrors.ConflictError{TaskID: req.TaskID, PeriodKey: req.PeriodKey, Status: status}
}

// afterConflict resolves a conflict raised while closing: the same key may have
// been applied concurrently, in which case it is a replay.
func (h *Handler) afterConflict(ctx context.Context, conf *task.Confirmation, err error) (*Result, error) {
	if !errors.Is(err, apperrors.ErrConflict) {
		return nil, err
	}
	req := Request{TaskID: conf.TaskID, PeriodKey: conf.PeriodKey, IdempotencyKey: conf.IdempotencyKey}
	if res, ok, rerr := h.replay(ctx, req); ok || rerr != nil {
		return res, rerr
	}
	h.metrics.RecordConfirmConflict()
	return nil, err
}

func (h *Handler) complete(ctx context.Context, t *task.Task, r *task.Reminder, conf *task.Confirmation, o posting.Overrides) (*Result, error) {
	posted, err := h.poster.Post(ctx, t, r.PeriodKey, o)
	if err != nil {
		// The period stays open; the same key can re-drive the posting
		if rerr := h.store.ReleaseClaim(context.WithoutCancel(ctx), r.ID, conf.IdempotencyKey); rerr != nil {
			h.log.WarnContext(ctx, "Failed to release claim", "error", rerr)
		}
		h.log.WarnContext(ctx, "Complete not applied, posting failed",
			"retryable", apperrors.IsRetryable(err),
			"error", err)
		return nil, err
	}
	return h.close(ctx, r, conf, task.ReminderConfirmed, posted.ExpenseID, false)
}

func (h *Handler) close(ctx context.Context, r *task.Reminder, conf *task.Confirmation, status task.ReminderStatus, expenseID string, pause bool) (*Result, error) {
	err := h.store.Close(ctx, store.CloseParams{
		ReminderID:   r.ID,
		ClaimKey:     conf.IdempotencyKey,
		Status:       status,
		ExpenseID:    expenseID,
		PauseTask:    pause,
		Confirmation: conf,
	})
	if err != nil {
		if expenseID != "" {
			h.log.ErrorContext(ctx, "Expense posted but period could not be closed",
				"expense_id", expenseID,
				"error", err)
		}
		return h.afterConflict(ctx, conf, err)
	}
	if pause {
		h.log.InfoContext(ctx, "Task paused by cancel")
	}
	return &Result{Confirmation: conf, Status: status, ExpenseID: expenseID}, nil
}

func (h *Handler) snooze(ctx context.Context, r *task.Reminder, conf *task.Confirmation, until time.Time) (*Result, error) {
	err := h.store.Snooze(ctx, store.SnoozeParams{
		ReminderID:   r.ID,
		ClaimKey:     conf.IdempotencyKey,
		Until:        until,
		Confirmation: conf,
	})
	if err != nil {
		return h.afterConflict(ctx, conf, err)
	}
	return &Result{Confirmation: conf, Status: task.ReminderSnoozed, SnoozedUntil: &until}, nil
}

func parseOverrides(payload json.RawMessage) (posting.Overrides, error) {
	var o posting.Overrides
	if len(payload) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(payload, &o); err != nil {
		return o, &apperrors.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return o, nil
}

func (h *Handler) snoozeUntil(payload json.RawMessage, now time.Time) (time.Time, error) {
	until := now.Add(h.defaultSnooze)
	if len(payload) == 0 {
		return until, nil
	}

	var p snoozePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return time.Time{}, &apperrors.ValidationError{Field: "payload", Reason: err.Error()}
	}
	switch {
	case p.Until != nil:
		until = p.Until.UTC()
	case p.Minutes < 0:
		return time.Time{}, &apperrors.ValidationError{Field: "minutes", Reason: "must be positive"}
	case p.Minutes > 0:
		until = now.Add(time.Duration(p.Minutes) * time.Minute)
	}
	if !until.After(now) {
		return time.Time{}, &apperrors.ValidationError{Field: "until", Reason: "must be in the future"}
	}
	return until, nil
}
