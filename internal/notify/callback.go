package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/muaviaUsmani/duebook/internal/confirm"
	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Confirmer applies a user decision
type Confirmer interface {
	Confirm(ctx context.Context, req confirm.Request) (*confirm.Result, error)
}

// TaskGetter loads the task a card belongs to
type TaskGetter interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// UpdateSource is the long-polling part of *tgbotapi.BotAPI
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Listener turns taps on reminder card buttons into confirmations
type Listener struct {
	api       BotAPI
	updates   UpdateSource
	tasks     TaskGetter
	confirmer Confirmer
	log       logger.Logger
}

// NewListener creates a listener. updates may be nil when callbacks arrive
// through another path and are passed to HandleCallback directly.
func NewListener(api BotAPI, updates UpdateSource, tasks TaskGetter, confirmer Confirmer) *Listener {
	return &Listener{
		api:       api,
		updates:   updates,
		tasks:     tasks,
		confirmer: confirmer,
		log:       logger.Default().WithComponent(logger.ComponentNotifier),
	}
}

// SetLogger sets the listener's logger
func (l *Listener) SetLogger(lg logger.Logger) {
	l.log = lg.WithComponent(logger.ComponentNotifier)
}

// Run polls for updates until ctx is cancelled
func (l *Listener) Run(ctx context.Context) error {
	if l.updates == nil {
		return errors.New("listener has no update source")
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	cfg.AllowedUpdates = []string{"callback_query"}
	updates := l.updates.GetUpdatesChan(cfg)

	go func() {
		<-ctx.Done()
		l.updates.StopReceivingUpdates()
	}()

	l.log.Info("Callback listener started")
	for update := range updates {
		if update.CallbackQuery == nil {
			continue
		}
		if err := l.HandleCallback(ctx, update.CallbackQuery); err != nil {
			l.log.WarnContext(ctx, "Failed to handle callback", "error", err)
		}
	}
	l.log.Info("Callback listener stopped")
	return nil
}

// HandleCallback applies the action encoded in cb and answers it. The
// idempotency key is derived from the card message and the action, so
// repeated taps on the same button replay instead of re-applying.
func (l *Listener) HandleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	action, periodKey, err := ParseCallbackData(cb.Data)
	if err != nil {
		l.answer(cb.ID, "This button is no longer supported")
		return err
	}
	if cb.Message == nil {
		l.answer(cb.ID, "This reminder is too old to act on")
		return fmt.Errorf("callback %s carries no message", cb.ID)
	}

	taskID, _ := task.TaskIDFromPeriodKey(periodKey)
	t, err := l.tasks.GetTask(ctx, taskID)
	if errors.Is(err, apperrors.ErrNotFound) {
		l.answer(cb.ID, failureText(err))
		l.clearButtons(cb.Message)
		return nil
	}
	if err != nil {
		l.answer(cb.ID, failureText(err))
		return err
	}
	if sender := callbackSender(cb); sender != t.OwnerID {
		l.answer(cb.ID, "This reminder belongs to someone else")
		return fmt.Errorf("callback %s from %d on task %s owned by %d", cb.ID, sender, t.ID, t.OwnerID)
	}

	res, err := l.confirmer.Confirm(ctx, confirm.Request{
		TaskID:         taskID,
		PeriodKey:      periodKey,
		Action:         action,
		IdempotencyKey: IdempotencyKey(cb.Message.MessageID, action),
	})
	if err != nil {
		var conflict *apperrors.ConflictError
		if errors.As(err, &conflict) && !task.ReminderStatus(conflict.Status).Terminal() {
			// Another tap holds the period; it may still fail, so keep the buttons
			l.answer(cb.ID, "Another action is in progress, try again shortly")
			return nil
		}
		l.answer(cb.ID, failureText(err))
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
			// Stale card; drop its buttons
			l.clearButtons(cb.Message)
			return nil
		}
		return err
	}

	l.answer(cb.ID, successText(res))
	if res.Status.Terminal() || res.Status == task.ReminderSnoozed {
		l.clearButtons(cb.Message)
	}
	return nil
}

// callbackSender is the telegram user who tapped, falling back to the card's chat
func callbackSender(cb *tgbotapi.CallbackQuery) int64 {
	if cb.From != nil {
		return cb.From.ID
	}
	if cb.Message != nil && cb.Message.Chat != nil {
		return cb.Message.Chat.ID
	}
	return 0
}

// IdempotencyKey is the confirmation key for a tap on a card button
func IdempotencyKey(messageID int, action task.Action) string {
	return "tg:" + strconv.Itoa(messageID) + ":" + string(action)
}

func (l *Listener) answer(callbackID, text string) {
	if _, err := l.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		l.log.Warn("Failed to answer callback", "error", err)
	}
}

func (l *Listener) clearButtons(msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	empty := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	if _, err := l.api.Request(tgbotapi.NewEditMessageReplyMarkup(msg.Chat.ID, msg.MessageID, empty)); err != nil {
		l.log.Warn("Failed to clear card buttons", "error", err)
	}
}

func successText(res *confirm.Result) string {
	switch res.Status {
	case task.ReminderConfirmed:
		return "Recorded as paid"
	case task.ReminderSnoozed:
		if res.SnoozedUntil != nil {
			return "Snoozed until " + res.SnoozedUntil.Format("15:04 MST")
		}
		return "Snoozed"
	case task.ReminderSkipped:
		if res.Confirmation != nil && res.Confirmation.Action == task.ActionCancel {
			return "Reminders stopped for this task"
		}
		return "Skipped"
	}
	return "Done"
}

func failureText(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrConflict):
		return "Already resolved"
	case errors.Is(err, apperrors.ErrNotFound):
		return "Reminder not found"
	case errors.Is(err, apperrors.ErrTerminalPosting):
		return "The expense was rejected, please check the task template"
	case errors.Is(err, apperrors.ErrRetryablePosting):
		return "Could not record the expense yet, tap again in a moment"
	}
	return "Something went wrong, try again"
}
