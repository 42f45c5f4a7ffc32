package notify

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/muaviaUsmani/duebook/internal/confirm"
	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// fakeBot records every call made to the bot API
type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) callbackAnswers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.requests {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb.Text)
		}
	}
	return out
}

func (b *fakeBot) markupEdits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.requests {
		if _, ok := c.(tgbotapi.EditMessageReplyMarkupConfig); ok {
			n++
		}
	}
	return n
}

func TestTelegramSender_Send(t *testing.T) {
	bot := &fakeBot{}
	sender := NewTelegramSenderWithAPI(bot)
	tk, rem := newCardTask(task.ChannelTelegram)
	msg := NewRenderer(nil, nil, "").Render(context.Background(), tk, rem)

	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(bot.sent))
	}

	out, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("Expected MessageConfig, got %T", bot.sent[0])
	}
	if out.ChatID != tk.OwnerID {
		t.Errorf("Expected chat %d, got %d", tk.OwnerID, out.ChatID)
	}
	kb, ok := out.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("Expected inline keyboard, got %T", out.ReplyMarkup)
	}
	if len(kb.InlineKeyboard) != 2 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("Expected a 2x2 keyboard, got %v", kb.InlineKeyboard)
	}
	if data := kb.InlineKeyboard[0][0].CallbackData; data == nil || *data != "rb:c:rent:2025-01" {
		t.Errorf("Unexpected callback data %v", data)
	}
}

func TestTelegramSender_FailureKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.DeliveryKind
	}{
		{"api error", &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, apperrors.DeliveryRejected},
		{"timeout", &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: context.DeadlineExceeded}, apperrors.DeliveryUnknown},
		{"other", errors.New("boom"), apperrors.DeliveryRejected},
	}

	tk, rem := newCardTask(task.ChannelTelegram)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewTelegramSenderWithAPI(&fakeBot{sendErr: tt.err})
			err := sender.Send(context.Background(), NewRenderer(nil, nil, "").Render(context.Background(), tk, rem))

			var derr *apperrors.RetryableDeliveryError
			if !errors.As(err, &derr) {
				t.Fatalf("Expected RetryableDeliveryError, got %v", err)
			}
			if derr.Kind != tt.want {
				t.Errorf("Expected kind %s, got %s", tt.want, derr.Kind)
			}
		})
	}
}

// scriptedConfirmer returns result or err and records requests
type scriptedConfirmer struct {
	mu       sync.Mutex
	requests []confirm.Request
	result   *confirm.Result
	err      error
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, req confirm.Request) (*confirm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.result, c.err
}

// ownedTasks serves tasks by id with a fixed owner
type ownedTasks map[string]int64

func (o ownedTasks) GetTask(ctx context.Context, id string) (*task.Task, error) {
	owner, ok := o[id]
	if !ok {
		return nil, &apperrors.NotFoundError{Entity: "task", Key: id}
	}
	return &task.Task{ID: id, OwnerID: owner, Status: task.StatusActive}, nil
}

var rentTasks = ownedTasks{"rent": 4242}

func newCallback(data string, messageID int) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:   "cb-1",
		Data: data,
		From: &tgbotapi.User{ID: 4242},
		Message: &tgbotapi.Message{
			MessageID: messageID,
			Chat:      &tgbotapi.Chat{ID: 4242},
		},
	}
}

func TestListener_HandleCallback(t *testing.T) {
	bot := &fakeBot{}
	confirmer := &scriptedConfirmer{result: &confirm.Result{Status: task.ReminderConfirmed, ExpenseID: "exp-1"}}
	l := NewListener(bot, nil, rentTasks, confirmer)

	if err := l.HandleCallback(context.Background(), newCallback("rb:c:rent:2025-01", 77)); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}

	if len(confirmer.requests) != 1 {
		t.Fatalf("Expected 1 confirmation, got %d", len(confirmer.requests))
	}
	req := confirmer.requests[0]
	if req.TaskID != "rent" || req.PeriodKey != "rent:2025-01" || req.Action != task.ActionComplete {
		t.Errorf("Unexpected request %+v", req)
	}
	if req.IdempotencyKey != "tg:77:complete" {
		t.Errorf("Expected key tg:77:complete, got %s", req.IdempotencyKey)
	}

	answers := bot.callbackAnswers()
	if len(answers) != 1 || answers[0] != "Recorded as paid" {
		t.Errorf("Unexpected answers %v", answers)
	}
	if bot.markupEdits() != 1 {
		t.Errorf("Expected buttons to be cleared, got %d edits", bot.markupEdits())
	}
}

func TestListener_SameTapSameKey(t *testing.T) {
	bot := &fakeBot{}
	confirmer := &scriptedConfirmer{result: &confirm.Result{Status: task.ReminderSkipped}}
	l := NewListener(bot, nil, rentTasks, confirmer)

	for i := 0; i < 2; i++ {
		if err := l.HandleCallback(context.Background(), newCallback("rb:s:rent:2025-01", 9)); err != nil {
			t.Fatalf("HandleCallback failed: %v", err)
		}
	}
	if confirmer.requests[0].IdempotencyKey != confirmer.requests[1].IdempotencyKey {
		t.Errorf("Expected repeated taps to share a key, got %s and %s",
			confirmer.requests[0].IdempotencyKey, confirmer.requests[1].IdempotencyKey)
	}
}

func TestListener_Failures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		answer    string
		wantErr   bool
		wantClear bool
	}{
		{"conflict", &apperrors.ConflictError{TaskID: "rent", PeriodKey: "rent:2025-01", Status: "skipped"}, "Already resolved", false, true},
		{"claim held", &apperrors.ConflictError{TaskID: "rent", PeriodKey: "rent:2025-01"}, "Another action is in progress, try again shortly", false, false},
		{"claim held on open period", &apperrors.ConflictError{TaskID: "rent", PeriodKey: "rent:2025-01", Status: "sent"}, "Another action is in progress, try again shortly", false, false},
		{"not found", &apperrors.NotFoundError{Entity: "reminder", Key: "rent:2025-01"}, "Reminder not found", false, true},
		{"retryable", &apperrors.RetryablePostingError{PeriodKey: "rent:2025-01", Unknown: true, Err: errors.New("timeout")}, "Could not record the expense yet, tap again in a moment", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bot := &fakeBot{}
			l := NewListener(bot, nil, rentTasks, &scriptedConfirmer{err: tt.err})

			err := l.HandleCallback(context.Background(), newCallback("rb:c:rent:2025-01", 5))
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
			answers := bot.callbackAnswers()
			if len(answers) != 1 || answers[0] != tt.answer {
				t.Errorf("Unexpected answers %v", answers)
			}
			if cleared := bot.markupEdits() > 0; cleared != tt.wantClear {
				t.Errorf("Expected cleared=%v, got %v", tt.wantClear, cleared)
			}
		})
	}
}

func TestListener_BadData(t *testing.T) {
	bot := &fakeBot{}
	confirmer := &scriptedConfirmer{}
	l := NewListener(bot, nil, rentTasks, confirmer)

	if err := l.HandleCallback(context.Background(), newCallback("complete:12", 1)); err == nil {
		t.Error("Expected error for foreign callback data")
	}
	if len(confirmer.requests) != 0 {
		t.Errorf("Expected no confirmation, got %d", len(confirmer.requests))
	}
	if len(bot.callbackAnswers()) != 1 {
		t.Error("Expected the callback to be answered")
	}
}

func TestListener_SnoozeAnswer(t *testing.T) {
	until := time.Date(2025, time.January, 1, 9, 30, 0, 0, time.UTC)
	bot := &fakeBot{}
	l := NewListener(bot, nil, rentTasks, &scriptedConfirmer{result: &confirm.Result{Status: task.ReminderSnoozed, SnoozedUntil: &until}})

	if err := l.HandleCallback(context.Background(), newCallback("rb:z:rent:2025-01", 3)); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if answers := bot.callbackAnswers(); len(answers) != 1 || answers[0] != "Snoozed until 09:30 UTC" {
		t.Errorf("Unexpected answers %v", answers)
	}
}

func TestListener_RejectsOtherUsers(t *testing.T) {
	bot := &fakeBot{}
	confirmer := &scriptedConfirmer{result: &confirm.Result{Status: task.ReminderConfirmed}}
	l := NewListener(bot, nil, rentTasks, confirmer)

	cb := newCallback("rb:c:rent:2025-01", 12)
	cb.From = &tgbotapi.User{ID: 1001}
	if err := l.HandleCallback(context.Background(), cb); err == nil {
		t.Error("Expected error for a tap by another user")
	}
	if len(confirmer.requests) != 0 {
		t.Errorf("Expected no confirmation, got %d", len(confirmer.requests))
	}
	if answers := bot.callbackAnswers(); len(answers) != 1 || answers[0] != "This reminder belongs to someone else" {
		t.Errorf("Unexpected answers %v", answers)
	}
	if bot.markupEdits() != 0 {
		t.Errorf("Expected buttons to stay, got %d edits", bot.markupEdits())
	}
}

func TestListener_UnknownTask(t *testing.T) {
	bot := &fakeBot{}
	confirmer := &scriptedConfirmer{}
	l := NewListener(bot, nil, rentTasks, confirmer)

	if err := l.HandleCallback(context.Background(), newCallback("rb:c:gone:2025-01", 4)); err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if len(confirmer.requests) != 0 {
		t.Errorf("Expected no confirmation, got %d", len(confirmer.requests))
	}
	if answers := bot.callbackAnswers(); len(answers) != 1 || answers[0] != "Reminder not found" {
		t.Errorf("Unexpected answers %v", answers)
	}
	if bot.markupEdits() != 1 {
		t.Errorf("Expected buttons to be cleared, got %d edits", bot.markupEdits())
	}
}
