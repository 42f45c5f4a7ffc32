package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

type fixedLocator struct {
	loc *time.Location
	err error
}

func (f fixedLocator) Location(ctx context.Context, ownerID int64) (*time.Location, error) {
	return f.loc, f.err
}

type fakeConverter struct {
	rate decimal.Decimal
	err  error
	from string
	to   string
}

func (f *fakeConverter) ConvertAmount(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	f.from, f.to = from, to
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return amount.Mul(f.rate), nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newCardTask(channel string) (*task.Task, *task.Reminder) {
	start := time.Date(2024, time.December, 31, 16, 0, 0, 0, time.UTC)
	t := &task.Task{
		ID:      "rent",
		OwnerID: 4242,
		Name:    "Rent",
		Rule:    "monthly",
		Channel: channel,
		Status:  task.StatusActive,
		Template: task.ExpenseTemplate{
			Amount:   decimal.RequireFromString("1200"),
			Currency: "USD",
			Merchant: "Landlord",
		},
	}
	r := &task.Reminder{
		TaskID:      t.ID,
		PeriodKey:   "rent:2025-01",
		WindowStart: start,
		WindowEnd:   time.Date(2025, time.January, 31, 16, 0, 0, 0, time.UTC),
		ScheduledAt: start.Add(-24 * time.Hour),
		Status:      task.ReminderPending,
	}
	return t, r
}

func TestCallbackData(t *testing.T) {
	for _, action := range []task.Action{task.ActionComplete, task.ActionSkip, task.ActionSnooze, task.ActionCancel} {
		data, err := CallbackData(action, "rent:2025-01")
		if err != nil {
			t.Fatalf("CallbackData(%s) failed: %v", action, err)
		}
		if !strings.HasPrefix(data, "rb:") {
			t.Errorf("Expected rb: prefix, got %s", data)
		}

		gotAction, gotKey, err := ParseCallbackData(data)
		if err != nil {
			t.Fatalf("ParseCallbackData(%s) failed: %v", data, err)
		}
		if gotAction != action || gotKey != "rent:2025-01" {
			t.Errorf("Expected %s/rent:2025-01, got %s/%s", action, gotAction, gotKey)
		}
	}

	// uuid task id plus the longest (cron) suffix still fits
	longKey := "0b6f8e5c-3f7a-4a8e-9f3b-2c1d5e7a9b0c:2025-06-16T09:00+0800"
	data, err := CallbackData(task.ActionComplete, longKey)
	if err != nil {
		t.Fatalf("Expected long key to fit, got %v", err)
	}
	if len(data) > 64 {
		t.Errorf("Expected at most 64 bytes, got %d", len(data))
	}

	if _, err := CallbackData(task.ActionComplete, strings.Repeat("k", 70)); err == nil {
		t.Error("Expected error for oversized callback data")
	}

	for _, bad := range []string{"", "rb:c", "xx:c:rent:2025-01", "rb:q:rent:2025-01", "rb:c:nokey"} {
		if _, _, err := ParseCallbackData(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestRender(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("Failed to load location: %v", err)
	}
	tk, rem := newCardTask(task.ChannelTelegram)

	r := NewRenderer(fixedLocator{loc: shanghai}, nil, "")
	msg := r.Render(context.Background(), tk, rem)

	if !strings.Contains(msg.Text, "Reminder: Rent") {
		t.Errorf("Expected task name in text, got %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "1200.00 USD") {
		t.Errorf("Expected formatted amount, got %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "01 Jan 2025 - 31 Jan 2025") {
		t.Errorf("Expected local period label, got %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "00:00 CST") {
		t.Errorf("Expected local due time, got %q", msg.Text)
	}
	if len(msg.Buttons) != 4 {
		t.Fatalf("Expected 4 buttons, got %d", len(msg.Buttons))
	}
	if msg.Buttons[0].Data != "rb:c:rent:2025-01" {
		t.Errorf("Unexpected complete button data %s", msg.Buttons[0].Data)
	}
	if msg.OwnerID != tk.OwnerID || msg.PeriodKey != rem.PeriodKey {
		t.Errorf("Unexpected message routing fields: %+v", msg)
	}
}

func TestRender_DisplayCurrency(t *testing.T) {
	tk, rem := newCardTask(task.ChannelTelegram)

	conv := &fakeConverter{rate: decimal.RequireFromString("7.1")}
	msg := NewRenderer(nil, conv, "cny").Render(context.Background(), tk, rem)
	if !strings.Contains(msg.Text, "1200.00 USD (~8520.00 CNY)") {
		t.Errorf("Expected converted amount, got %q", msg.Text)
	}
	if conv.from != "USD" || conv.to != "CNY" {
		t.Errorf("Expected USD->CNY conversion, got %s->%s", conv.from, conv.to)
	}

	failing := &fakeConverter{err: errors.New("fx down")}
	msg = NewRenderer(nil, failing, "CNY").Render(context.Background(), tk, rem)
	if strings.Contains(msg.Text, "CNY") {
		t.Errorf("Expected failed conversion to be omitted, got %q", msg.Text)
	}

	same := &fakeConverter{rate: decimal.NewFromInt(2)}
	NewRenderer(nil, same, "USD").Render(context.Background(), tk, rem)
	if same.from != "" {
		t.Error("Expected no conversion when display currency matches")
	}
}

func TestRender_FallsBackToUTC(t *testing.T) {
	tk, rem := newCardTask(task.ChannelTelegram)
	msg := NewRenderer(fixedLocator{err: errors.New("directory down")}, nil, "").Render(context.Background(), tk, rem)
	if !strings.Contains(msg.Text, "16:00 UTC") {
		t.Errorf("Expected UTC rendering, got %q", msg.Text)
	}
}

func TestRouter_Dispatch(t *testing.T) {
	tk, rem := newCardTask(task.ChannelWebhook)
	router := NewRouter(NewRenderer(nil, nil, ""), 0)
	sender := &recordingSender{}
	router.Register("WEBHOOK", sender)

	content, err := router.Notify(context.Background(), tk, rem)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(sender.sent))
	}
	if content != sender.sent[0].Text {
		t.Errorf("Expected returned content to match the sent text")
	}
	if chans := router.Channels(); len(chans) != 1 || chans[0] != "webhook" {
		t.Errorf("Unexpected channels %v", chans)
	}
}

func TestRouter_UnknownChannel(t *testing.T) {
	tk, rem := newCardTask("carrier-pigeon")
	router := NewRouter(NewRenderer(nil, nil, ""), 0)

	content, err := router.Notify(context.Background(), tk, rem)
	var derr *apperrors.RetryableDeliveryError
	if !errors.As(err, &derr) || derr.Kind != apperrors.DeliveryRejected {
		t.Fatalf("Expected rejected delivery error, got %v", err)
	}
	if content == "" {
		t.Error("Expected rendered content even on failure")
	}
}

func TestRouter_SenderFailure(t *testing.T) {
	tk, rem := newCardTask(task.ChannelWebhook)
	router := NewRouter(NewRenderer(nil, nil, ""), 0)
	want := &apperrors.RetryableDeliveryError{Channel: task.ChannelWebhook, Kind: apperrors.DeliveryUnknown, Err: errors.New("timeout")}
	router.Register(task.ChannelWebhook, &recordingSender{err: want})

	content, err := router.Notify(context.Background(), tk, rem)
	if !errors.Is(err, want) {
		t.Errorf("Expected sender error to pass through, got %v", err)
	}
	if content == "" {
		t.Error("Expected rendered content even on failure")
	}
}

func TestRouter_RateLimitHonoursContext(t *testing.T) {
	tk, rem := newCardTask(task.ChannelWebhook)
	router := NewRouter(NewRenderer(nil, nil, ""), 1)
	sender := &recordingSender{}
	router.Register(task.ChannelWebhook, sender)

	if _, err := router.Notify(context.Background(), tk, rem); err != nil {
		t.Fatalf("First notify failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := router.Notify(ctx, tk, rem)
	var derr *apperrors.RetryableDeliveryError
	if !errors.As(err, &derr) || derr.Kind != apperrors.DeliveryRejected {
		t.Fatalf("Expected rejected delivery error, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("Expected the throttled message not to be sent, got %d sends", len(sender.sent))
	}
}
