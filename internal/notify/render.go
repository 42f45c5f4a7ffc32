package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Converter converts amounts for display
type Converter interface {
	ConvertAmount(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error)
}

// Locator resolves an owner's timezone
type Locator interface {
	Location(ctx context.Context, ownerID int64) (*time.Location, error)
}

// Renderer builds reminder cards in the owner's local time
type Renderer struct {
	zones           Locator
	converter       Converter
	displayCurrency string
	log             logger.Logger
}

// NewRenderer creates a renderer. converter may be nil; when it is set and
// displayCurrency differs from the template currency, cards also show the
// converted amount.
func NewRenderer(zones Locator, converter Converter, displayCurrency string) *Renderer {
	return &Renderer{
		zones:           zones,
		converter:       converter,
		displayCurrency: strings.ToUpper(strings.TrimSpace(displayCurrency)),
		log:             logger.Default().WithComponent(logger.ComponentNotifier),
	}
}

// SetLogger sets the renderer's logger
func (r *Renderer) SetLogger(l logger.Logger) {
	r.log = l.WithComponent(logger.ComponentNotifier)
}

// Render builds the card for rem. Rendering never fails: a missing timezone
// falls back to UTC and a failed conversion is left out.
func (r *Renderer) Render(ctx context.Context, t *task.Task, rem *task.Reminder) Message {
	loc := time.UTC
	if r.zones != nil {
		if l, err := r.zones.Location(ctx, t.OwnerID); err == nil {
			loc = l
		} else {
			r.log.WarnContext(ctx, "Owner timezone unavailable, rendering in UTC", "owner_id", t.OwnerID, "error", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reminder: %s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(&b, "%s\n", t.Description)
	}
	fmt.Fprintf(&b, "Amount: %s\n", r.amountLine(ctx, t, rem))
	if t.Template.Merchant != "" {
		fmt.Fprintf(&b, "Payee: %s\n", t.Template.Merchant)
	}
	fmt.Fprintf(&b, "Period: %s\n", periodLabel(rem, loc))
	fmt.Fprintf(&b, "Due: %s", rem.WindowStart.In(loc).Format("Mon 02 Jan 2006 15:04 MST"))
	if rem.Status == task.ReminderSnoozed {
		b.WriteString("\n(snoozed)")
	}

	return Message{
		OwnerID:   t.OwnerID,
		Channel:   t.Channel,
		TaskID:    t.ID,
		PeriodKey: rem.PeriodKey,
		Text:      b.String(),
		Buttons:   cardButtons(rem.PeriodKey),
	}
}

func (r *Renderer) amountLine(ctx context.Context, t *task.Task, rem *task.Reminder) string {
	tmpl := t.Template
	line := tmpl.Amount.StringFixed(2) + " " + tmpl.Currency
	if r.converter == nil || r.displayCurrency == "" || strings.EqualFold(r.displayCurrency, tmpl.Currency) {
		return line
	}

	converted, err := r.converter.ConvertAmount(ctx, tmpl.Amount, tmpl.Currency, r.displayCurrency, rem.WindowStart)
	if err != nil {
		r.log.WarnContext(ctx, "Display conversion failed",
			"from", tmpl.Currency,
			"to", r.displayCurrency,
			"error", err)
		return line
	}
	return fmt.Sprintf("%s (~%s %s)", line, converted.StringFixed(2), r.displayCurrency)
}

// periodLabel names the window in the owner's calendar
func periodLabel(rem *task.Reminder, loc *time.Location) string {
	start := rem.WindowStart.In(loc)
	end := rem.WindowEnd.In(loc)
	if end.Sub(start) <= 24*time.Hour {
		return start.Format("02 Jan 2006")
	}
	return start.Format("02 Jan 2006") + " - " + end.Add(-time.Nanosecond).Format("02 Jan 2006")
}

var cardActions = []struct {
	action task.Action
	label  string
}{
	{task.ActionComplete, "Paid"},
	{task.ActionSkip, "Skip"},
	{task.ActionSnooze, "Later"},
	{task.ActionCancel, "Stop reminding"},
}

func cardButtons(periodKey string) []Button {
	buttons := make([]Button, 0, len(cardActions))
	for _, a := range cardActions {
		data, err := CallbackData(a.action, periodKey)
		if err != nil {
			// Key too long for inline buttons; the card goes out without them
			return nil
		}
		buttons = append(buttons, Button{Label: a.label, Data: data})
	}
	return buttons
}
