// Package notify renders reminder cards and delivers them over the owner's
// channel. Delivery failures are *errors.RetryableDeliveryError; Kind tells
// the scanner whether the message certainly did not arrive (rejected) or may
// have arrived (unknown).
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Button is an inline action attached to a reminder card
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Message is a rendered reminder ready for a channel
type Message struct {
	OwnerID   int64    `json:"owner_id"`
	Channel   string   `json:"channel"`
	TaskID    string   `json:"task_id"`
	PeriodKey string   `json:"period_key"`
	Text      string   `json:"text"`
	Buttons   []Button `json:"buttons,omitempty"`
}

// Sender delivers a message over one channel
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Router renders reminders and dispatches them to the sender registered for
// the task's channel. It satisfies the scanner's Notifier.
type Router struct {
	renderer *Renderer
	limiter  *rate.Limiter
	log      logger.Logger

	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter creates a router sending at most ratePerSec messages per second
// across all channels. A non-positive rate disables limiting.
func NewRouter(renderer *Renderer, ratePerSec float64) *Router {
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &Router{
		renderer: renderer,
		limiter:  rate.NewLimiter(limit, burst),
		log:      logger.Default().WithComponent(logger.ComponentNotifier),
		senders:  make(map[string]Sender),
	}
}

// SetLogger sets the router's logger
func (r *Router) SetLogger(l logger.Logger) {
	r.log = l.WithComponent(logger.ComponentNotifier)
}

// Register binds a sender to a channel tag, replacing any previous one
func (r *Router) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[strings.ToLower(channel)] = s
}

// Channels lists the registered channel tags
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	return out
}

// Notify renders rem and sends it. The rendered text is returned even when
// sending fails so the caller can record what was attempted.
func (r *Router) Notify(ctx context.Context, t *task.Task, rem *task.Reminder) (string, error) {
	msg := r.renderer.Render(ctx, t, rem)

	r.mu.RLock()
	sender, ok := r.senders[strings.ToLower(t.Channel)]
	r.mu.RUnlock()
	if !ok {
		return msg.Text, &apperrors.RetryableDeliveryError{
			Channel: t.Channel,
			Kind:    apperrors.DeliveryRejected,
			Err:     fmt.Errorf("no sender registered for channel %q", t.Channel),
		}
	}

	// Nothing has been sent yet, so a cancelled wait is a definite failure
	if err := r.limiter.Wait(ctx); err != nil {
		return msg.Text, &apperrors.RetryableDeliveryError{Channel: t.Channel, Kind: apperrors.DeliveryRejected, Err: err}
	}

	if err := sender.Send(ctx, msg); err != nil {
		r.log.WarnContext(ctx, "Reminder delivery failed",
			"channel", t.Channel,
			"owner_id", t.OwnerID,
			"error", err)
		return msg.Text, err
	}
	r.log.DebugContext(ctx, "Reminder delivered", "channel", t.Channel, "owner_id", t.OwnerID)
	return msg.Text, nil
}

// Callback data codes carried by card buttons: rb:<code>:<period key>
const callbackPrefix = "rb"

var actionCodes = map[task.Action]string{
	task.ActionComplete: "c",
	task.ActionSkip:     "s",
	task.ActionSnooze:   "z",
	task.ActionCancel:   "x",
}

// maxCallbackData is telegram's limit on callback data
const maxCallbackData = 64

// CallbackData encodes a card button for action on periodKey
func CallbackData(action task.Action, periodKey string) (string, error) {
	code, ok := actionCodes[action]
	if !ok {
		return "", fmt.Errorf("no callback code for action %q", action)
	}
	data := callbackPrefix + ":" + code + ":" + periodKey
	if len(data) > maxCallbackData {
		return "", fmt.Errorf("callback data for %s exceeds %d bytes", periodKey, maxCallbackData)
	}
	return data, nil
}

// ParseCallbackData decodes button data produced by CallbackData
func ParseCallbackData(data string) (task.Action, string, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", "", fmt.Errorf("unrecognized callback data %q", data)
	}
	for action, code := range actionCodes {
		if code == parts[1] {
			if _, ok := task.TaskIDFromPeriodKey(parts[2]); !ok {
				return "", "", fmt.Errorf("callback data %q has no period key", data)
			}
			return action, parts[2], nil
		}
	}
	return "", "", fmt.Errorf("unknown action code %q", parts[1])
}
