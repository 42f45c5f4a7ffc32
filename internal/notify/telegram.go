package notify

import (
	"context"
	"errors"
	"fmt"
	"net"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// BotAPI is the part of *tgbotapi.BotAPI the telegram channel uses
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramSender delivers cards as telegram messages with inline buttons.
// The owner id is the telegram chat id.
type TelegramSender struct {
	api BotAPI
}

// NewTelegramSender authorizes token against the bot API
func NewTelegramSender(token string) (*TelegramSender, *tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, nil, fmt.Errorf("create bot api: %w", err)
	}
	return &TelegramSender{api: api}, api, nil
}

// NewTelegramSenderWithAPI wraps an existing API client
func NewTelegramSenderWithAPI(api BotAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

// Send implements Sender
func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &apperrors.RetryableDeliveryError{Channel: task.ChannelTelegram, Kind: apperrors.DeliveryRejected, Err: err}
	}

	out := tgbotapi.NewMessage(msg.OwnerID, msg.Text)
	if kb, ok := inlineKeyboard(msg.Buttons); ok {
		out.ReplyMarkup = kb
	}

	if _, err := s.api.Send(out); err != nil {
		return &apperrors.RetryableDeliveryError{Channel: task.ChannelTelegram, Kind: telegramFailureKind(err), Err: err}
	}
	return nil
}

// inlineKeyboard lays buttons out two per row
func inlineKeyboard(buttons []Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(buttons); i += 2 {
		row := []tgbotapi.InlineKeyboardButton{tgbotapi.NewInlineKeyboardButtonData(buttons[i].Label, buttons[i].Data)}
		if i+1 < len(buttons) {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(buttons[i+1].Label, buttons[i+1].Data))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// telegramFailureKind separates answers from the bot API, which are definite,
// from transport timeouts, after which the message may have been delivered.
func telegramFailureKind(err error) apperrors.DeliveryKind {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apperrors.DeliveryRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.DeliveryUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.DeliveryUnknown
	}
	return apperrors.DeliveryRejected
}
