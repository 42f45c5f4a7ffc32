package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// WebhookSender posts cards to an internal notify endpoint, which relays them
// to the owner (for example a separate bot process).
type WebhookSender struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookSender creates a sender for url. token is sent as X-Internal-Token when set.
func NewWebhookSender(url, token string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Send implements Sender
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return s.fail(apperrors.DeliveryRejected, fmt.Errorf("encode message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return s.fail(apperrors.DeliveryRejected, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("X-Internal-Token", s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(transportFailureKind(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return s.fail(apperrors.DeliveryRejected,
		fmt.Errorf("notify endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
}

func (s *WebhookSender) fail(kind apperrors.DeliveryKind, err error) error {
	return &apperrors.RetryableDeliveryError{Channel: task.ChannelWebhook, Kind: kind, Err: err}
}

// transportFailureKind: a refused connection never reached the endpoint, a
// timeout may have.
func transportFailureKind(err error) apperrors.DeliveryKind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
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
