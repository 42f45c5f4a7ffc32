// Package client is a typed Go client for the duebook HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// Client calls the API on behalf of one owner
type Client struct {
	baseURL string
	ownerID int64
	http    *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for baseURL acting as ownerID. ownerID may be
// zero for the unscoped endpoints (due tasks, metrics).
func NewClient(baseURL string, ownerID int64, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ownerID: ownerID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Template is the expense posted when a period is completed
type Template struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CategoryID       *int64          `json:"category_id,omitempty"`
	Merchant         string          `json:"merchant,omitempty"`
	PaymentAccountID *int64          `json:"payment_account_id,omitempty"`
	Note             string          `json:"note,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
}

// CreateTaskInput describes a new recurring task.
// Anchor is RFC 3339, or local time "2006-01-02T15:04:05" read in Timezone
// (or the owner's stored timezone when Timezone is empty).
type CreateTaskInput struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Rule           string   `json:"rule"`
	Anchor         string   `json:"anchor"`
	Timezone       string   `json:"timezone,omitempty"`
	AdvanceMinutes int      `json:"advance_minutes"`
	Channel        string   `json:"channel,omitempty"`
	CatchUp        string   `json:"catch_up,omitempty"`
	MaxBackfill    *int     `json:"max_backfill,omitempty"`
	Template       Template `json:"template"`
}

// Task is a task as returned by the API
type Task struct {
	ID               string             `json:"id"`
	OwnerID          int64              `json:"owner_id"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	Rule             string             `json:"rule"`
	Anchor           time.Time          `json:"anchor"`
	AdvanceMinutes   int                `json:"advance_minutes"`
	Channel          string             `json:"channel"`
	Status           task.Status        `json:"status"`
	CatchUp          task.CatchUpPolicy `json:"catch_up"`
	MaxBackfill      int                `json:"max_backfill"`
	Template         Template           `json:"template"`
	LastClosedPeriod string             `json:"last_closed_period,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ReminderQuery filters ListReminders. Zero values are ignored.
type ReminderQuery struct {
	TaskID string
	Status task.ReminderStatus
	From   time.Time
	To     time.Time
	Limit  int
}

// ConfirmInput is a user decision on one period
type ConfirmInput struct {
	TaskID         string          `json:"task_id"`
	PeriodKey      string          `json:"period_key"`
	Action         task.Action     `json:"action"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ConfirmResult is the outcome of a confirmation
type ConfirmResult struct {
	Status       task.ReminderStatus `json:"status"`
	ExpenseID    string              `json:"expense_id,omitempty"`
	Replayed     bool                `json:"replayed"`
	SnoozedUntil *time.Time          `json:"snoozed_until,omitempty"`
	Confirmation *task.Confirmation  `json:"confirmation"`
}

// APIError is a non-success response. It matches the internal error
// sentinels, so errors.Is(err, errors.ErrConflict) works on the client side.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	// Status is the closed period's status on conflicts
	Status    string `json:"status"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("duebook api: %d %s", e.StatusCode, e.Message)
}

// Is maps HTTP statuses back onto the error taxonomy
func (e *APIError) Is(target error) bool {
	switch target {
	case apperrors.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case apperrors.ErrConflict:
		return e.StatusCode == http.StatusConflict
	case apperrors.ErrValidation:
		return e.Code == "validation"
	case apperrors.ErrTerminalPosting:
		return e.Code == "posting_rejected"
	case apperrors.ErrRetryablePosting:
		return e.Code == "posting_unavailable"
	}
	return false
}

// CreateTask creates a task
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns the owner's tasks, newest first
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out struct {
		Items []Task `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetTask returns one of the owner's tasks
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetTaskStatus pauses, resumes or archives a task
func (c *Client) SetTaskStatus(ctx context.Context, id string, status task.Status) (*Task, error) {
	var out Task
	body := map[string]string{"status": string(status)}
	if err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id)+"/status", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReminders returns the owner's reminders, most recently scheduled first
func (c *Client) ListReminders(ctx context.Context, q ReminderQuery) ([]task.Reminder, error) {
	params := url.Values{}
	if q.TaskID != "" {
		params.Set("task_id", q.TaskID)
	}
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var out struct {
		Items []task.Reminder `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/reminders", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Confirm applies a decision. Retrying with the same idempotency key is safe.
func (c *Client) Confirm(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	var out ConfirmResult
	if err := c.do(ctx, http.MethodPost, "/api/confirmations", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DueTaskIDs lists the tasks with a period due at now
func (c *Client) DueTaskIDs(ctx context.Context, now time.Time) ([]string, error) {
	params := url.Values{}
	if !now.IsZero() {
		params.Set("now", now.UTC().Format(time.RFC3339))
	}
	var out struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/due-tasks", params, nil, &out); err != nil {
		return nil, err
	}
	return out.TaskIDs, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ownerID != 0 {
		req.Header.Set("X-Owner-Id", strconv.FormatInt(c.ownerID, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
