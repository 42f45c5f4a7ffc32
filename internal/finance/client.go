// Package finance is the HTTP client for the expense and currency service.
package finance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when the service already holds an expense for the
// request's source reference
var ErrDuplicate = errors.New("expense already exists")

// StatusError is a non-success HTTP response
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("finance api: %d %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("finance api: %d", e.StatusCode)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ExpenseRequest is the body of an expense creation
type ExpenseRequest struct {
	OwnerID       int64           `json:"-"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CategoryID    *int64          `json:"category_id,omitempty"`
	Merchant      string          `json:"merchant,omitempty"`
	PaidAccountID *int64          `json:"paid_account_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SourceRef     string          `json:"source_ref,omitempty"`
	Note          string          `json:"note,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
}

// Expense is a created expense
type Expense struct {
	ID string
}

// Client talks to the finance API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. timeout bounds each HTTP exchange; callers add
// their own context deadlines on top.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateExpense posts an expense. The service deduplicates on idempotencyKey,
// and on SourceRef (answering ErrDuplicate).
func (c *Client) CreateExpense(ctx context.Context, req ExpenseRequest, idempotencyKey string) (*Expense, error) {
	var out struct {
		ID json.RawMessage `json:"id"`
	}
	header := http.Header{}
	header.Set("Idempotency-Key", idempotencyKey)
	header.Set("X-Owner-Id", strconv.FormatInt(req.OwnerID, 10))

	err := c.do(ctx, http.MethodPost, "/expenses", header, req, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}

	id := strings.Trim(string(out.ID), `"`)
	if id == "" || id == "null" {
		return nil, fmt.Errorf("finance api: expense response without id")
	}
	return &Expense{ID: id}, nil
}

// ConvertAmount converts amount between currencies at the rate effective on at
func (c *Client) ConvertAmount(ctx context.Context, amount decimal.Decimal, from, to string, at time.Time) (decimal.Decimal, error) {
	body := map[string]interface{}{
		"amount": amount,
		"from":   strings.ToUpper(from),
		"to":     strings.ToUpper(to),
		"date":   at.Format("2006-01-02"),
	}
	var out struct {
		Converted decimal.Decimal `json:"converted"`
	}
	if err := c.do(ctx, http.MethodPost, "/convert", nil, body, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Converted, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Detail: detail(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// detail extracts {"detail": ...} error bodies, falling back to the raw text
func detail(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Detail) > 0 {
		return strings.Trim(string(parsed.Detail), `"`)
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
