// Package posting turns a completed period into exactly one downstream expense.
package posting

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/finance"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/metrics"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// tokenNamespace scopes posting tokens so they never collide with other UUIDv5 users
var tokenNamespace = uuid.MustParse("5b0c7f3e-5d6a-4a53-9d55-0c2a1f0e8b41")

// ExpenseCreator is the downstream expense operation
type ExpenseCreator interface {
	CreateExpense(ctx context.Context, req finance.ExpenseRequest, idempotencyKey string) (*finance.Expense, error)
}

// Locator resolves an owner's timezone
type Locator interface {
	Location(ctx context.Context, ownerID int64) (*time.Location, error)
}

// Overrides adjust the template for one posting
type Overrides struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Note   *string          `json:"note,omitempty"`
}

// Result is an accepted posting
type Result struct {
	ExpenseID string
	Token     string
	// Duplicate is set when the downstream already held the expense
	Duplicate bool
}

// Coordinator posts template expenses
type Coordinator struct {
	creator ExpenseCreator
	zones   Locator
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Collector
	log     logger.Logger
}

// NewCoordinator creates a coordinator whose downstream calls are bounded by timeout
func NewCoordinator(creator ExpenseCreator, zones Locator, timeout time.Duration) *Coordinator {
	return &Coordinator{
		creator: creator,
		zones:   zones,
		timeout: timeout,
		now:     time.Now,
		metrics: metrics.Default(),
		log:     logger.Default().WithComponent(logger.ComponentPosting),
	}
}

// SetLogger sets the coordinator's logger
func (c *Coordinator) SetLogger(l logger.Logger) {
	c.log = l.WithComponent(logger.ComponentPosting)
}

// SetMetrics sets the metrics collector
func (c *Coordinator) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// SetClock overrides the time source (tests)
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Token derives the idempotency token of a (task, period) posting. The same
// inputs always give the same token.
func Token(taskID, periodKey string) string {
	return uuid.NewSHA1(tokenNamespace, []byte(taskID+"\x00"+periodKey)).String()
}

// Post creates the expense of t's template for periodKey, occurring now in the
// owner's timezone. Failures are *errors.RetryablePostingError or
// *errors.TerminalPostingError; nothing is persisted here.
func (c *Coordinator) Post(ctx context.Context, t *task.Task, periodKey string, o Overrides) (*Result, error) {
	ctx = logger.WithReminder(ctx, t.ID, periodKey)
	token := Token(t.ID, periodKey)

	loc, err := c.zones.Location(ctx, t.OwnerID)
	if err != nil {
		return nil, &apperrors.RetryablePostingError{PeriodKey: periodKey, Err: err}
	}

	tmpl := t.Template
	amount := tmpl.Amount
	if o.Amount != nil {
		amount = *o.Amount
	}
	note := tmpl.Note
	if o.Note != nil {
		note = *o.Note
	}
	if amount.IsNegative() {
		return nil, &apperrors.TerminalPostingError{PeriodKey: periodKey, Reason: "amount cannot be negative"}
	}

	req := finance.ExpenseRequest{
		OwnerID:       t.OwnerID,
		Amount:        amount,
		Currency:      tmpl.Currency,
		CategoryID:    tmpl.CategoryID,
		Merchant:      tmpl.Merchant,
		PaidAccountID: tmpl.PaymentAccountID,
		OccurredAt:    c.now().In(loc),
		SourceRef:     token,
		Note:          note,
		Tags:          tmpl.Tags,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	exp, err := c.creator.CreateExpense(callCtx, req, token)
	if errors.Is(err, finance.ErrDuplicate) {
		c.metrics.RecordPosting(true)
		c.log.InfoContext(ctx, "Expense already posted downstream", "token", token)
		return &Result{ExpenseID: "ref:" + token, Token: token, Duplicate: true}, nil
	}
	if err != nil {
		c.metrics.RecordPosting(false)
		perr := classify(periodKey, err)
		c.log.WarnContext(ctx, "Expense posting failed",
			"token", token,
			"retryable", apperrors.IsRetryable(perr),
			"duration", time.Since(start),
			"error", err)
		return nil, perr
	}

	c.metrics.RecordPosting(true)
	c.log.InfoContext(ctx, "Expense posted",
		"expense_id", exp.ID,
		"amount", amount.String(),
		"currency", tmpl.Currency,
		"duration", time.Since(start))
	return &Result{ExpenseID: exp.ID, Token: token}, nil
}

// classify maps downstream failures onto the posting error taxonomy. Timeouts
// and anything else that may have reached the service are unknown outcomes.
func classify(periodKey string, err error) error {
	var statusErr *finance.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return &apperrors.RetryablePostingError{PeriodKey: periodKey, Err: err}
		}
		return &apperrors.TerminalPostingError{PeriodKey: periodKey, Reason: statusErr.Error()}
	}

	// A failed dial never reached the service
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &apperrors.RetryablePostingError{PeriodKey: periodKey, Err: err}
	}
	return &apperrors.RetryablePostingError{PeriodKey: periodKey, Unknown: true, Err: err}
}
