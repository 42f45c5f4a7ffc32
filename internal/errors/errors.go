// Package errors defines the scheduler's error taxonomy.
//
// Every typed error matches its package sentinel with errors.Is, so callers
// can branch on the kind without type assertions:
//
//	if errors.Is(err, apperrors.ErrConflict) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRule       = stderrors.New("invalid recurrence rule")
	ErrClockSkew         = stderrors.New("reference instant precedes task anchor")
	ErrNotFound          = stderrors.New("not found")
	ErrValidation        = stderrors.New("invalid request")
	ErrConflict          = stderrors.New("period already resolved differently")
	ErrRetryableDelivery = stderrors.New("reminder delivery failed")
	ErrRetryablePosting  = stderrors.New("expense posting failed, retry with the same idempotency key")
	ErrTerminalPosting   = stderrors.New("expense posting rejected")
)

// InvalidRuleError is returned when a recurrence rule cannot be parsed
type InvalidRuleError struct {
	Rule   string
	Reason string
	Err    error
}

func (e *InvalidRuleError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid recurrence rule %q: %s", e.Rule, e.Reason)
	}
	return fmt.Sprintf("invalid recurrence rule %q: %v", e.Rule, e.Err)
}

func (e *InvalidRuleError) Unwrap() error        { return e.Err }
func (e *InvalidRuleError) Is(target error) bool { return target == ErrInvalidRule }

// ClockSkewError signals a period was resolved for an instant before the task anchor
type ClockSkewError struct {
	TaskID    string
	Reference time.Time
	Anchor    time.Time
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("task %s: reference %s precedes anchor %s",
		e.TaskID, e.Reference.UTC().Format(time.RFC3339), e.Anchor.UTC().Format(time.RFC3339))
}

func (e *ClockSkewError) Is(target error) bool { return target == ErrClockSkew }

// NotFoundError reports an unknown task or period
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports a malformed request field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports a closed period addressed with a different idempotency key
type ConflictError struct {
	TaskID    string
	PeriodKey string
	// Status is the status the period was resolved to, if known
	Status string
}

func (e *ConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("period %s already resolved as %s", e.PeriodKey, e.Status)
	}
	return fmt.Sprintf("period %s is being resolved by another confirmation", e.PeriodKey)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// DeliveryKind distinguishes a definite notifier failure from an unknown outcome
type DeliveryKind string

const (
	DeliveryRejected DeliveryKind = "rejected"
	DeliveryUnknown  DeliveryKind = "unknown"
)

// RetryableDeliveryError is returned by notifier adapters
type RetryableDeliveryError struct {
	Channel string
	Kind    DeliveryKind
	Err     error
}

func (e *RetryableDeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s (%s): %v", e.Channel, e.Kind, e.Err)
}

func (e *RetryableDeliveryError) Unwrap() error        { return e.Err }
func (e *RetryableDeliveryError) Is(target error) bool { return target == ErrRetryableDelivery }

// RetryablePostingError covers transient downstream failures and timeouts.
// Retrying with the same idempotency key never produces a second expense.
type RetryablePostingError struct {
	PeriodKey string
	// Unknown is true when the downstream outcome could not be observed (timeout)
	Unknown bool
	Err     error
}

func (e *RetryablePostingError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("post expense for %s: outcome unknown: %v", e.PeriodKey, e.Err)
	}
	return fmt.Sprintf("post expense for %s: %v", e.PeriodKey, e.Err)
}

func (e *RetryablePostingError) Unwrap() error        { return e.Err }
func (e *RetryablePostingError) Is(target error) bool { return target == ErrRetryablePosting }

// TerminalPostingError is a downstream validation rejection
type TerminalPostingError struct {
	PeriodKey string
	Reason    string
}

func (e *TerminalPostingError) Error() string {
	return fmt.Sprintf("post expense for %s rejected: %s", e.PeriodKey, e.Reason)
}

func (e *TerminalPostingError) Is(target error) bool { return target == ErrTerminalPosting }

// IsRetryable reports whether err is safe to retry with the same inputs
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrRetryablePosting) || stderrors.Is(err, ErrRetryableDelivery)
}
