// Package period maps a task's recurrence rule and a reference instant to the
// period window that contains it. Everything here is pure: identical inputs
// always resolve to the same period key.
package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
)

// Granularity is the recurrence unit of a rule
type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
	Custom  Granularity = "custom"
)

// cronParser accepts standard 5-field expressions and descriptors (@daily, @monthly...)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// probeFrom is a fixed instant used to check that a cron rule ever fires
var probeFrom = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Rule is a parsed recurrence rule
type Rule struct {
	Granularity Granularity
	// Expr is the cron expression for Custom rules
	Expr     string
	schedule cron.Schedule
}

// ParseRule parses daily, weekly, monthly, "cron:<expr>" and "cron <expr>".
func ParseRule(raw string) (Rule, error) {
	rule := strings.TrimSpace(raw)
	switch Granularity(strings.ToLower(rule)) {
	case Daily, Weekly, Monthly:
		return Rule{Granularity: Granularity(strings.ToLower(rule))}, nil
	}

	var expr string
	switch {
	case strings.HasPrefix(rule, "cron:"):
		expr = strings.TrimSpace(strings.TrimPrefix(rule, "cron:"))
	case strings.HasPrefix(rule, "cron "):
		expr = strings.TrimSpace(strings.TrimPrefix(rule, "cron "))
	default:
		return Rule{}, &apperrors.InvalidRuleError{Rule: raw, Reason: "expected daily, weekly, monthly or cron:<expr>"}
	}

	if expr == "" {
		return Rule{}, &apperrors.InvalidRuleError{Rule: raw, Reason: "empty cron expression"}
	}
	// The owner's timezone governs evaluation, and constant-delay schedules
	// have no fixed grid to derive period boundaries from.
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return Rule{}, &apperrors.InvalidRuleError{Rule: raw, Reason: "timezone prefixes are not allowed"}
	}
	if strings.HasPrefix(expr, "@every") {
		return Rule{}, &apperrors.InvalidRuleError{Rule: raw, Reason: "@every schedules are not supported"}
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return Rule{}, &apperrors.InvalidRuleError{Rule: raw, Err: err}
	}
	if schedule.Next(probeFrom).IsZero() {
		return Rule{}, &apperrors.InvalidRuleError{Rule: raw, Reason: "expression never fires"}
	}

	return Rule{Granularity: Custom, Expr: expr, schedule: schedule}, nil
}

// String returns the canonical form of the rule
func (r Rule) String() string {
	if r.Granularity == Custom {
		return "cron:" + r.Expr
	}
	return string(r.Granularity)
}

// LoadLocation resolves an IANA timezone name, defaulting to UTC when empty
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
