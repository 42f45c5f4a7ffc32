// Package alert surfaces operational problems that need a human, such as
// reminders whose delivery was given up on.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/duebook/internal/logger"
)

// Kind classifies an alert
type Kind string

const (
	// KindDeliveryFailed is raised when a reminder exhausted its delivery attempts
	KindDeliveryFailed Kind = "delivery_failed"
	// KindDeliveryUnknown is raised when a send timed out and may not have arrived
	KindDeliveryUnknown Kind = "delivery_unknown"
)

// Alert is one operational event
type Alert struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id"`
	PeriodKey string    `json:"period_key"`
	OwnerID   int64     `json:"owner_id"`
	Channel   string    `json:"channel,omitempty"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Sink receives alerts
type Sink interface {
	Push(ctx context.Context, a Alert) error
}

// DefaultKey is the Redis list alerts are pushed to
const DefaultKey = "duebook:alerts"

// RedisSink keeps the most recent alerts in a capped Redis list
type RedisSink struct {
	client redis.Cmdable
	key    string
	max    int64
}

// NewRedisSink creates a sink keeping at most 1000 alerts under DefaultKey
func NewRedisSink(client redis.Cmdable) *RedisSink {
	return &RedisSink{client: client, key: DefaultKey, max: 1000}
}

// Push prepends a to the list and trims it
func (s *RedisSink) Push(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push alert: %w", err)
	}
	return nil
}

// Recent returns up to n alerts, newest first
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Alert, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read alerts: %w", err)
	}

	out := make([]Alert, 0, len(raw))
	for _, item := range raw {
		var a Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// LogSink writes alerts to the audit log. Used when Redis is not configured.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink over l
func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{log: l.WithSource(logger.LogSourceAudit)}
}

func (s *LogSink) Push(ctx context.Context, a Alert) error {
	s.log.ErrorContext(ctx, "Operational alert",
		"kind", string(a.Kind),
		"task_id", a.TaskID,
		"period_key", a.PeriodKey,
		"owner_id", a.OwnerID,
		"attempts", a.Attempts,
		"reason", a.Reason)
	return nil
}
