// Package metrics keeps in-process counters for the scanner, confirmation and
// posting paths.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/muaviaUsmani/duebook/internal/task"
)

// Collector is the global metrics collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks system-wide metrics in memory
type Collector struct {
	// Counters (atomic for thread-safety)
	remindersCreated  atomic.Int64
	deliveriesSent    atomic.Int64
	deliveryFailures  atomic.Int64
	deliveriesGivenUp atomic.Int64
	periodsSkipped    atomic.Int64
	postingsSucceeded atomic.Int64
	postingsFailed    atomic.Int64
	confirmConflicts  atomic.Int64
	confirmReplays    atomic.Int64
	scanFailures      atomic.Int64

	// Breakdown maps and scan timing (protected by mutex)
	mu                  sync.RWMutex
	confirmationsByKind map[task.Action]int64
	remindersByStatus   map[task.ReminderStatus]int64
	scanCount           int64
	totalScanDuration   time.Duration
	lastScanAt          time.Time
	startTime           time.Time
}

// Metrics represents a snapshot of current system metrics
type Metrics struct {
	RemindersCreated      int64                         `json:"reminders_created"`
	DeliveriesSent        int64                         `json:"deliveries_sent"`
	DeliveryFailures      int64                         `json:"delivery_failures"`
	DeliveriesGivenUp     int64                         `json:"deliveries_given_up"`
	PeriodsSkipped        int64                         `json:"periods_skipped"`
	PostingsSucceeded     int64                         `json:"postings_succeeded"`
	PostingsFailed        int64                         `json:"postings_failed"`
	ConfirmConflicts      int64                         `json:"confirm_conflicts"`
	ConfirmReplays        int64                         `json:"confirm_replays"`
	ScanFailures          int64                         `json:"scan_failures"`
	ConfirmationsByAction map[task.Action]int64         `json:"confirmations_by_action"`
	RemindersByStatus     map[task.ReminderStatus]int64 `json:"reminders_by_status"`
	Scans                 int64                         `json:"scans"`
	AvgScanDuration       time.Duration                 `json:"avg_scan_duration"`
	LastScanAt            time.Time                     `json:"last_scan_at"`
	DeliveryFailureRate   float64                       `json:"delivery_failure_rate"`
	Uptime                time.Duration                 `json:"uptime"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		confirmationsByKind: make(map[task.Action]int64),
		remindersByStatus:   make(map[task.ReminderStatus]int64),
		startTime:           time.Now(),
	}
}

// RecordReminderCreated counts a newly materialized reminder in the given status
func (c *Collector) RecordReminderCreated(status task.ReminderStatus) {
	c.remindersCreated.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.remindersByStatus[status]++
}

// RecordDeliverySent counts a successful notification
func (c *Collector) RecordDeliverySent() {
	c.deliveriesSent.Add(1)
}

// RecordDeliveryFailed counts a failed attempt; gaveUp marks the retry bound was hit
func (c *Collector) RecordDeliveryFailed(gaveUp bool) {
	c.deliveryFailures.Add(1)
	if gaveUp {
		c.deliveriesGivenUp.Add(1)
	}
}

// RecordPeriodsSkipped counts periods closed by skip-forward catch-up
func (c *Collector) RecordPeriodsSkipped(n int) {
	c.periodsSkipped.Add(int64(n))
}

// RecordPosting counts an expense posting outcome
func (c *Collector) RecordPosting(ok bool) {
	if ok {
		c.postingsSucceeded.Add(1)
		return
	}
	c.postingsFailed.Add(1)
}

// RecordConfirmation counts an applied confirmation by action
func (c *Collector) RecordConfirmation(action task.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmationsByKind[action]++
}

// RecordConfirmConflict counts a confirmation rejected with a conflict
func (c *Collector) RecordConfirmConflict() {
	c.confirmConflicts.Add(1)
}

// RecordConfirmReplay counts an idempotent replay
func (c *Collector) RecordConfirmReplay() {
	c.confirmReplays.Add(1)
}

// RecordScan records one scanner pass
func (c *Collector) RecordScan(duration time.Duration, failed bool) {
	if failed {
		c.scanFailures.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanCount++
	c.totalScanDuration += duration
	c.lastScanAt = time.Now()
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byAction := make(map[task.Action]int64, len(c.confirmationsByKind))
	for k, v := range c.confirmationsByKind {
		byAction[k] = v
	}

	byStatus := make(map[task.ReminderStatus]int64, len(c.remindersByStatus))
	for k, v := range c.remindersByStatus {
		byStatus[k] = v
	}

	var avgScan time.Duration
	if c.scanCount > 0 {
		avgScan = c.totalScanDuration / time.Duration(c.scanCount)
	}

	sent := c.deliveriesSent.Load()
	failures := c.deliveryFailures.Load()
	var failureRate float64
	if attempts := sent + failures; attempts > 0 {
		failureRate = float64(failures) / float64(attempts) * 100
	}

	return Metrics{
		RemindersCreated:      c.remindersCreated.Load(),
		DeliveriesSent:        sent,
		DeliveryFailures:      failures,
		DeliveriesGivenUp:     c.deliveriesGivenUp.Load(),
		PeriodsSkipped:        c.periodsSkipped.Load(),
		PostingsSucceeded:     c.postingsSucceeded.Load(),
		PostingsFailed:        c.postingsFailed.Load(),
		ConfirmConflicts:      c.confirmConflicts.Load(),
		ConfirmReplays:        c.confirmReplays.Load(),
		ScanFailures:          c.scanFailures.Load(),
		ConfirmationsByAction: byAction,
		RemindersByStatus:     byStatus,
		Scans:                 c.scanCount,
		AvgScanDuration:       avgScan,
		LastScanAt:            c.lastScanAt,
		DeliveryFailureRate:   failureRate,
		Uptime:                time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.remindersCreated.Store(0)
	c.deliveriesSent.Store(0)
	c.deliveryFailures.Store(0)
	c.deliveriesGivenUp.Store(0)
	c.periodsSkipped.Store(0)
	c.postingsSucceeded.Store(0)
	c.postingsFailed.Store(0)
	c.confirmConflicts.Store(0)
	c.confirmReplays.Store(0)
	c.scanFailures.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmationsByKind = make(map[task.Action]int64)
	c.remindersByStatus = make(map[task.ReminderStatus]int64)
	c.scanCount = 0
	c.totalScanDuration = 0
	c.lastScanAt = time.Time{}
	c.startTime = time.Now()
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}
