// Package cron implements the scheduled-timer table behind the external
// "scheduling" tool: a capped set of cron-expression-triggered timers that
// enqueue `system`-source messages onto the dispatch loop when they fire.
package cron

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// ErrScheduleCapExceeded is returned by Add when the timer table is already
// at its configured limit — the spec requires rejecting new schedules
// rather than evicting old ones.
var ErrScheduleCapExceeded = errors.New("cron: schedule table at capacity")

// ErrUnknownSchedule is returned by Remove for an id that isn't in
// the table (already fired-and-removed as a one-shot, or never existed).
var ErrUnknownSchedule = errors.New("cron: unknown schedule id")

// RetryConfig holds exponential-backoff retry settings for fired schedules
// (see config.CronConfig.ToRetryConfig). Table does not apply them:
// FireFunc returns no error and Tick invokes it once per due schedule.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches config.CronConfig's documented defaults: 3
// retries, 2s initial backoff, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Schedule is one entry in the timer table.
type Schedule struct {
	ID       string
	Expr     string // standard 5-field cron expression, matched by gronx
	Payload  string // opaque system-source message body delivered on fire
	Recur    bool   // false = one-shot, removed from the table after firing
	nextTick time.Time
}

// FireFunc is invoked once per fired schedule, normally to enqueue a
// `system`-source dispatch-loop item carrying Payload.
type FireFunc func(s Schedule)

// Table is the in-memory, capped set of active schedules. It owns no
// persistence — call Add for every row restored from disk at startup.
type Table struct {
	cap int

	mu        sync.Mutex
	schedules map[string]*Schedule
	expr      gronx.Gronx
}

// NewTable returns an empty table capped at maxSchedules entries.
func NewTable(maxSchedules int) *Table {
	return &Table{
		cap:       maxSchedules,
		schedules: make(map[string]*Schedule),
		expr:      gronx.New(),
	}
}

// Add validates expr and inserts a schedule, failing with
// ErrScheduleCapExceeded once the table is full.
func (t *Table) Add(s Schedule) error {
	if !t.expr.IsValid(s.Expr) {
		return fmt.Errorf("cron: invalid expression %q", s.Expr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.schedules[s.ID]; !exists && len(t.schedules) >= t.cap {
		return ErrScheduleCapExceeded
	}
	cp := s
	t.schedules[s.ID] = &cp
	return nil
}

// Remove deletes a schedule by id.
func (t *Table) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.schedules[id]; !ok {
		return ErrUnknownSchedule
	}
	delete(t.schedules, id)
	return nil
}

// Len reports the number of active schedules.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.schedules)
}

// Tick checks every schedule's cron expression against now and invokes fire
// for each due entry, removing one-shot schedules after they fire. Expects
// to be called once a minute (cron's native resolution); nothing in this
// repository calls it.
func (t *Table) Tick(now time.Time, fire FireFunc) {
	t.mu.Lock()
	due := make([]Schedule, 0)
	for id, s := range t.schedules {
		ok, err := t.expr.IsDue(s.Expr, now)
		if err != nil || !ok {
			continue
		}
		due = append(due, *s)
		if !s.Recur {
			delete(t.schedules, id)
		}
	}
	t.mu.Unlock()

	for _, s := range due {
		fire(s)
	}
}
