package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusProcessing Status = "processing" // distributed tier's name for running
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetry      Status = "retry" // distributed tier: awaiting backoff re-admission
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusProcessing, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRetry:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight maps priorities to their numeric ordering, higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func (p Priority) Valid() bool { return p.Weight() > 0 }

// PrioritiesDesc lists all priorities from most to least urgent.
var PrioritiesDesc = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

const (
	// DefaultMaxAttempts is the retry budget used when a submission does not
	// carry one.
	DefaultMaxAttempts = 3

	// RetryBase is the base unit of the exponential backoff delay
	// (base * 2^attempts).
	RetryBase = 1000 * time.Millisecond
)

// BackoffDelay returns the re-admission delay after the given (already
// incremented) attempt count.
func BackoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = RetryBase
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Task is the unit of work in the client tiers. The scheduler owns all
// mutation of Status and Attempts after submission.
type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
}

// Result is the scheduler-owned execution record for a task. Callers observe
// it through read-only snapshots and bus events.
type Result struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"` // 0..100
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartTime time.Time       `json:"start_time,omitempty"`
	EndTime   time.Time       `json:"end_time,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}
