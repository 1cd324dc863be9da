// Package jobstore implements the shared, Redis-backed distributed job queue.
// Workers coordinate only through this store: claiming is a single atomic
// script, so at most one worker ever owns a job, and liveness is tracked via
// a heartbeat record rather than process handles.
package jobstore

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

const (
	jobPrefix         = "jobs:job:"
	pendingPrefix     = "jobs:pending:"
	pausedKey         = "jobs:paused"
	workerStateKey    = "jobs:worker:state"
	lastSuccessPrefix = "jobs:last_success:"
	wakeChannel       = "jobs:wake"
)

// Job is the persistent record of one unit of distributed work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    task.Priority   `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      task.Status     `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
}

func (j *Job) pendingKey() string { return pendingPrefix + string(j.Priority) }

// fields flattens a job into the Redis hash representation. Times are unix
// milliseconds, zero meaning unset.
func (j *Job) fields() map[string]any {
	return map[string]any{
		"id":           j.ID,
		"type":         j.Type,
		"priority":     string(j.Priority),
		"payload":      string(j.Payload),
		"status":       string(j.Status),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"timeout_ms":   j.Timeout.Milliseconds(),
		"result":       string(j.Result),
		"error":        j.ErrorMsg,
		"created_at":   unixMs(j.CreatedAt),
		"scheduled_at": unixMs(j.ScheduledAt),
		"started_at":   unixMs(j.StartedAt),
		"completed_at": unixMs(j.CompletedAt),
		"expires_at":   unixMs(j.ExpiresAt),
	}
}

func jobFromHash(h map[string]string) *Job {
	j := &Job{
		ID:          h["id"],
		Type:        h["type"],
		Priority:    task.Priority(h["priority"]),
		Status:      task.Status(h["status"]),
		Attempts:    atoi(h["attempts"]),
		MaxAttempts: atoi(h["max_attempts"]),
		Timeout:     time.Duration(atoi64(h["timeout_ms"])) * time.Millisecond,
		ErrorMsg:    h["error"],
		CreatedAt:   msTime(h["created_at"]),
		ScheduledAt: msTime(h["scheduled_at"]),
		StartedAt:   msTime(h["started_at"]),
		CompletedAt: msTime(h["completed_at"]),
		ExpiresAt:   msTime(h["expires_at"]),
	}
	if p := h["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if r := h["result"]; r != "" {
		j.Result = json.RawMessage(r)
	}
	return j
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msTime(s string) time.Time {
	ms := atoi64(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
