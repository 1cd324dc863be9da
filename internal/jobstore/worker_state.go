package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// HeartbeatStaleness is how old a heartbeat may get before it stops counting
// as evidence of a live worker.
const HeartbeatStaleness = 5 * time.Minute

// WorkerState is the reported view of the logical worker. IsRunning follows
// the reconciliation rule: work in flight is definitive proof of liveness,
// otherwise the heartbeat decides and a stale one downgrades the report.
type WorkerState struct {
	IsRunning     bool      `json:"is_running"`
	Stale         bool      `json:"stale"`
	Concurrency   int       `json:"concurrency"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	ActiveJobs    int       `json:"active_jobs"`
	QueueDepth    int64     `json:"queue_depth"`
}

// StartWorker marks the logical worker running. Concurrent starts keep the
// original started_at; the update is a script, not read-then-write.
func (s *Store) StartWorker(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	err := startWorkerScript.Run(ctx, s.client, []string{workerStateKey},
		time.Now().UnixMilli(), concurrency).Err()
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	return nil
}

// StopWorker marks the worker stopped and resets every processing job back to
// pending in the same atomic step: a stopped worker cannot still be executing,
// so in-flight claims are recovered rather than stranded. Reset jobs keep
// their started_at; only the worker record's is cleared. Returns how many
// jobs were reset.
func (s *Store) StopWorker(ctx context.Context) (int, error) {
	res, err := stopWorkerScript.Run(ctx, s.client, []string{workerStateKey},
		jobPrefix, time.Now().UnixMilli(), pendingPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("stop worker: %w", err)
	}
	return res, nil
}

// Heartbeat refreshes the liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context) error {
	err := s.client.HSet(ctx, workerStateKey, "last_heartbeat", time.Now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// WorkerStatus reconciles the heartbeat record against actual in-flight work.
func (s *Store) WorkerStatus(ctx context.Context) (*WorkerState, error) {
	h, err := s.client.HGetAll(ctx, workerStateKey).Result()
	if err != nil {
		return nil, fmt.Errorf("worker status: %w", err)
	}

	active, err := s.scan(ctx, Filter{Status: task.StatusProcessing})
	if err != nil {
		return nil, err
	}
	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}

	st := &WorkerState{
		Concurrency:   atoi(h["concurrency"]),
		LastHeartbeat: msTime(h["last_heartbeat"]),
		StartedAt:     msTime(h["started_at"]),
		ActiveJobs:    len(active),
		QueueDepth:    depth,
	}

	flagged := h["is_running"] == "1"
	fresh := !st.LastHeartbeat.IsZero() && time.Since(st.LastHeartbeat) <= HeartbeatStaleness

	switch {
	case st.ActiveJobs > 0:
		st.IsRunning = true
	case flagged && fresh:
		st.IsRunning = true
	case flagged && !fresh:
		st.IsRunning = false
		st.Stale = true
	default:
		st.IsRunning = false
	}
	return st, nil
}
