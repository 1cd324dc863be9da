// Package scheduler implements the in-process task runner: priority-ordered
// admission, dependency gating, bounded concurrency, retry with exponential
// backoff, and cooperative cancellation. All bookkeeping is serialized under
// one mutex; only executors run concurrently.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/eventbus"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// ExecutorFunc runs one task. It must observe ctx at its suspension points;
// the scheduler cancels ctx on explicit cancellation and on timeout.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Submission is the caller-facing descriptor for a new task.
type Submission struct {
	Type         string
	Priority     task.Priority
	Payload      json.RawMessage
	Dependencies []string
	MaxAttempts  int
	Timeout      time.Duration
}

type Options struct {
	Concurrency int           // max tasks in flight; default NumCPU
	RetryBase   time.Duration // backoff base; default 1s
	Tick        time.Duration // periodic dispatch interval; default 500ms
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.NumCPU()
	}
	if o.RetryBase <= 0 {
		o.RetryBase = task.RetryBase
	}
	if o.Tick <= 0 {
		o.Tick = 500 * time.Millisecond
	}
	return o
}

// TaskEvent is the Data payload of scheduler events on the bus.
type TaskEvent struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Status   task.Status `json:"status"`
	Attempts int         `json:"attempts"`
	Progress int         `json:"progress,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Scheduler is an explicit service object; construct one per process and
// thread it through callers.
type Scheduler struct {
	opts Options
	log  zerolog.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	execs   map[string]ExecutorFunc
	queue   pendingQueue
	tasks   map[string]*task.Task
	results map[string]*task.Result
	cancels map[string]context.CancelFunc
	timers  map[string]*time.Timer
	running int

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(opts Options, log zerolog.Logger, bus eventbus.Bus) *Scheduler {
	return &Scheduler{
		opts:    opts.withDefaults(),
		log:     log.With().Str("component", "scheduler").Logger(),
		bus:     bus,
		execs:   make(map[string]ExecutorFunc),
		tasks:   make(map[string]*task.Task),
		results: make(map[string]*task.Result),
		cancels: make(map[string]context.CancelFunc),
		timers:  make(map[string]*time.Timer),
	}
}

// Register installs the executor for a task type. Submissions of unregistered
// types are rejected.
func (s *Scheduler) Register(taskType string, exec ExecutorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[taskType] = exec
}

// Start begins dispatching. The periodic tick re-drives dispatch so tasks
// blocked on dependencies or backoff are reconsidered without busy-waiting.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.stop = context.WithCancel(ctx)
	tickCtx := s.ctx
	s.dispatchLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				s.dispatchLocked()
				s.mu.Unlock()
			}
		}
	}()
	s.log.Info().Int("concurrency", s.opts.Concurrency).Msg("scheduler started")
}

// Stop cancels in-flight tasks and waits for them to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop := s.stop
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	stop()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Submit validates and admits a task, returning its generated id.
func (s *Scheduler) Submit(sub Submission) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.Type == "" {
		return "", fmt.Errorf("%w: type is required", task.ErrValidation)
	}
	if _, ok := s.execs[sub.Type]; !ok {
		return "", fmt.Errorf("%w: no executor for type %q", task.ErrValidation, sub.Type)
	}
	if sub.Priority == "" {
		sub.Priority = task.PriorityNormal
	}
	if !sub.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", task.ErrValidation, sub.Priority)
	}
	if sub.MaxAttempts <= 0 {
		sub.MaxAttempts = task.DefaultMaxAttempts
	}
	for _, dep := range sub.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return "", fmt.Errorf("%w: unknown dependency %q", task.ErrValidation, dep)
		}
	}

	id := uuid.New().String()
	if err := s.checkCycleLocked(id, sub.Dependencies); err != nil {
		return "", err
	}

	now := time.Now()
	t := &task.Task{
		ID:           id,
		Type:         sub.Type,
		Priority:     sub.Priority,
		Payload:      sub.Payload,
		Dependencies: sub.Dependencies,
		MaxAttempts:  sub.MaxAttempts,
		Timeout:      sub.Timeout,
		Status:       task.StatusPending,
		CreatedAt:    now,
		ScheduledAt:  now,
	}
	s.tasks[id] = t
	s.results[id] = &task.Result{ID: id, Status: task.StatusPending}
	s.queue.insert(t)

	s.publish(eventbus.TaskSubmitted, t, 0, "")
	s.dispatchLocked()
	return id, nil
}

// AddDependency attaches one more dependency to a still-pending task. The new
// edge must keep the dependency graph acyclic; adding an edge that closes a
// cycle is rejected.
func (s *Scheduler) AddDependency(id, dep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusPending {
		return fmt.Errorf("%w: task is %s", task.ErrConflict, t.Status)
	}
	if _, ok := s.tasks[dep]; !ok {
		return fmt.Errorf("%w: unknown dependency %q", task.ErrValidation, dep)
	}
	for _, d := range t.Dependencies {
		if d == dep {
			return nil
		}
	}
	if err := s.checkCycleLocked(id, []string{dep}); err != nil {
		return err
	}
	t.Dependencies = append(t.Dependencies, dep)
	return nil
}

// checkCycleLocked rejects a dependency set that would close a cycle across
// the known task graph.
func (s *Scheduler) checkCycleLocked(id string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	var edges []toposort.Edge
	for _, dep := range deps {
		edges = append(edges, toposort.Edge{dep, id})
	}
	for tid, t := range s.tasks {
		for _, dep := range t.Dependencies {
			edges = append(edges, toposort.Edge{dep, tid})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: dependency cycle: %v", task.ErrValidation, err)
	}
	return nil
}

// Cancel aborts a task. Pending tasks are removed outright; running tasks get
// their token signalled and settle as cancelled. Terminal tasks are a no-op.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}

	switch t.Status {
	case task.StatusPending:
		s.queue.remove(id)
		if tm, ok := s.timers[id]; ok {
			tm.Stop()
			delete(s.timers, id)
		}
		now := time.Now()
		t.Status = task.StatusCancelled
		r := s.results[id]
		r.Status = task.StatusCancelled
		r.Error = task.ErrCancelled.Error()
		r.EndTime = now
		s.publish(eventbus.TaskCancelled, t, r.Progress, r.Error)
	case task.StatusRunning:
		t.Status = task.StatusCancelled
		r := s.results[id]
		r.Status = task.StatusCancelled
		r.Error = task.ErrCancelled.Error()
		if cancel, ok := s.cancels[id]; ok {
			cancel()
		}
		s.publish(eventbus.TaskCancelled, t, r.Progress, r.Error)
	}
	return nil
}

// Result returns a read-only snapshot of a task's execution record.
func (s *Scheduler) Result(id string) (task.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return task.Result{}, task.ErrNotFound
	}
	return *r, nil
}

// Running reports the number of occupied concurrency slots.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pending reports the number of queued, not yet dispatched tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Cleanup drops terminal tasks older than the given age and returns how many
// were removed. A terminal task some live task still depends on is kept, or
// the dependent's eligibility check could never see it complete.
func (s *Scheduler) Cleanup(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)

	needed := make(map[string]bool)
	for _, t := range s.tasks {
		if t.Status.Terminal() {
			continue
		}
		for _, dep := range t.Dependencies {
			needed[dep] = true
		}
	}

	n := 0
	for id, t := range s.tasks {
		if !t.Status.Terminal() || needed[id] {
			continue
		}
		r := s.results[id]
		if r != nil && !r.EndTime.IsZero() && r.EndTime.After(cutoff) {
			continue
		}
		delete(s.tasks, id)
		delete(s.results, id)
		n++
	}
	return n
}

// dispatchLocked starts eligible tasks while free slots remain. An ineligible
// task at the head does not block the ones behind it.
func (s *Scheduler) dispatchLocked() {
	if !s.started || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	for s.running < s.opts.Concurrency {
		idx := -1
		for i, t := range s.queue.items {
			if s.eligibleLocked(t) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		t := s.queue.removeAt(idx)
		s.startLocked(t)
	}
}

func (s *Scheduler) eligibleLocked(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) startLocked(t *task.Task) {
	t.Status = task.StatusRunning
	s.running++

	var runCtx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, t.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	s.cancels[t.ID] = cancel

	r := s.results[t.ID]
	r.Status = task.StatusRunning
	r.StartTime = time.Now()
	s.publish(eventbus.TaskStarted, t, r.Progress, "")

	exec := s.execs[t.Type]
	s.wg.Add(1)
	go s.run(runCtx, cancel, t, exec)
}

func (s *Scheduler) run(runCtx context.Context, cancel context.CancelFunc, t *task.Task, exec ExecutorFunc) {
	defer s.wg.Done()

	pctx := withProgress(runCtx, func(pct int) { s.setProgress(t.ID, pct) })
	out, err := runSafe(pctx, exec, t.Payload)
	timedOut := runCtx.Err() != nil
	cancel()

	s.mu.Lock()
	delete(s.cancels, t.ID)
	s.running--
	s.settleLocked(t, out, err, timedOut)
	s.dispatchLocked()
	s.mu.Unlock()
}

// settleLocked routes a settled execution to its terminal or retry state and
// releases the slot's successor dispatch.
func (s *Scheduler) settleLocked(t *task.Task, out json.RawMessage, err error, timedOut bool) {
	r := s.results[t.ID]
	if r == nil {
		return
	}
	now := time.Now()

	finish := func() {
		r.EndTime = now
		if !r.StartTime.IsZero() {
			r.Duration = now.Sub(r.StartTime)
		}
	}

	// Cancel() already moved the task to cancelled; the settle just closes
	// out the record.
	if t.Status == task.StatusCancelled {
		finish()
		return
	}

	switch {
	case err == nil:
		t.Status = task.StatusCompleted
		r.Status = task.StatusCompleted
		r.Result = out
		r.Progress = 100
		finish()
		s.publish(eventbus.TaskCompleted, t, 100, "")

	case timedOut && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// The executor observed its own token.
		t.Status = task.StatusCancelled
		r.Status = task.StatusCancelled
		r.Error = err.Error()
		finish()
		s.publish(eventbus.TaskCancelled, t, r.Progress, r.Error)

	case !task.IsFatal(err) && t.Attempts < t.MaxAttempts && s.ctx.Err() == nil:
		t.Attempts++
		t.Status = task.StatusPending
		r.Status = task.StatusPending
		r.Error = err.Error()
		delay := task.BackoffDelay(s.opts.RetryBase, t.Attempts)
		t.ScheduledAt = now.Add(delay)
		s.log.Warn().Str("task", t.ID).Str("type", t.Type).Int("attempt", t.Attempts).
			Dur("delay", delay).Err(err).Msg("task failed, retry scheduled")
		s.publish(eventbus.TaskRetry, t, r.Progress, r.Error)
		s.timers[t.ID] = time.AfterFunc(delay, func() { s.readmit(t.ID) })

	default:
		t.Status = task.StatusFailed
		r.Status = task.StatusFailed
		r.Error = err.Error()
		finish()
		s.log.Error().Str("task", t.ID).Str("type", t.Type).Int("attempts", t.Attempts).
			Err(err).Msg("task failed permanently")
		s.publish(eventbus.TaskFailed, t, r.Progress, r.Error)
	}
}

// readmit puts a backed-off task back into the queue once its delay elapses.
func (s *Scheduler) readmit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusPending {
		return
	}
	s.queue.insert(t)
	s.dispatchLocked()
}

func (s *Scheduler) setProgress(id string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusRunning {
		return
	}
	r := s.results[id]
	r.Progress = pct
	s.publish(eventbus.TaskProgress, t, pct, "")
}

func (s *Scheduler) publish(typ string, t *task.Task, progress int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		ID:       t.ID,
		Type:     t.Type,
		Status:   t.Status,
		Attempts: t.Attempts,
		Progress: progress,
		Error:    errMsg,
	}})
}

// runSafe shields the scheduler loop from executor panics.
func runSafe(ctx context.Context, exec ExecutorFunc, payload json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	return exec(ctx, payload)
}

type progressKey struct{}

func withProgress(ctx context.Context, report func(int)) context.Context {
	return context.WithValue(ctx, progressKey{}, report)
}

// ReportProgress lets an executor publish its completion percentage. It is a
// no-op outside a scheduler-managed context.
func ReportProgress(ctx context.Context, pct int) {
	if report, ok := ctx.Value(progressKey{}).(func(int)); ok {
		report(pct)
	}
}
