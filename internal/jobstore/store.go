package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// cancelledByUser is the error message recorded on user-cancelled jobs.
const cancelledByUser = "cancelled by user"

type Options struct {
	RetryBase   time.Duration // backoff base; default 1s
	TerminalTTL time.Duration // expiry for completed/failed hashes; default 24h
}

func (o Options) withDefaults() Options {
	if o.RetryBase <= 0 {
		o.RetryBase = task.RetryBase
	}
	if o.TerminalTTL <= 0 {
		o.TerminalTTL = 24 * time.Hour
	}
	return o
}

// Store is the Redis-backed distributed job queue. All claim-path mutations
// run as scripts so concurrent stateless invocations cannot double-own a job;
// control operations are operator-driven and use plain read-then-write.
type Store struct {
	client *redis.Client
	opts   Options
	log    zerolog.Logger
}

func New(addr, password string, db int, opts Options, log zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{
		client: client,
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "jobstore").Logger(),
	}, nil
}

func (s *Store) Close() error { return s.client.Close() }

type EnqueueRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     task.Priority   `json:"priority,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
}

// Enqueue inserts a new pending job; a delay keeps it unclaimable until due.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: type is required", task.ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = task.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", task.ErrValidation, req.Priority)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = task.DefaultMaxAttempts
	}
	if req.DelaySeconds < 0 {
		return nil, fmt.Errorf("%w: negative delay", task.ErrValidation)
	}
	if req.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", task.ErrValidation)
	}

	now := time.Now()
	j := &Job{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Status:      task.StatusPending,
		MaxAttempts: req.MaxAttempts,
		Timeout:     req.Timeout,
		CreatedAt:   now,
		ScheduledAt: now.Add(time.Duration(req.DelaySeconds) * time.Second),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, jobPrefix+j.ID, j.fields())
	pipe.ZAdd(ctx, j.pendingKey(), redis.Z{Score: float64(unixMs(j.ScheduledAt)), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	h, err := s.client.HGetAll(ctx, jobPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(h) == 0 {
		return nil, task.ErrNotFound
	}
	return jobFromHash(h), nil
}

type Filter struct {
	Status task.Status
	Type   string
	Limit  int
	Offset int
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	jobs, err := s.scan(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return []*Job{}, nil
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(jobs) {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

func (s *Store) scan(ctx context.Context, f Filter) ([]*Job, error) {
	keys, err := s.client.Keys(ctx, jobPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(keys) == 0 {
		return []*Job{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(keys))
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil || len(h) == 0 {
			continue
		}
		j := jobFromHash(h)
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Claim atomically takes ownership of the next due job. It returns (nil, nil)
// when nothing is claimable, including while the queue is paused.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	keys := make([]string, 0, 5)
	for _, p := range task.PrioritiesDesc {
		keys = append(keys, pendingPrefix+string(p))
	}
	keys = append(keys, pausedKey)

	res, err := claimScript.Run(ctx, s.client, keys, time.Now().UnixMilli(), jobPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// Complete records a successful execution; only the owning (processing) state
// advances, anything else is a no-op.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != task.StatusProcessing {
		return nil
	}

	now := time.Now()
	j.Status = task.StatusCompleted
	j.CompletedAt = now
	j.Result = result
	j.ErrorMsg = ""
	j.ExpiresAt = now.Add(s.opts.TerminalTTL)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, jobPrefix+id, j.fields())
	pipe.Expire(ctx, jobPrefix+id, s.opts.TerminalTTL)
	pipe.Set(ctx, lastSuccessPrefix+j.Type, now.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail consumes one attempt: the job either re-enters the queue as retry with
// an exponential backoff delay, or becomes permanently failed once the budget
// is spent. Fatal causes skip the retry path entirely.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != task.StatusProcessing {
		return nil
	}

	now := time.Now()
	j.ErrorMsg = cause.Error()
	if j.Attempts < j.MaxAttempts && !task.IsFatal(cause) {
		j.Attempts++
		delay := task.BackoffDelay(s.opts.RetryBase, j.Attempts)
		j.Status = task.StatusRetry
		j.ScheduledAt = now.Add(delay)
		j.StartedAt = time.Time{}

		pipe := s.client.Pipeline()
		pipe.HSet(ctx, jobPrefix+id, j.fields())
		pipe.ZAdd(ctx, j.pendingKey(), redis.Z{Score: float64(unixMs(j.ScheduledAt)), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		s.log.Warn().Str("job", id).Str("type", j.Type).Int("attempt", j.Attempts).
			Dur("delay", delay).Str("cause", j.ErrorMsg).Msg("job failed, retry scheduled")
		return nil
	}

	j.Status = task.StatusFailed
	j.CompletedAt = now
	j.ExpiresAt = now.Add(s.opts.TerminalTTL)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, jobPrefix+id, j.fields())
	pipe.Expire(ctx, jobPrefix+id, s.opts.TerminalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	s.log.Error().Str("job", id).Str("type", j.Type).Int("attempts", j.Attempts).
		Str("cause", j.ErrorMsg).Msg("job failed permanently")
	return nil
}

// Retry resets a failed job's attempts and puts it back in the queue. Jobs in
// any other state are left alone.
func (s *Store) Retry(ctx context.Context, id string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != task.StatusFailed {
		return nil
	}

	now := time.Now()
	j.Status = task.StatusPending
	j.Attempts = 0
	j.ErrorMsg = ""
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
	j.ExpiresAt = time.Time{}
	j.ScheduledAt = now

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, jobPrefix+id, j.fields())
	pipe.Persist(ctx, jobPrefix+id)
	pipe.ZAdd(ctx, j.pendingKey(), redis.Z{Score: float64(unixMs(now)), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Cancel fails a pending or retry job with a "cancelled by user" marker.
// Processing and terminal jobs are a no-op.
func (s *Store) Cancel(ctx context.Context, id string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != task.StatusPending && j.Status != task.StatusRetry {
		return nil
	}

	now := time.Now()
	j.Status = task.StatusFailed
	j.ErrorMsg = cancelledByUser
	j.CompletedAt = now
	j.ExpiresAt = now.Add(s.opts.TerminalTTL)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, jobPrefix+id, j.fields())
	pipe.ZRem(ctx, j.pendingKey(), id)
	pipe.Expire(ctx, jobPrefix+id, s.opts.TerminalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// Reset wipes a job back to pending from any state, clearing timestamps,
// attempts, and outcome.
func (s *Store) Reset(ctx context.Context, id string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	j.Status = task.StatusPending
	j.Attempts = 0
	j.ErrorMsg = ""
	j.Result = nil
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
	j.ExpiresAt = time.Time{}
	j.ScheduledAt = now

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, jobPrefix+id, j.fields())
	pipe.Persist(ctx, jobPrefix+id)
	pipe.ZAdd(ctx, j.pendingKey(), redis.Z{Score: float64(unixMs(now)), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	return nil
}

// Delete removes a job entirely. A stale pending-set member left behind is
// skipped by the claim script.
func (s *Store) Delete(ctx context.Context, id string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, jobPrefix+id)
	pipe.ZRem(ctx, j.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Clear bulk-deletes jobs matching the filter and reports how many went.
func (s *Store) Clear(ctx context.Context, f Filter) (int, error) {
	jobs, err := s.scan(ctx, f)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := s.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// RetryAllFailed re-admits every failed job.
func (s *Store) RetryAllFailed(ctx context.Context) (int, error) {
	jobs, err := s.scan(ctx, Filter{Status: task.StatusFailed})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := s.Retry(ctx, j.ID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Pause stops claims without touching queued jobs; Resume lifts it.
func (s *Store) Pause(ctx context.Context) error {
	if err := s.client.Set(ctx, pausedKey, "1", 0).Err(); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	return nil
}

func (s *Store) Resume(ctx context.Context) error {
	if err := s.client.Del(ctx, pausedKey).Err(); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	return nil
}

func (s *Store) Paused(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, pausedKey).Result()
	if err != nil {
		return false, fmt.Errorf("queue paused: %w", err)
	}
	return n > 0, nil
}

// Wake nudges any listening worker to claim immediately. Fire-and-forget.
func (s *Store) Wake(ctx context.Context) {
	if err := s.client.Publish(ctx, wakeChannel, "wake").Err(); err != nil {
		s.log.Debug().Err(err).Msg("wake publish failed")
	}
}

// SubscribeWake returns the pub/sub subscription workers block on.
func (s *Store) SubscribeWake(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, wakeChannel)
}

// LastSuccess reports when a job type last completed, zero if never.
func (s *Store) LastSuccess(ctx context.Context, jobType string) (time.Time, error) {
	v, err := s.client.Get(ctx, lastSuccessPrefix+jobType).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last success: %w", err)
	}
	return msTime(v), nil
}

// QueueDepth counts queued (pending or backing-off) jobs across priorities.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range task.PrioritiesDesc {
		n, err := s.client.ZCard(ctx, pendingPrefix+string(p)).Result()
		if err != nil {
			return 0, fmt.Errorf("queue depth: %w", err)
		}
		total += n
	}
	return total, nil
}
