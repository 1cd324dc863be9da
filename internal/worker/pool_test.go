package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

func setupTest(t *testing.T) (*Pool, *jobstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := jobstore.New(mr.Addr(), "", 0, jobstore.Options{RetryBase: 10 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	pool := NewPool(s, 1, zerolog.Nop())
	pool.Poll = 20 * time.Millisecond
	pool.HeartbeatEvery = time.Hour
	return pool, s
}

func waitForStatus(t *testing.T, s *jobstore.Store, id string, want task.Status) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		if j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestPool_ProcessSuccess(t *testing.T) {
	pool, s := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Register("feed_refresh", func(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"items":5}`), nil
	})

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{Type: "feed_refresh"})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))

	got := waitForStatus(t, s, j.ID, task.StatusCompleted)
	assert.Equal(t, json.RawMessage(`{"items":5}`), got.Result)
	assert.False(t, got.CompletedAt.IsZero())

	cancel()
	pool.Stop(context.Background())
}

func TestPool_UnknownTypeFailsWithoutRetry(t *testing.T) {
	pool, s := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{Type: "mystery", MaxAttempts: 5})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))

	got := waitForStatus(t, s, j.ID, task.StatusFailed)
	assert.Contains(t, got.ErrorMsg, "unknown job type")
	assert.Equal(t, 0, got.Attempts)

	cancel()
	pool.Stop(context.Background())
}

func TestPool_TransientFailureRetriesThenSucceeds(t *testing.T) {
	pool, s := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	pool.Register("flaky", func(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("upstream hiccup")
		}
		return json.RawMessage(`"ok"`), nil
	})

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{Type: "flaky", MaxAttempts: 3})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))

	got := waitForStatus(t, s, j.ID, task.StatusCompleted)
	assert.Equal(t, 1, got.Attempts)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	cancel()
	pool.Stop(context.Background())
}

func TestPool_PanicIsContained(t *testing.T) {
	pool, s := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Register("boom", func(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
		panic("executor blew up")
	})

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{Type: "boom", MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))

	waitForStatus(t, s, j.ID, task.StatusRetry)

	cancel()
	pool.Stop(context.Background())
}

func TestPool_JobTimeoutCancelsHandler(t *testing.T) {
	pool, s := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Register("slow", func(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, errors.New("handler outlived its deadline")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{
		Type:        "slow",
		MaxAttempts: 1,
		Timeout:     30 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))

	got := waitForStatus(t, s, j.ID, task.StatusFailed)
	assert.Contains(t, got.ErrorMsg, "context deadline exceeded")
	assert.Equal(t, 1, got.Attempts)

	cancel()
	pool.Stop(context.Background())
}

func TestPool_WakeSignalTriggersImmediateClaim(t *testing.T) {
	pool, s := setupTest(t)
	pool.Poll = 10 * time.Second // only the wake signal can get this claimed quickly
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Register("feed_refresh", func(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
		return nil, nil
	})

	require.NoError(t, pool.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{Type: "feed_refresh"})
	require.NoError(t, err)
	s.Wake(ctx)

	waitForStatus(t, s, j.ID, task.StatusCompleted)

	cancel()
	pool.Stop(context.Background())
}
