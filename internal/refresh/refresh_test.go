package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

func setupTest(t *testing.T) (*Checker, *jobstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := jobstore.New(mr.Addr(), "", 0, jobstore.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return NewChecker(s, zerolog.Nop()), s
}

func TestChecker_StaleCategoryEnqueuesRefresh(t *testing.T) {
	c, s := setupTest(t)
	ctx := context.Background()

	f, err := c.Freshness(ctx, CategoryFeeds)
	require.NoError(t, err)
	assert.True(t, f.Stale)

	c.Check(ctx, CategoryFeeds)

	jobs, err := s.List(ctx, jobstore.Filter{Type: "feed_refresh"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, task.PriorityHigh, jobs[0].Priority)
}

func TestChecker_RateLimitStopsRepeatEnqueues(t *testing.T) {
	c, s := setupTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.Check(ctx, CategoryPredictions)
	}

	jobs, err := s.List(ctx, jobstore.Filter{Type: "prediction_generate"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestChecker_FreshCategoryIsLeftAlone(t *testing.T) {
	c, s := setupTest(t)
	ctx := context.Background()

	// A completed run records last_success for its job type.
	j, err := s.Enqueue(ctx, jobstore.EnqueueRequest{Type: "earnings_fetch"})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, j.ID, claimed.ID)
	require.NoError(t, s.Complete(ctx, j.ID, nil))

	f, err := c.Freshness(ctx, CategoryEarnings)
	require.NoError(t, err)
	assert.False(t, f.Stale)
	assert.WithinDuration(t, time.Now(), f.LastSuccess, 5*time.Second)

	c.Check(ctx, CategoryEarnings)

	jobs, err := s.List(ctx, jobstore.Filter{Type: "earnings_fetch", Status: task.StatusPending})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestChecker_UnknownCategory(t *testing.T) {
	c, _ := setupTest(t)

	_, err := c.Freshness(context.Background(), Category("weather"))
	assert.ErrorIs(t, err, task.ErrNotFound)

	// Check on an unknown category is a no-op, not a panic.
	c.Check(context.Background(), Category("weather"))
}

func TestChecker_CheckAllCoversEveryCategory(t *testing.T) {
	c, s := setupTest(t)
	ctx := context.Background()

	c.CheckAll(ctx)

	jobs, err := s.List(ctx, jobstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, jobs, len(c.Categories()))
}
