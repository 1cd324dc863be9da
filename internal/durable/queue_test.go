package durable

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	return store, path
}

func noopFlush(ctx context.Context, it Item) error { return nil }

func TestQueue_EnqueueAndPendingOrder(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	q, err := Open(ctx, store, noopFlush, Options{}, zerolog.Nop())
	require.NoError(t, err)

	low, err := q.Enqueue(ctx, Item{Type: "feed_update", Priority: task.PriorityLow})
	require.NoError(t, err)
	crit, err := q.Enqueue(ctx, Item{Type: "feed_update", Priority: task.PriorityCritical})
	require.NoError(t, err)

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, crit.ID, pending[0].ID)
	assert.Equal(t, low.ID, pending[1].ID)
}

func TestQueue_RestartReloadsPendingMinusExpired(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()

	q, err := Open(ctx, store, noopFlush, Options{}, zerolog.Nop())
	require.NoError(t, err)

	kept, err := q.Enqueue(ctx, Item{Type: "feed_update", Priority: task.PriorityNormal})
	require.NoError(t, err)
	expired, err := q.Enqueue(ctx, Item{Type: "feed_update", Priority: task.PriorityNormal})
	require.NoError(t, err)

	// Age the second entry past its expiry directly in the store, as if the
	// process had been gone long enough.
	it, err := q.Item(expired.ID)
	require.NoError(t, err)
	it.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.PutItem(ctx, it))
	require.NoError(t, store.Close())

	// Simulated restart.
	store2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer store2.Close()

	q2, err := Open(ctx, store2, noopFlush, Options{}, zerolog.Nop())
	require.NoError(t, err)

	pending := q2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, kept.ID, pending[0].ID)

	_, err = q2.Item(expired.ID)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestQueue_SyncRemovesFlushedItems(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var flushed []string
	flush := func(ctx context.Context, it Item) error {
		mu.Lock()
		flushed = append(flushed, string(it.Payload))
		mu.Unlock()
		return nil
	}

	q, err := Open(ctx, store, flush, Options{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, Item{Type: "t", Priority: task.PriorityLow, Payload: []byte("second")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Item{Type: "t", Priority: task.PriorityHigh, Payload: []byte("first")})
	require.NoError(t, err)

	require.NoError(t, q.Sync(ctx))

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, flushed)
	mu.Unlock()
	assert.Empty(t, q.Pending())

	// The store mirror is gone too.
	items, err := store.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_SyncRetryBackoff(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	fail := func(ctx context.Context, it Item) error { return errors.New("remote down") }

	q, err := Open(ctx, store, fail, Options{RetryBase: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	it, err := q.Enqueue(ctx, Item{Type: "t", MaxAttempts: 2})
	require.NoError(t, err)

	require.NoError(t, q.Sync(ctx))
	got, err := q.Item(it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "remote down", got.Error)
	// base * 2^1
	assert.True(t, got.NextAttemptAt.After(time.Now().Add(1500*time.Millisecond)))

	// Not due yet: a second pass must skip it.
	require.NoError(t, q.Sync(ctx))
	got, _ = q.Item(it.ID)
	assert.Equal(t, 1, got.Attempts)
}

func TestQueue_SyncExhaustsBudget(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	fail := func(ctx context.Context, it Item) error { return errors.New("remote down") }

	q, err := Open(ctx, store, fail, Options{RetryBase: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	it, err := q.Enqueue(ctx, Item{Type: "t", MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, q.Sync(ctx))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Sync(ctx))

	got, err := q.Item(it.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Failed items are no longer part of the pending set.
	assert.Empty(t, q.Pending())
}

func TestQueue_ConflictResolver(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	calls := 0
	flush := func(ctx context.Context, it Item) error {
		calls++
		if calls == 1 {
			return &ConflictError{Remote: Item{Payload: []byte("remote")}}
		}
		return nil
	}

	var merged Item
	resolver := func(local, remote Item) Item {
		merged = local
		merged.Payload = append([]byte{}, remote.Payload...)
		return merged
	}

	q, err := Open(ctx, store, flush, Options{Resolver: resolver}, zerolog.Nop())
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, Item{Type: "t", Payload: []byte("local")})
	require.NoError(t, err)

	require.NoError(t, q.Sync(ctx))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []byte("remote"), []byte(merged.Payload))
	assert.Empty(t, q.Pending())
}

func TestQueue_ConflictWithoutResolverIsLastWriteWins(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	flush := func(ctx context.Context, it Item) error {
		return &ConflictError{Remote: Item{}}
	}

	q, err := Open(ctx, store, flush, Options{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, Item{Type: "t"})
	require.NoError(t, err)

	require.NoError(t, q.Sync(ctx))
	assert.Empty(t, q.Pending())
}

func TestQueue_OfflineSkipsPeriodicSync(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	flushes := 0
	flush := func(ctx context.Context, it Item) error {
		mu.Lock()
		flushes++
		mu.Unlock()
		return nil
	}

	q, err := Open(ctx, store, flush, Options{SyncInterval: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	events := make(chan Event, 4)
	done := make(chan struct{})
	go func() {
		q.Run(ctx, events)
		close(done)
	}()

	events <- Event{Kind: EventOffline}
	time.Sleep(30 * time.Millisecond)
	_, err = q.Enqueue(ctx, Item{Type: "t"})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, flushes)
	mu.Unlock()

	// Reconnecting triggers an immediate pass.
	events <- Event{Kind: EventOnline}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := flushes
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	assert.Greater(t, flushes, 0)
	mu.Unlock()

	events <- Event{Kind: EventShutdown}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on shutdown")
	}
}

func TestSQLiteStore_Cache(t *testing.T) {
	store, _ := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutCache(ctx, "chart:spy", []byte(`{"v":1}`), task.PriorityHigh, time.Hour))
	v, ok, err := store.GetCache(ctx, "chart:spy")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"v":1}`), v)

	// Expired entries read as missing and prune away.
	require.NoError(t, store.PutCache(ctx, "stale", []byte("x"), task.PriorityLow, time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err = store.GetCache(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.PruneCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.DeleteCache(ctx, "chart:spy"))
	_, ok, err = store.GetCache(ctx, "chart:spy")
	require.NoError(t, err)
	assert.False(t, ok)
}
