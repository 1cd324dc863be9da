package durable

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// Flusher pushes one item to the remote system. Returning a *ConflictError
// signals that the remote holds a competing version of the same entity.
type Flusher func(ctx context.Context, it Item) error

// ConflictError carries the remote version for reconciliation.
type ConflictError struct {
	Remote Item
}

func (e *ConflictError) Error() string { return "remote version conflict" }

// ConflictResolver merges a local and remote version of the same logical
// entity. When none is registered the local write wins (last write to finish
// the flush overwrites).
type ConflictResolver func(local, remote Item) Item

// EventKind models the connectivity and process-lifecycle transitions that
// drive resynchronization, abstracted away from any particular platform.
type EventKind int

const (
	EventOnline EventKind = iota
	EventOffline
	EventForeground
	EventShutdown
)

type Event struct {
	Kind EventKind
}

type Options struct {
	SyncInterval time.Duration // periodic sync while online; default 30s
	RetryBase    time.Duration // backoff base; default 1s
	Resolver     ConflictResolver
}

func (o Options) withDefaults() Options {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = task.RetryBase
	}
	return o
}

// Queue is the durably-persisted sync queue. Every mutation is mirrored to
// the store synchronously; a store failure degrades durability but never the
// in-memory state.
type Queue struct {
	opts  Options
	log   zerolog.Logger
	store Store
	flush Flusher

	mu      sync.Mutex
	items   map[string]*Item
	online  bool
	syncing bool
}

// Open loads the persisted set, silently dropping entries whose expiry has
// elapsed.
func Open(ctx context.Context, store Store, flush Flusher, opts Options, log zerolog.Logger) (*Queue, error) {
	q := &Queue{
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "durable_queue").Logger(),
		store:  store,
		flush:  flush,
		items:  make(map[string]*Item),
		online: true,
	}

	persisted, err := store.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, it := range persisted {
		if !it.ExpiresAt.IsZero() && !it.ExpiresAt.After(now) {
			if err := store.DeleteItem(ctx, it.ID); err != nil {
				q.log.Warn().Err(err).Str("item", it.ID).Msg("dropping expired item from store failed")
			}
			continue
		}
		if it.Status.Terminal() {
			continue
		}
		cp := it
		q.items[it.ID] = &cp
	}
	q.log.Debug().Int("items", len(q.items)).Msg("durable queue loaded")
	return q, nil
}

// Enqueue admits a new sync operation and mirrors it to the store.
func (q *Queue) Enqueue(ctx context.Context, it Item) (Item, error) {
	if it.Type == "" {
		return Item{}, fmt.Errorf("%w: type is required", task.ErrValidation)
	}
	if it.Priority == "" {
		it.Priority = task.PriorityNormal
	}
	if !it.Priority.Valid() {
		return Item{}, fmt.Errorf("%w: unknown priority %q", task.ErrValidation, it.Priority)
	}
	if it.MaxAttempts <= 0 {
		it.MaxAttempts = task.DefaultMaxAttempts
	}
	it.ID = uuid.New().String()
	it.Status = task.StatusPending
	it.Attempts = 0
	now := time.Now()
	it.CreatedAt = now
	it.UpdatedAt = now

	q.mu.Lock()
	cp := it
	q.items[it.ID] = &cp
	q.mu.Unlock()

	q.persist(ctx, it)
	return it, nil
}

// Remove deletes an item that has not yet synced.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	_, ok := q.items[id]
	delete(q.items, id)
	q.mu.Unlock()
	if !ok {
		return task.ErrNotFound
	}
	if err := q.store.DeleteItem(ctx, id); err != nil {
		q.log.Warn().Err(err).Str("item", id).Msg("store delete failed")
	}
	return nil
}

// Pending returns a snapshot of unfinished items sorted by
// (priority desc, created asc), the order a sync pass will use.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if it.Status == task.StatusPending {
			out = append(out, *it)
		}
	}
	sortItems(out)
	return out
}

// Item returns a snapshot of one queue entry.
func (q *Queue) Item(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, task.ErrNotFound
	}
	return *it, nil
}

func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	q.online = online
	q.mu.Unlock()
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Sync runs one pass over the due pending set, sequentially, yielding between
// items. Overlapping passes collapse into one.
func (q *Queue) Sync(ctx context.Context) error {
	q.mu.Lock()
	if q.syncing {
		q.mu.Unlock()
		return nil
	}
	q.syncing = true
	now := time.Now()
	batch := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if it.Status != task.StatusPending {
			continue
		}
		if !it.NextAttemptAt.IsZero() && it.NextAttemptAt.After(now) {
			continue
		}
		batch = append(batch, *it)
	}
	sortItems(batch)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
	}()

	for _, it := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.syncOne(ctx, it)
		runtime.Gosched()
	}
	return nil
}

func (q *Queue) syncOne(ctx context.Context, it Item) {
	err := q.flush(ctx, it)

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		if q.opts.Resolver == nil {
			// Last write wins: the local flush stands.
			err = nil
		} else {
			merged := q.opts.Resolver(it, conflict.Remote)
			merged.ID = it.ID
			it = merged
			q.persist(ctx, it)
			err = q.flush(ctx, it)
		}
	}

	q.mu.Lock()
	cur, ok := q.items[it.ID]
	if !ok {
		// Removed while flushing.
		q.mu.Unlock()
		return
	}
	now := time.Now()
	if err == nil {
		delete(q.items, it.ID)
		q.mu.Unlock()
		if derr := q.store.DeleteItem(ctx, it.ID); derr != nil {
			q.log.Warn().Err(derr).Str("item", it.ID).Msg("store delete after sync failed")
		}
		return
	}

	cur.UpdatedAt = now
	cur.Error = err.Error()
	if cur.Attempts < cur.MaxAttempts && !task.IsFatal(err) {
		cur.Attempts++
		delay := task.BackoffDelay(q.opts.RetryBase, cur.Attempts)
		cur.NextAttemptAt = now.Add(delay)
		q.log.Warn().Err(err).Str("item", it.ID).Int("attempt", cur.Attempts).
			Dur("delay", delay).Msg("sync failed, will retry")
	} else {
		cur.Status = task.StatusFailed
		q.log.Error().Err(err).Str("item", it.ID).Int("attempts", cur.Attempts).
			Msg("sync failed permanently")
	}
	snapshot := *cur
	q.mu.Unlock()
	q.persist(ctx, snapshot)
}

// Run drives sync passes until ctx is cancelled or a shutdown event arrives:
// a periodic schedule while online, plus connectivity and foreground
// transitions. Shutdown triggers a final best-effort flush.
func (q *Queue) Run(ctx context.Context, events <-chan Event) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", q.opts.SyncInterval), func() {
		if !q.Online() {
			return
		}
		if err := q.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn().Err(err).Msg("periodic sync failed")
		}
	})
	if err != nil {
		q.log.Error().Err(err).Msg("failed to schedule periodic sync")
	} else {
		c.Start()
		defer c.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case EventOnline:
				q.SetOnline(true)
				_ = q.Sync(ctx)
			case EventOffline:
				q.SetOnline(false)
			case EventForeground:
				if q.Online() {
					_ = q.Sync(ctx)
				}
			case EventShutdown:
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = q.Sync(flushCtx)
				cancel()
				return
			}
		}
	}
}

// persist mirrors an item to the store; failures are logged and isolated so
// the in-memory queue stays correct at degraded durability.
func (q *Queue) persist(ctx context.Context, it Item) {
	if err := q.store.PutItem(ctx, it); err != nil {
		q.log.Warn().Err(err).Str("item", it.ID).Msg("store put failed")
	}
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority.Weight() != items[j].Priority.Weight() {
			return items[i].Priority.Weight() > items[j].Priority.Weight()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
