// Package worker runs the distributed job consumers. Workers coordinate only
// through the job store: each loop claims atomically, executes, and records
// the outcome, so any number of pool instances can run side by side.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// Handler executes one claimed job. It must observe ctx; job timeouts arrive
// as context deadlines.
type Handler func(ctx context.Context, j *jobstore.Job) (json.RawMessage, error)

type Pool struct {
	store *jobstore.Store
	log   zerolog.Logger
	count int

	// Poll bounds how long an idle worker sleeps between claim attempts when
	// no wake signal arrives. HeartbeatEvery drives the liveness ping.
	Poll           time.Duration
	HeartbeatEvery time.Duration

	handlers map[string]Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

func NewPool(store *jobstore.Store, count int, log zerolog.Logger) *Pool {
	if count <= 0 {
		count = 1
	}
	return &Pool{
		store:          store,
		log:            log.With().Str("component", "worker").Logger(),
		count:          count,
		Poll:           2 * time.Second,
		HeartbeatEvery: 30 * time.Second,
		handlers:       make(map[string]Handler),
	}
}

func (p *Pool) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// Start registers the worker as running and launches the claim loops plus the
// heartbeat ticker.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.store.StartWorker(ctx, p.count); err != nil {
		return err
	}

	wake := p.store.SubscribeWake(ctx)
	wakeCh := wake.Channel()

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id, wakeCh)
		}(i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { _ = wake.Close() }()
		ticker := time.NewTicker(p.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Heartbeat(ctx); err != nil {
					p.log.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()

	p.log.Info().Int("workers", p.count).Msg("worker pool started")
	return nil
}

// Stop waits for the loops to drain, then marks the worker stopped, which
// also recovers any claim that was cut off mid-flight back to pending.
func (p *Pool) Stop(ctx context.Context) {
	p.wg.Wait()
	reset, err := p.store.StopWorker(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("stop worker failed")
		return
	}
	p.log.Info().Int("reset_jobs", reset).Msg("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int, wake <-chan *redis.Message) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		j, err := p.store.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("claim failed")
			p.idle(ctx, wake)
			continue
		}
		if j == nil {
			p.idle(ctx, wake)
			continue
		}

		p.process(ctx, log, j)
	}
}

// idle blocks until the poll interval elapses, a wake signal arrives, or ctx
// is cancelled.
func (p *Pool) idle(ctx context.Context, wake <-chan *redis.Message) {
	timer := time.NewTimer(p.Poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, j *jobstore.Job) {
	log.Debug().Str("job", j.ID).Str("type", j.Type).Msg("processing job")

	p.mu.RLock()
	h, ok := p.handlers[j.Type]
	p.mu.RUnlock()
	if !ok {
		p.settle(ctx, log, j, nil, task.Fatal(fmt.Errorf("unknown job type: %s", j.Type)))
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if j.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	result, err := runHandler(runCtx, h, j)
	if cancel != nil {
		cancel()
	}
	p.settle(ctx, log, j, result, err)
}

func (p *Pool) settle(ctx context.Context, log zerolog.Logger, j *jobstore.Job, result json.RawMessage, err error) {
	// Record outcomes even when our own ctx just got cancelled, so the job
	// is not stranded in processing.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err != nil {
		if ferr := p.store.Fail(ctx, j.ID, err); ferr != nil {
			log.Error().Err(ferr).Str("job", j.ID).Msg("recording failure failed")
		}
		return
	}
	if cerr := p.store.Complete(ctx, j.ID, result); cerr != nil {
		log.Error().Err(cerr).Str("job", j.ID).Msg("recording completion failed")
		return
	}
	log.Debug().Str("job", j.ID).Str("type", j.Type).Msg("job completed")
}

// runHandler shields the claim loop from handler panics.
func runHandler(ctx context.Context, h Handler, j *jobstore.Job) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, j)
}
