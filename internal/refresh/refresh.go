package refresh

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// Category identifies one class of data the dashboard keeps fresh.
type Category string

const (
	CategoryFeeds       Category = "feeds"
	CategoryEarnings    Category = "earnings"
	CategoryAnalysis    Category = "daily_analysis"
	CategoryPredictions Category = "predictions"
)

type rule struct {
	jobType   string
	threshold time.Duration
	priority  task.Priority
}

// defaultRules pairs each category with its refresh job type and how old its
// last successful run may get before a refresh is enqueued.
var defaultRules = map[Category]rule{
	CategoryFeeds:       {jobType: "feed_refresh", threshold: 4 * time.Hour, priority: task.PriorityHigh},
	CategoryEarnings:    {jobType: "earnings_fetch", threshold: 24 * time.Hour, priority: task.PriorityNormal},
	CategoryAnalysis:    {jobType: "daily_analysis", threshold: 12 * time.Hour, priority: task.PriorityNormal},
	CategoryPredictions: {jobType: "prediction_generate", threshold: 6 * time.Hour, priority: task.PriorityLow},
}

// Freshness describes how current one category's data is.
type Freshness struct {
	Category    Category  `json:"category"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	Threshold   string    `json:"threshold"`
	Stale       bool      `json:"stale"`
}

// Checker enqueues refresh jobs for categories whose data has gone stale.
// Each category is rate limited so a burst of reads enqueues at most one job
// per threshold-check interval.
type Checker struct {
	store    *jobstore.Store
	rules    map[Category]rule
	limiters map[Category]*rate.Limiter
	log      zerolog.Logger
}

func NewChecker(store *jobstore.Store, log zerolog.Logger) *Checker {
	limiters := make(map[Category]*rate.Limiter, len(defaultRules))
	for cat := range defaultRules {
		limiters[cat] = rate.NewLimiter(rate.Every(time.Minute), 1)
	}
	return &Checker{
		store:    store,
		rules:    defaultRules,
		limiters: limiters,
		log:      log.With().Str("component", "refresh").Logger(),
	}
}

// Freshness reports the staleness of one category without side effects.
func (c *Checker) Freshness(ctx context.Context, cat Category) (Freshness, error) {
	r, ok := c.rules[cat]
	if !ok {
		return Freshness{}, task.ErrNotFound
	}
	last, err := c.store.LastSuccess(ctx, r.jobType)
	if err != nil {
		return Freshness{}, err
	}
	return Freshness{
		Category:    cat,
		LastSuccess: last,
		Threshold:   r.threshold.String(),
		Stale:       last.IsZero() || time.Since(last) > r.threshold,
	}, nil
}

// Check enqueues a refresh job for cat if its data is stale. Errors are
// logged, not returned: a refresh miss must never break the read path that
// triggered it.
func (c *Checker) Check(ctx context.Context, cat Category) {
	r, ok := c.rules[cat]
	if !ok {
		return
	}
	if !c.limiters[cat].Allow() {
		return
	}

	f, err := c.Freshness(ctx, cat)
	if err != nil {
		c.log.Warn().Err(err).Str("category", string(cat)).Msg("freshness check failed")
		return
	}
	if !f.Stale {
		return
	}

	j, err := c.store.Enqueue(ctx, jobstore.EnqueueRequest{
		Type:     r.jobType,
		Priority: r.priority,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("category", string(cat)).Msg("refresh enqueue failed")
		return
	}
	c.store.Wake(ctx)
	c.log.Info().Str("category", string(cat)).Str("job", j.ID).Msg("stale data, refresh enqueued")
}

// CheckAll sweeps every category. Wired to a cron entry in the server.
func (c *Checker) CheckAll(ctx context.Context) {
	for cat := range c.rules {
		c.Check(ctx, cat)
	}
}

// Categories returns every known category in a stable order.
func (c *Checker) Categories() []Category {
	return []Category{CategoryFeeds, CategoryEarnings, CategoryAnalysis, CategoryPredictions}
}
