package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// sleep waits for d or until ctx is cancelled. Executors use it in place of
// the real upstream fetch so the queue machinery can be exercised end to end.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type feedPayload struct {
	SourceID string `json:"source_id,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// FeedRefresh pulls fresh items for one feed source, or for all sources when
// the payload names none.
func FeedRefresh(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
	var p feedPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, task.Fatal(fmt.Errorf("invalid feed_refresh payload: %w", err))
		}
	}

	if err := sleep(ctx, 200*time.Millisecond); err != nil {
		return nil, err
	}

	items := rand.IntN(40) + 1
	out := map[string]any{
		"source_id":     p.SourceID,
		"items_fetched": items,
		"fetched_at":    time.Now().UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(out)
	return raw, nil
}

type earningsPayload struct {
	Symbol  string `json:"symbol"`
	Quarter string `json:"quarter,omitempty"`
}

// EarningsFetch loads the latest earnings report for a symbol.
func EarningsFetch(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
	var p earningsPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, task.Fatal(fmt.Errorf("invalid earnings_fetch payload: %w", err))
		}
	}
	if p.Symbol == "" {
		return nil, task.Fatal(fmt.Errorf("earnings_fetch requires a symbol"))
	}

	if err := sleep(ctx, 300*time.Millisecond); err != nil {
		return nil, err
	}

	out := map[string]any{
		"symbol":  p.Symbol,
		"quarter": p.Quarter,
		"eps":     fmt.Sprintf("%.2f", rand.Float64()*5),
	}
	raw, _ := json.Marshal(out)
	return raw, nil
}

type analysisPayload struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD, defaults to today
}

// DailyAnalysis aggregates the day's feed items into a market summary.
func DailyAnalysis(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
	var p analysisPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, task.Fatal(fmt.Errorf("invalid daily_analysis payload: %w", err))
		}
	}
	if p.Date == "" {
		p.Date = time.Now().UTC().Format("2006-01-02")
	}

	if err := sleep(ctx, 500*time.Millisecond); err != nil {
		return nil, err
	}

	out := map[string]any{
		"date":            p.Date,
		"sources_scanned": rand.IntN(20) + 5,
		"sentiment":       fmt.Sprintf("%.2f", rand.Float64()*2-1),
	}
	raw, _ := json.Marshal(out)
	return raw, nil
}

type predictionPayload struct {
	Horizon string `json:"horizon,omitempty"` // e.g. "1w", "1m"
}

// PredictionGenerate derives forward-looking predictions from the most recent
// daily analysis.
func PredictionGenerate(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
	var p predictionPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, task.Fatal(fmt.Errorf("invalid prediction_generate payload: %w", err))
		}
	}
	if p.Horizon == "" {
		p.Horizon = "1w"
	}

	if err := sleep(ctx, 400*time.Millisecond); err != nil {
		return nil, err
	}

	out := map[string]any{
		"horizon":    p.Horizon,
		"confidence": fmt.Sprintf("%.2f", rand.Float64()),
	}
	raw, _ := json.Marshal(out)
	return raw, nil
}

type sentimentPayload struct {
	Text string `json:"text"`
}

// SentimentScore scores a single piece of content on a -1..1 scale.
func SentimentScore(ctx context.Context, j *jobstore.Job) (json.RawMessage, error) {
	var p sentimentPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, task.Fatal(fmt.Errorf("invalid sentiment_score payload: %w", err))
	}
	if p.Text == "" {
		return nil, task.Fatal(fmt.Errorf("sentiment_score requires text"))
	}

	if err := sleep(ctx, 100*time.Millisecond); err != nil {
		return nil, err
	}

	out := map[string]any{
		"score":  fmt.Sprintf("%.2f", rand.Float64()*2-1),
		"length": len(p.Text),
	}
	raw, _ := json.Marshal(out)
	return raw, nil
}

// All maps job types to their executors, ready to feed a worker pool registry.
func All() map[string]func(context.Context, *jobstore.Job) (json.RawMessage, error) {
	return map[string]func(context.Context, *jobstore.Job) (json.RawMessage, error){
		"feed_refresh":        FeedRefresh,
		"earnings_fetch":      EarningsFetch,
		"daily_analysis":      DailyAnalysis,
		"prediction_generate": PredictionGenerate,
		"sentiment_score":     SentimentScore,
	}
}
