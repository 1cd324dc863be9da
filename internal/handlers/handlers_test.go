package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/jobstore"
	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

func TestFeedRefresh(t *testing.T) {
	out, err := FeedRefresh(context.Background(), &jobstore.Job{Payload: json.RawMessage(`{"source_id":"reuters"}`)})
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "reuters", result["source_id"])
	assert.NotZero(t, result["items_fetched"])
}

func TestEarningsFetch_RequiresSymbol(t *testing.T) {
	_, err := EarningsFetch(context.Background(), &jobstore.Job{})
	require.Error(t, err)
	assert.True(t, task.IsFatal(err))

	_, err = EarningsFetch(context.Background(), &jobstore.Job{Payload: json.RawMessage(`{"symbol":"AAPL"}`)})
	assert.NoError(t, err)
}

func TestMalformedPayloadIsFatal(t *testing.T) {
	for name, h := range All() {
		_, err := h(context.Background(), &jobstore.Job{Payload: json.RawMessage(`{broken`)})
		require.Errorf(t, err, "%s accepted a malformed payload", name)
		assert.Truef(t, task.IsFatal(err), "%s returned a retryable error for a malformed payload", name)
	}
}

func TestExecutorsHonorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := DailyAnalysis(ctx, &jobstore.Job{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
