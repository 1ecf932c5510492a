package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCollector(t *testing.T) (*Collector, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)}
	return NewCollector(store, NewPromMetrics(), clock, nil), store, clock
}

func TestRunLifecycle_Success(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	collector, store, clock := newTestCollector(t)

	tracker, err := collector.StartRun(ctx, "freshmart", "north")
	require.NoError(t, err)

	run, ok := store.Run(tracker.RunID())
	require.True(t, ok)
	assert.Equal(t, RunCreated, run.Status)

	require.NoError(t, tracker.Start(ctx))
	run, _ = store.Run(tracker.RunID())
	assert.Equal(t, RunRunning, run.Status)

	tracker.DiscoveryStarted()
	clock.advance(2 * time.Second)
	tracker.DiscoveryFinished("sitemap", 120)

	tracker.AddScraped(100)
	tracker.AddScraped(18)
	clock.advance(30 * time.Second)
	require.NoError(t, tracker.Succeed(ctx))

	run, _ = store.Run(tracker.RunID())
	assert.Equal(t, RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, "sitemap", run.DiscoveryMode)
	assert.Equal(t, 120, run.ProductsDiscovered)
	assert.Equal(t, 118, run.ProductsScraped)
	assert.Equal(t, 2.0, run.DiscoveryDurationSec)
	assert.Equal(t, 32.0, run.DurationSec)
	assert.Nil(t, run.ErrorMessage)
}

func TestRunLifecycle_FailCapturesMessageVerbatim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	collector, store, _ := newTestCollector(t)

	tracker, err := collector.StartRun(ctx, "freshmart", "")
	require.NoError(t, err)
	require.NoError(t, tracker.Start(ctx))
	require.NoError(t, tracker.Fail(ctx, errors.New("all discovery strategies failed: boom")))

	run, _ := store.Run(tracker.RunID())
	assert.Equal(t, RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "all discovery strategies failed: boom", *run.ErrorMessage)
}

func TestValidationErrorCounter(t *testing.T) {
	t.Parallel()

	collector, _, _ := newTestCollector(t)
	tracker, err := collector.StartRun(context.Background(), "freshmart", "")
	require.NoError(t, err)

	tracker.AddValidationErrors(2)
	tracker.AddValidationErrors(0)
	tracker.AddValidationErrors(1)
	assert.Equal(t, 3, tracker.ValidationErrors())
}

func TestBatchScope_FlushedOnClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	collector, store, clock := newTestCollector(t)
	tracker, err := collector.StartRun(ctx, "freshmart", "north")
	require.NoError(t, err)

	scope := tracker.TrackBatch(3, "north")
	scope.ProductsCount = 48
	scope.APIStatusCode = 200
	scope.RetryCount = 1
	clock.advance(500 * time.Millisecond)
	scope.Close(ctx, nil)

	batches := store.Batches()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, tracker.RunID(), b.RunID)
	assert.Equal(t, 3, b.BatchNumber)
	assert.Equal(t, "north", b.Region)
	assert.Equal(t, 48, b.ProductsCount)
	assert.Equal(t, 200, b.APIStatusCode)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, int64(500), b.ResponseTimeMS)
	assert.True(t, b.Success, "success defaults to true")
}

func TestBatchScope_ErrorMarksFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	collector, store, _ := newTestCollector(t)
	tracker, err := collector.StartRun(ctx, "freshmart", "north")
	require.NoError(t, err)

	scope := tracker.TrackBatch(0, "north")
	scope.Close(ctx, errors.New("upstream outage"))

	batches := store.Batches()
	require.Len(t, batches, 1)
	assert.False(t, batches[0].Success)
}
