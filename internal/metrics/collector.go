package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Collector hands out run trackers backed by a Store and, optionally, a set
// of Prometheus collectors.
type Collector struct {
	store  Store
	prom   *PromMetrics
	clock  catalog.Clock
	logger *zap.Logger
}

// NewCollector builds a Collector. prom may be nil.
func NewCollector(store Store, prom *PromMetrics, clock catalog.Clock, logger *zap.Logger) *Collector {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: store, prom: prom, clock: clock, logger: logger}
}

// StartRun persists a new run row in the created state and returns its
// tracker. The caller advances the state machine from there.
func (c *Collector) StartRun(ctx context.Context, catalogName, region string) (*RunTracker, error) {
	run := Run{
		ID:        uuid.New(),
		Catalog:   catalogName,
		Region:    region,
		StartedAt: c.clock.Now(),
		Status:    RunCreated,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return &RunTracker{collector: c, run: run}, nil
}

// RunTracker drives one run through created, running, and a terminal state.
// Its methods are safe for use from concurrent region goroutines.
type RunTracker struct {
	collector *Collector
	mu        sync.Mutex
	run       Run

	validationErrors int
}

// RunID returns the run's identifier.
func (t *RunTracker) RunID() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ID
}

// Start marks the run as running.
func (t *RunTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.run.Status = RunRunning
	run := t.run
	t.mu.Unlock()
	return t.collector.store.UpdateRun(ctx, run)
}

// DiscoveryStarted records the beginning of the discovery sub-phase.
func (t *RunTracker) DiscoveryStarted() {
	now := t.collector.clock.Now()
	t.mu.Lock()
	t.run.DiscoveryStartedAt = &now
	t.mu.Unlock()
}

// DiscoveryFinished records the end of the discovery sub-phase along with
// the serving strategy and the number of discovered targets.
func (t *RunTracker) DiscoveryFinished(mode string, discovered int) {
	now := t.collector.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.DiscoveryFinishedAt = &now
	if t.run.DiscoveryStartedAt != nil {
		t.run.DiscoveryDurationSec = now.Sub(*t.run.DiscoveryStartedAt).Seconds()
	}
	t.run.DiscoveryMode = mode
	t.run.ProductsDiscovered = discovered
}

// AddScraped accumulates successfully scraped products.
func (t *RunTracker) AddScraped(n int) {
	t.mu.Lock()
	t.run.ProductsScraped += n
	t.mu.Unlock()
}

// ProductsScraped returns the accumulated scraped-product count.
func (t *RunTracker) ProductsScraped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ProductsScraped
}

// AddValidationErrors accumulates records dropped by validation.
func (t *RunTracker) AddValidationErrors(n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	t.validationErrors += n
	catalogName := t.run.Catalog
	t.mu.Unlock()
	t.collector.prom.AddValidationDrops(catalogName, n)
}

// ValidationErrors returns the run's validation-error counter.
func (t *RunTracker) ValidationErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.validationErrors
}

// Succeed finishes the run in the success state.
func (t *RunTracker) Succeed(ctx context.Context) error {
	return t.finish(ctx, RunSuccess, nil)
}

// Fail finishes the run in the failed state, capturing the error message
// verbatim.
func (t *RunTracker) Fail(ctx context.Context, runErr error) error {
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	return t.finish(ctx, RunFailed, msg)
}

func (t *RunTracker) finish(ctx context.Context, status RunStatus, errMsg *string) error {
	now := t.collector.clock.Now()
	t.mu.Lock()
	t.run.Status = status
	t.run.FinishedAt = &now
	t.run.DurationSec = now.Sub(t.run.StartedAt).Seconds()
	t.run.ErrorMessage = errMsg
	run := t.run
	t.mu.Unlock()

	t.collector.prom.IncRun(run.Catalog, string(status))
	return t.collector.store.UpdateRun(ctx, run)
}

func (t *RunTracker) catalogName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Catalog
}

// TrackBatch opens a scoped handle for one batch. The caller mutates the
// exposed fields while processing and must call Close on every exit path.
func (t *RunTracker) TrackBatch(number int, region string) *BatchScope {
	return &BatchScope{
		tracker: t,
		batch: Batch{
			ID:          uuid.New(),
			RunID:       t.RunID(),
			BatchNumber: number,
			Region:      region,
			StartedAt:   t.collector.clock.Now(),
			Success:     true,
		},
	}
}

// BatchScope accumulates one batch's counters and flushes them on Close.
type BatchScope struct {
	tracker *RunTracker
	batch   Batch

	// Mutable within the scope, read at Close.
	ProductsCount int
	APIStatusCode int
	RetryCount    int
}

// Close flushes the batch row. Success defaults to true and flips to false
// when an error propagated out of the scope. The store write failure is
// logged, not returned, so a metrics outage never fails a batch.
func (s *BatchScope) Close(ctx context.Context, scopeErr error) {
	now := s.tracker.collector.clock.Now()
	s.batch.FinishedAt = now
	s.batch.ResponseTimeMS = now.Sub(s.batch.StartedAt).Milliseconds()
	s.batch.ProductsCount = s.ProductsCount
	s.batch.APIStatusCode = s.APIStatusCode
	s.batch.RetryCount = s.RetryCount
	if scopeErr != nil {
		s.batch.Success = false
	}

	result := "success"
	if !s.batch.Success {
		result = "failure"
	}
	s.tracker.collector.prom.IncBatch(s.tracker.catalogName(), result)

	if err := s.tracker.collector.store.InsertBatch(ctx, s.batch); err != nil {
		s.tracker.collector.logger.Warn("failed to flush batch row",
			zap.String("run_id", s.batch.RunID.String()),
			zap.Int("batch_number", s.batch.BatchNumber),
			zap.Error(err),
		)
	}
}

// Elapsed reports how long the scope has been open.
func (s *BatchScope) Elapsed() time.Duration {
	return s.tracker.collector.clock.Now().Sub(s.batch.StartedAt)
}
