// Package runner orchestrates one catalog crawl: discovery, failure-cache
// filtering, region fan-out, batch processing, consolidation, and the final
// run bookkeeping.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shelfmetrics/harvester/internal/blob"
	"github.com/shelfmetrics/harvester/internal/catalog"
	"github.com/shelfmetrics/harvester/internal/failcache"
	"github.com/shelfmetrics/harvester/internal/metrics"
	"github.com/shelfmetrics/harvester/internal/output"
	"github.com/shelfmetrics/harvester/internal/publisher"
	"github.com/shelfmetrics/harvester/internal/ratelimit"
	"github.com/shelfmetrics/harvester/internal/region"
	"github.com/shelfmetrics/harvester/internal/validate"
)

// Discoverer produces crawl targets and reports which strategy served them.
type Discoverer interface {
	Discover(ctx context.Context) ([]catalog.CrawlTarget, error)
	Mode() string
}

// SessionResolver builds region-scoped sessions.
type SessionResolver interface {
	Session(ctx context.Context, p region.Params) (catalog.Session, error)
}

// Options bundles the collaborators of one Crawler. Store and Events are
// optional; everything else is required.
type Options struct {
	Descriptor catalog.Descriptor
	Discoverer Discoverer
	Fetcher    catalog.TargetFetcher
	Normalizer catalog.Normalizer
	Validator  *validate.Validator
	Writer     *output.Writer
	Failures   *failcache.Cache
	Regions    SessionResolver
	Limiter    *ratelimit.Limiter
	Collector  *metrics.Collector
	Prom       *metrics.PromMetrics
	Store      blob.Store
	Events     publisher.Publisher
	MinRows    int
	Clock      catalog.Clock
	Logger     *zap.Logger
}

// Crawler runs one catalog end to end.
type Crawler struct {
	desc       catalog.Descriptor
	discoverer Discoverer
	fetcher    catalog.TargetFetcher
	normalizer catalog.Normalizer
	validator  *validate.Validator
	writer     *output.Writer
	failures   *failcache.Cache
	regions    SessionResolver
	limiter    *ratelimit.Limiter
	collector  *metrics.Collector
	prom       *metrics.PromMetrics
	store      blob.Store
	events     publisher.Publisher
	minRows    int
	clock      catalog.Clock
	logger     *zap.Logger

	politeness *rate.Limiter
	failMu     sync.Mutex
}

// New builds a Crawler from its collaborators.
func New(opts Options) (*Crawler, error) {
	switch {
	case opts.Descriptor.Name == "":
		return nil, fmt.Errorf("catalog name is required")
	case opts.Discoverer == nil:
		return nil, fmt.Errorf("discoverer is required")
	case opts.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case opts.Normalizer == nil:
		return nil, fmt.Errorf("normalizer is required")
	case opts.Validator == nil:
		return nil, fmt.Errorf("validator is required")
	case opts.Writer == nil:
		return nil, fmt.Errorf("writer is required")
	case opts.Failures == nil:
		return nil, fmt.Errorf("failure cache is required")
	case opts.Regions == nil:
		return nil, fmt.Errorf("region resolver is required")
	case opts.Limiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case opts.Collector == nil:
		return nil, fmt.Errorf("metrics collector is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var politeness *rate.Limiter
	if opts.Descriptor.Regime == catalog.RegimeSequential && opts.Descriptor.PolitenessDelay > 0 {
		politeness = rate.NewLimiter(rate.Every(opts.Descriptor.PolitenessDelay), 1)
	}

	return &Crawler{
		desc:       opts.Descriptor,
		discoverer: opts.Discoverer,
		fetcher:    opts.Fetcher,
		normalizer: opts.Normalizer,
		validator:  opts.Validator,
		writer:     opts.Writer,
		failures:   opts.Failures,
		regions:    opts.Regions,
		limiter:    opts.Limiter,
		collector:  opts.Collector,
		prom:       opts.Prom,
		store:      opts.Store,
		events:     opts.Events,
		minRows:    opts.MinRows,
		clock:      clock,
		logger:     logger,
		politeness: politeness,
	}, nil
}

// Run executes one crawl. Discovery failure or context cancellation fails the
// run; region, batch, and target errors are contained at their own level.
func (c *Crawler) Run(ctx context.Context) error {
	tracker, err := c.collector.StartRun(ctx, c.desc.Name, "")
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	runID := tracker.RunID()
	logger := c.logger.With(zap.String("run_id", runID.String()))
	logger.Info("starting crawl run", zap.String("regime", string(c.desc.Regime)))

	if err := tracker.Start(ctx); err != nil {
		logger.Warn("failed to mark run running", zap.Error(err))
	}

	targets, err := c.discover(ctx, tracker)
	if err != nil {
		fatal := &catalog.RunFatalError{Catalog: c.desc.Name, Err: err}
		if failErr := tracker.Fail(ctx, err); failErr != nil {
			logger.Warn("failed to persist run failure", zap.Error(failErr))
		}
		c.publish(ctx, tracker, string(metrics.RunFailed), nil)
		return fatal
	}

	filtered, err := c.failures.Filter(targets)
	if err != nil {
		logger.Warn("failure cache unavailable, crawling unfiltered targets", zap.Error(err))
		filtered = targets
	}
	logger.Info("discovery complete",
		zap.String("mode", c.discoverer.Mode()),
		zap.Int("discovered", len(targets)),
		zap.Int("after_failure_filter", len(filtered)),
	)

	uris := c.processRegions(ctx, tracker, filtered)

	if ctx.Err() != nil {
		if failErr := tracker.Fail(ctx, ctx.Err()); failErr != nil {
			logger.Warn("failed to persist run failure", zap.Error(failErr))
		}
		c.publish(ctx, tracker, string(metrics.RunFailed), uris)
		return ctx.Err()
	}

	if err := tracker.Succeed(ctx); err != nil {
		logger.Warn("failed to persist run success", zap.Error(err))
	}
	c.publish(ctx, tracker, string(metrics.RunSuccess), uris)
	logger.Info("crawl run finished", zap.Int("validation_errors", tracker.ValidationErrors()))
	return nil
}

func (c *Crawler) discover(ctx context.Context, tracker *metrics.RunTracker) ([]catalog.CrawlTarget, error) {
	tracker.DiscoveryStarted()
	targets, err := c.discoverer.Discover(ctx)
	if err != nil {
		return nil, err
	}
	tracker.DiscoveryFinished(c.discoverer.Mode(), len(targets))
	return targets, nil
}

// processRegions fans the target list out over the catalog's regions
// according to the configured regime and returns the uploaded object URIs.
func (c *Crawler) processRegions(ctx context.Context, tracker *metrics.RunTracker, targets []catalog.CrawlTarget) []string {
	regions := c.regionNames()

	var (
		mu   sync.Mutex
		uris []string
	)
	collect := func(uri string) {
		if uri == "" {
			return
		}
		mu.Lock()
		uris = append(uris, uri)
		mu.Unlock()
	}

	if c.desc.Regime == catalog.RegimeParallelRegions && len(regions) > 1 {
		slots := c.desc.MaxParallelRegions
		if slots <= 0 {
			slots = len(regions)
		}
		sem := make(chan struct{}, slots)
		var wg sync.WaitGroup
		for _, name := range regions {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				uri, err := c.processRegion(ctx, tracker, name, targets)
				if err != nil {
					c.logger.Error("region task failed", zap.String("region", name), zap.Error(err))
					return
				}
				collect(uri)
			}(name)
		}
		wg.Wait()
		return uris
	}

	for _, name := range regions {
		if ctx.Err() != nil {
			break
		}
		uri, err := c.processRegion(ctx, tracker, name, targets)
		if err != nil {
			c.logger.Error("region task failed", zap.String("region", name), zap.Error(err))
			continue
		}
		collect(uri)
	}
	return uris
}

// regionNames returns the configured regions in a stable order, or a single
// unnamed region for catalogs without region-dependent pricing.
func (c *Crawler) regionNames() []string {
	if len(c.desc.Regions) == 0 {
		return []string{""}
	}
	names := make([]string, 0, len(c.desc.Regions))
	for name := range c.desc.Regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Crawler) processRegion(ctx context.Context, tracker *metrics.RunTracker, regionName string, targets []catalog.CrawlTarget) (string, error) {
	logger := c.logger.With(zap.String("region", regionName))
	session := c.resolveSession(ctx, regionName, logger)

	day := c.clock.Now()
	partition := output.PartitionPath(c.desc.Name, regionName, day)
	batchDir := c.writer.BatchDir(partition, tracker.RunID().String())
	meta := output.Metadata{
		Supermarket: c.desc.Name,
		Region:      regionName,
		RunID:       tracker.RunID().String(),
		PostalCode:  session.PostalCode,
		HubID:       session.HubID,
	}

	batchSize := c.desc.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	seq := 0
	for start := 0; start < len(targets); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+batchSize, len(targets))
		if err := c.processBatch(ctx, tracker, seq, regionName, session, targets[start:end], batchDir, meta); err != nil {
			logger.Warn("batch failed", zap.Int("batch", seq), zap.Error(err))
		}
		seq++
	}

	finalName := output.RunFileName(c.desc.Name, day)
	finalPath := filepath.Join(c.writer.BaseDir(), partition, finalName)
	rows, err := c.writer.Consolidate(batchDir, finalPath)
	if err != nil {
		return "", fmt.Errorf("consolidate region %q: %w", regionName, err)
	}
	if rows == 0 {
		logger.Warn("region produced no rows")
		return "", nil
	}
	if _, err := c.writer.ValidateRun(finalPath, c.minRows); err != nil {
		logger.Warn("run file validation failed", zap.Error(err))
	}
	return c.upload(ctx, partition, finalName, finalPath, logger), nil
}

// resolveSession degrades to an unscoped session when the resolver cannot
// build the region cookie.
func (c *Crawler) resolveSession(ctx context.Context, regionName string, logger *zap.Logger) catalog.Session {
	rc := c.desc.Regions[regionName]
	session, err := c.regions.Session(ctx, region.Params{
		Catalog:        c.desc.Name,
		Region:         regionName,
		GeoKey:         rc.GeoKey,
		SalesChannel:   rc.SalesChannel,
		ManualRegionID: rc.ManualRegionID,
		HubID:          rc.HubID,
	})
	if err != nil {
		logger.Warn("region session unavailable, fetching without region scoping", zap.Error(err))
		return catalog.Session{Region: regionName, PostalCode: rc.GeoKey, HubID: rc.HubID}
	}
	return session
}

func (c *Crawler) processBatch(
	ctx context.Context,
	tracker *metrics.RunTracker,
	seq int,
	regionName string,
	session catalog.Session,
	batch []catalog.CrawlTarget,
	batchDir string,
	meta output.Metadata,
) (err error) {
	scope := tracker.TrackBatch(seq, regionName)
	defer func() { scope.Close(ctx, err) }()

	records := c.fetchBatch(ctx, session, batch, scope)
	valid, dropped := c.validator.Filter(records)
	tracker.AddValidationErrors(dropped)

	n, writeErr := c.writer.WriteBatch(batchDir, seq, valid, meta)
	if writeErr != nil {
		err = fmt.Errorf("write batch %d: %w", seq, writeErr)
		return err
	}
	scope.ProductsCount = n
	tracker.AddScraped(n)
	return nil
}

// fetchBatch fetches every target of one batch, per-target errors contained.
// In the bounded-async regime all fetches are gathered before returning so a
// batch never commits partially.
func (c *Crawler) fetchBatch(ctx context.Context, session catalog.Session, batch []catalog.CrawlTarget, scope *metrics.BatchScope) []catalog.Record {
	if c.desc.Regime == catalog.RegimeBoundedAsync {
		return c.fetchBatchAsync(ctx, session, batch, scope)
	}

	records := make([]catalog.Record, 0, len(batch))
	for _, target := range batch {
		if ctx.Err() != nil {
			break
		}
		if c.politeness != nil {
			if err := c.politeness.Wait(ctx); err != nil {
				break
			}
		}
		rec, status, err := c.fetchOne(ctx, target, session)
		if status != 0 {
			scope.APIStatusCode = status
		}
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (c *Crawler) fetchBatchAsync(ctx context.Context, session catalog.Session, batch []catalog.CrawlTarget, scope *metrics.BatchScope) []catalog.Record {
	slots := c.desc.MaxInFlightFetches
	if slots <= 0 {
		slots = 8
	}
	sem := make(chan struct{}, slots)

	var (
		mu      sync.Mutex
		records []catalog.Record
		wg      sync.WaitGroup
	)
	for _, target := range batch {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(target catalog.CrawlTarget) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rec, status, err := c.fetchOne(ctx, target, session)
			mu.Lock()
			defer mu.Unlock()
			if status != 0 {
				scope.APIStatusCode = status
			}
			if err == nil {
				records = append(records, rec)
			}
		}(target)
	}
	wg.Wait()
	return records
}

// fetchOne fetches and normalizes a single target under the shared rate
// limiter. 404s are recorded in the failure cache; other errors are logged
// and counted, never propagated.
func (c *Crawler) fetchOne(ctx context.Context, target catalog.CrawlTarget, session catalog.Session) (catalog.Record, int, error) {
	var (
		rec    catalog.Record
		status int
	)
	started := c.clock.Now()
	err := c.limiter.Do(ctx, func() error {
		payload, fetchErr := c.fetcher.FetchTarget(ctx, target, session)
		status = payload.StatusCode
		if fetchErr != nil {
			return fetchErr
		}
		normalized, normErr := c.normalizer.Normalize(payload, session)
		if normErr != nil {
			return normErr
		}
		rec = normalized
		return nil
	})
	elapsed := c.clock.Now().Sub(started)

	switch {
	case err == nil:
		c.prom.ObserveFetch(c.desc.Name, "success", elapsed)
		return rec, status, nil
	case isNotFound(err):
		c.recordFailure(target, 404)
		c.prom.ObserveFetch(c.desc.Name, "not_found", elapsed)
	default:
		c.logger.Debug("target fetch failed", zap.String("target", target.Key()), zap.Error(err))
		c.prom.ObserveFetch(c.desc.Name, "failure", elapsed)
	}
	return catalog.Record{}, status, err
}

// recordFailure serializes failure-cache appends; the cache file itself
// assumes a single writer per catalog.
func (c *Crawler) recordFailure(target catalog.CrawlTarget, status int) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if err := c.failures.Record(target.Key(), status); err != nil {
		c.logger.Warn("failed to record dead target", zap.String("target", target.Key()), zap.Error(err))
	}
}

func (c *Crawler) upload(ctx context.Context, partition, finalName, finalPath string, logger *zap.Logger) string {
	if c.store == nil {
		return ""
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		logger.Warn("cannot read consolidated file for upload", zap.Error(err))
		return ""
	}
	objectPath := path.Join(filepath.ToSlash(partition), finalName)
	uri, err := c.store.PutObject(ctx, objectPath, "application/octet-stream", data)
	if err != nil {
		logger.Warn("upload failed, keeping local file", zap.Error(err))
		return ""
	}
	logger.Info("uploaded run file", zap.String("uri", uri))
	return uri
}

func (c *Crawler) publish(ctx context.Context, tracker *metrics.RunTracker, status string, uris []string) {
	if c.events == nil {
		return
	}
	event := publisher.RunEvent{
		RunID:           tracker.RunID().String(),
		Catalog:         c.desc.Name,
		Status:          status,
		ProductsScraped: tracker.ProductsScraped(),
		OutputURIs:      uris,
		FinishedAt:      c.clock.Now(),
	}
	if _, err := c.events.PublishRunEvent(ctx, event); err != nil {
		c.logger.Warn("failed to publish run event", zap.Error(err))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, catalog.ErrNotFound)
}
