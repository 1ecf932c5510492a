package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/blob"
	"github.com/shelfmetrics/harvester/internal/catalog"
	"github.com/shelfmetrics/harvester/internal/failcache"
	"github.com/shelfmetrics/harvester/internal/metrics"
	"github.com/shelfmetrics/harvester/internal/normalize"
	"github.com/shelfmetrics/harvester/internal/output"
	"github.com/shelfmetrics/harvester/internal/publisher"
	"github.com/shelfmetrics/harvester/internal/ratelimit"
	"github.com/shelfmetrics/harvester/internal/region"
	"github.com/shelfmetrics/harvester/internal/validate"
)

type stubDiscoverer struct {
	targets []catalog.CrawlTarget
	err     error
	mode    string
}

func (d *stubDiscoverer) Discover(context.Context) ([]catalog.CrawlTarget, error) {
	return d.targets, d.err
}

func (d *stubDiscoverer) Mode() string { return d.mode }

type stubResolver struct{}

func (stubResolver) Session(_ context.Context, p region.Params) (catalog.Session, error) {
	return catalog.Session{
		Region:     p.Region,
		RegionID:   "r-" + p.Region,
		PostalCode: p.GeoKey,
		HubID:      p.HubID,
	}, nil
}

// stubFetcher serves JSON product documents keyed by target id. Unknown ids
// return catalog.ErrNotFound; ids in failWith return a transient error.
type stubFetcher struct {
	products map[string]map[string]any
	failWith map[string]error
}

func (f *stubFetcher) FetchTarget(_ context.Context, target catalog.CrawlTarget, _ catalog.Session) (catalog.RawPayload, error) {
	if err, ok := f.failWith[target.ID]; ok {
		return catalog.RawPayload{}, err
	}
	doc, ok := f.products[target.ID]
	if !ok {
		return catalog.RawPayload{StatusCode: 404}, fmt.Errorf("product %s: %w", target.ID, catalog.ErrNotFound)
	}
	body, _ := json.Marshal(doc)
	return catalog.RawPayload{
		Target:     target,
		Kind:       catalog.KindJSON,
		Body:       body,
		StatusCode: 200,
		FetchedAt:  time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}, nil
}

func product(id string, price float64) map[string]any {
	return map[string]any{
		"id":    id,
		"name":  "Product " + id,
		"price": price,
	}
}

type fixture struct {
	crawler  *Crawler
	store    *metrics.MemoryStore
	events   *publisher.Memory
	blobs    *blob.MemoryStore
	failures *failcache.Cache
	outDir   string
}

func newFixture(t *testing.T, desc catalog.Descriptor, disc Discoverer, fetcher catalog.TargetFetcher) *fixture {
	t.Helper()

	outDir := t.TempDir()
	store := metrics.NewMemoryStore()
	events := publisher.NewMemory()
	blobs := blob.NewMemoryStore()
	failures := failcache.New(t.TempDir(), desc.Name, 7, nil, nil)

	crawler, err := New(Options{
		Descriptor: desc,
		Discoverer: disc,
		Fetcher:    fetcher,
		Normalizer: normalize.NewJSONNormalizer(nil),
		Validator:  validate.New(0, nil),
		Writer:     output.NewWriter(outDir, nil),
		Failures:   failures,
		Regions:    stubResolver{},
		Limiter: ratelimit.New(ratelimit.Config{
			RateLimit: 1000, Window: time.Second, MaxConcurrent: 16,
		}),
		Collector: metrics.NewCollector(store, metrics.NewPromMetrics(), nil, nil),
		Prom:      metrics.NewPromMetrics(),
		Store:     blobs,
		Events:    events,
	})
	require.NoError(t, err)
	return &fixture{
		crawler:  crawler,
		store:    store,
		events:   events,
		blobs:    blobs,
		failures: failures,
		outDir:   outDir,
	}
}

func targetsForIDs(ids ...string) []catalog.CrawlTarget {
	out := make([]catalog.CrawlTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, catalog.CrawlTarget{ID: id})
	}
	return out
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	products := map[string]map[string]any{}
	ids := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("%d", i)
		products[id] = product(id, float64(i))
		ids = append(ids, id)
	}
	// One record that fails validation downstream.
	products["5"]["price"] = 0.0

	desc := catalog.Descriptor{
		Name:      "freshmart",
		Strategy:  catalog.StrategyCategoryTree,
		Regime:    catalog.RegimeSequential,
		Regions:   map[string]catalog.RegionConfig{"north": {GeoKey: "1012AB"}},
		BatchSize: 2,
	}
	fx := newFixture(t, desc,
		&stubDiscoverer{targets: targetsForIDs(ids...), mode: "category_tree"},
		&stubFetcher{products: products},
	)

	require.NoError(t, fx.crawler.Run(context.Background()))

	// Run row reaches the success state with the discovery sub-phase filled.
	batches := fx.store.Batches()
	require.Len(t, batches, 3, "5 targets at batch size 2")
	run, ok := fx.store.Run(batches[0].RunID)
	require.True(t, ok)
	assert.Equal(t, metrics.RunSuccess, run.Status)
	assert.Equal(t, "category_tree", run.DiscoveryMode)
	assert.Equal(t, 5, run.ProductsDiscovered)
	assert.Equal(t, 4, run.ProductsScraped)

	// Consolidated parquet holds exactly the valid rows.
	pattern := filepath.Join(fx.outDir, "supermarket=freshmart", "region=north", "*", "*", "*", "run_freshmart_*.parquet")
	matches, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	rows, err := parquet.ReadFile[output.Row](matches[0])
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	// The batch staging directory is gone after consolidation.
	staging, err := filepath.Glob(filepath.Join(filepath.Dir(matches[0]), "batches_*"))
	require.NoError(t, err)
	assert.Empty(t, staging)

	// Uploaded once, published once.
	assert.Equal(t, 1, fx.blobs.Len())
	events := fx.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "success", events[0].Status)
	assert.Equal(t, 4, events[0].ProductsScraped)
	require.Len(t, events[0].OutputURIs, 1)
}

func TestRun_DiscoveryFailureIsFatal(t *testing.T) {
	t.Parallel()

	desc := catalog.Descriptor{Name: "freshmart", Regime: catalog.RegimeSequential}
	fx := newFixture(t, desc,
		&stubDiscoverer{err: errors.New("all discovery strategies failed: boom")},
		&stubFetcher{},
	)

	err := fx.crawler.Run(context.Background())
	require.Error(t, err)
	var fatal *catalog.RunFatalError
	require.ErrorAs(t, err, &fatal)

	events := fx.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].Status)
}

func TestRun_NotFoundTargetsLandInFailureCache(t *testing.T) {
	t.Parallel()

	desc := catalog.Descriptor{
		Name:      "freshmart",
		Regime:    catalog.RegimeSequential,
		BatchSize: 10,
	}
	fx := newFixture(t, desc,
		&stubDiscoverer{targets: targetsForIDs("1", "gone"), mode: "sitemap"},
		&stubFetcher{products: map[string]map[string]any{"1": product("1", 1.0)}},
	)

	require.NoError(t, fx.crawler.Run(context.Background()))

	dead, err := fx.failures.Load()
	require.NoError(t, err)
	require.Contains(t, dead, "gone")
	assert.Equal(t, 404, dead["gone"].Status)
}

func TestRun_TransientFailuresAreContained(t *testing.T) {
	t.Parallel()

	desc := catalog.Descriptor{
		Name:      "freshmart",
		Regime:    catalog.RegimeBoundedAsync,
		BatchSize: 10,
		Regions: map[string]catalog.RegionConfig{
			"north": {GeoKey: "1012AB"},
			"south": {GeoKey: "2012CD"},
		},
		MaxInFlightFetches: 4,
	}
	transient := &catalog.TransientFetchError{URL: "2", StatusCode: 503, Err: errors.New("upstream 503")}
	fx := newFixture(t, desc,
		&stubDiscoverer{targets: targetsForIDs("1", "2"), mode: "sitemap"},
		&stubFetcher{
			products: map[string]map[string]any{"1": product("1", 1.0)},
			failWith: map[string]error{"2": transient},
		},
	)

	require.NoError(t, fx.crawler.Run(context.Background()))

	batches := fx.store.Batches()
	require.Len(t, batches, 2, "one batch per region")
	run, ok := fx.store.Run(batches[0].RunID)
	require.True(t, ok)
	assert.Equal(t, metrics.RunSuccess, run.Status, "transient target failures never fail the run")
	assert.Equal(t, 2, run.ProductsScraped, "one good product in each of two regions")
}

func TestRun_ParallelRegions(t *testing.T) {
	t.Parallel()

	desc := catalog.Descriptor{
		Name:   "freshmart",
		Regime: catalog.RegimeParallelRegions,
		Regions: map[string]catalog.RegionConfig{
			"east": {GeoKey: "3000"}, "west": {GeoKey: "4000"}, "north": {GeoKey: "5000"},
		},
		BatchSize:          10,
		MaxParallelRegions: 2,
	}
	fx := newFixture(t, desc,
		&stubDiscoverer{targets: targetsForIDs("1"), mode: "sitemap"},
		&stubFetcher{products: map[string]map[string]any{"1": product("1", 1.0)}},
	)

	require.NoError(t, fx.crawler.Run(context.Background()))
	assert.Equal(t, 3, fx.blobs.Len(), "one consolidated upload per region")
	events := fx.events.Events()
	require.Len(t, events, 1)
	assert.Len(t, events[0].OutputURIs, 3)
}
