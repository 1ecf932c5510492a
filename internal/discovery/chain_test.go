package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

type stubStrategy struct {
	name    string
	targets []catalog.CrawlTarget
	err     error
	calls   int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Discover(_ context.Context) ([]catalog.CrawlTarget, error) {
	s.calls++
	return s.targets, s.err
}

func TestChain_PrimarySucceeds(t *testing.T) {
	t.Parallel()

	primary := &stubStrategy{name: "sitemap", targets: []catalog.CrawlTarget{{URL: "u"}}}
	fallback := &stubStrategy{name: "category_tree"}
	chain := NewChain(primary, fallback, nil)

	targets, err := chain.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 1)
	assert.Zero(t, fallback.calls)
	assert.Equal(t, "sitemap", chain.Mode())
}

func TestChain_FallsBackOnDiscoveryUnavailable(t *testing.T) {
	t.Parallel()

	primary := &stubStrategy{name: "sitemap", err: catalog.ErrDiscoveryUnavailable}
	fallback := &stubStrategy{name: "category_tree", targets: []catalog.CrawlTarget{{ID: "1"}, {ID: "2"}}}
	chain := NewChain(primary, fallback, nil)

	targets, err := chain.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 2)
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, "category_tree", chain.Mode())
}

func TestChain_UnexpectedErrorStillFallsBack(t *testing.T) {
	t.Parallel()

	primary := &stubStrategy{name: "sitemap", err: errors.New("exploded while parsing")}
	fallback := &stubStrategy{name: "category_tree", targets: []catalog.CrawlTarget{{ID: "1"}}}
	chain := NewChain(primary, fallback, nil)

	targets, err := chain.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestChain_AllStrategiesFail(t *testing.T) {
	t.Parallel()

	primary := &stubStrategy{name: "sitemap", err: catalog.ErrDiscoveryUnavailable}
	fallback := &stubStrategy{name: "category_tree", err: errors.New("tree down")}
	chain := NewChain(primary, fallback, nil)

	_, err := chain.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all discovery strategies failed")
}

func TestChain_NoFallbackConfigured(t *testing.T) {
	t.Parallel()

	primary := &stubStrategy{name: "sitemap", err: catalog.ErrDiscoveryUnavailable}
	chain := NewChain(primary, nil, nil)

	_, err := chain.Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrDiscoveryUnavailable)
}

func TestChain_ContextCancellationPropagates(t *testing.T) {
	t.Parallel()

	primary := &stubStrategy{name: "sitemap", err: context.Canceled}
	fallback := &stubStrategy{name: "category_tree"}
	chain := NewChain(primary, fallback, nil)

	_, err := chain.Discover(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fallback.calls, "cancellation must not trigger fallback")
}
