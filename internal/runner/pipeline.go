package runner

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
	"github.com/shelfmetrics/harvester/internal/discovery"
	"github.com/shelfmetrics/harvester/internal/fetch"
	"github.com/shelfmetrics/harvester/internal/normalize"
)

// Pipeline bundles the strategy-specific collaborators of one catalog.
type Pipeline struct {
	Discoverer Discoverer
	Fetcher    catalog.TargetFetcher
	Normalizer catalog.Normalizer
}

// PipelineConfig carries the cross-catalog pieces a pipeline builds on.
type PipelineConfig struct {
	Client    *fetch.Client
	Renderer  fetch.Renderer
	UserAgent string
	Timeout   time.Duration
	Clock     catalog.Clock
}

// BuildPipeline wires the discovery strategy, fetcher, and normalizer that
// match the descriptor's strategy tag. Every primary strategy falls back to
// the category-tree walk, which needs nothing but the product API.
func BuildPipeline(desc catalog.Descriptor, cfg PipelineConfig, logger *zap.Logger) (Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fallback := discovery.NewCategoryTreeWalker(discovery.CategoryTreeConfig{
		BaseURL:  desc.BaseURL,
		PageSize: desc.BatchSize,
		Limit:    desc.DiscoveryLimit,
		Timeout:  cfg.Timeout,
	}, logger)

	switch desc.Strategy {
	case catalog.StrategySitemap:
		primary, err := discovery.NewSitemapWalker(discovery.SitemapConfig{
			BaseURL: desc.BaseURL,
			Limit:   desc.DiscoveryLimit,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return Pipeline{}, fmt.Errorf("build sitemap walker: %w", err)
		}
		fetcher, err := fetch.NewHTMLFetcher(fetch.HTMLConfig{
			UserAgent:       cfg.UserAgent,
			RequestTimeout:  cfg.Timeout,
			MaxConnsPerHost: desc.MaxInFlightFetches,
		}, cfg.Renderer, cfg.Clock, logger)
		if err != nil {
			return Pipeline{}, fmt.Errorf("build html fetcher: %w", err)
		}
		return Pipeline{
			Discoverer: discovery.NewChain(primary, fallback, logger),
			Fetcher:    fetcher,
			Normalizer: normalize.NewLDNormalizer(cfg.Clock),
		}, nil

	case catalog.StrategyCategoryTree:
		return Pipeline{
			Discoverer: discovery.NewChain(fallback, nil, logger),
			Fetcher:    fetch.NewAPIFetcher(cfg.Client, desc.BaseURL, cfg.Clock, logger),
			Normalizer: normalize.NewJSONNormalizer(cfg.Clock),
		}, nil

	case catalog.StrategyGraphQL:
		primary, err := discovery.NewGraphQLIDWalker(discovery.GraphQLIDConfig{
			BaseURL: desc.BaseURL,
			Limit:   desc.DiscoveryLimit,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return Pipeline{}, fmt.Errorf("build graphql id walker: %w", err)
		}
		return Pipeline{
			Discoverer: discovery.NewChain(primary, fallback, logger),
			Fetcher:    fetch.NewGraphQLFetcher(cfg.Client, desc.BaseURL, cfg.Clock, logger),
			Normalizer: normalize.NewGraphQLNormalizer(cfg.Clock),
		}, nil

	default:
		return Pipeline{}, fmt.Errorf("unknown discovery strategy %q", desc.Strategy)
	}
}
