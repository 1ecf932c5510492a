package discovery

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// GraphQLIDWalker discovers raw product identifiers for GraphQL catalogs.
// The sitemap itself supplies the identifiers: they are regex-extracted from
// URL path segments, so no separate listing pagination is needed.
type GraphQLIDWalker struct {
	sitemap   *SitemapWalker
	idPattern *regexp.Regexp
	limit     int
	logger    *zap.Logger
}

// GraphQLIDConfig configures a GraphQLIDWalker.
type GraphQLIDConfig struct {
	BaseURL        string
	PagePathFormat string
	// IDPattern extracts the identifier from a product URL path; the first
	// capture group is the identifier. Defaults to trailing digits.
	IDPattern string
	Limit     int
	Timeout   time.Duration
}

// NewGraphQLIDWalker builds a walker for one catalog.
func NewGraphQLIDWalker(cfg GraphQLIDConfig, logger *zap.Logger) (*GraphQLIDWalker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pattern := cfg.IDPattern
	if pattern == "" {
		pattern = `/p/(?:[^/]+/)?(\d+)`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile id pattern: %w", err)
	}
	sitemap, err := NewSitemapWalker(SitemapConfig{
		BaseURL:        cfg.BaseURL,
		PagePathFormat: cfg.PagePathFormat,
		Timeout:        cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &GraphQLIDWalker{
		sitemap:   sitemap,
		idPattern: re,
		limit:     cfg.Limit,
		logger:    logger,
	}, nil
}

// Name implements Strategy.
func (w *GraphQLIDWalker) Name() string { return string(catalog.StrategyGraphQL) }

// Discover walks the sitemap and converts each product URL into an ID target.
func (w *GraphQLIDWalker) Discover(ctx context.Context) ([]catalog.CrawlTarget, error) {
	urls, err := w.sitemap.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var targets []catalog.CrawlTarget
	seen := make(map[string]struct{})
	skipped := 0
	for _, u := range urls {
		m := w.idPattern.FindStringSubmatch(u.URL)
		if len(m) < 2 || m[1] == "" {
			skipped++
			continue
		}
		var full bool
		targets, full = dedup(targets, seen, catalog.CrawlTarget{ID: m[1]}, w.limit)
		if full {
			break
		}
	}
	if skipped > 0 {
		w.logger.Debug("sitemap entries without extractable ids", zap.Int("skipped", skipped))
	}
	return targets, nil
}
