// Package discovery enumerates crawl targets for a catalog before any
// product fetching occurs. Strategies are selected per catalog and wrapped in
// a fallback chain by the orchestrating layer.
//
// Discovery is always sequential: page N's existence depends on page N-1's
// result, so none of the walkers parallelize.
package discovery

import (
	"context"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Strategy produces a deduplicated, optionally size-limited target set.
type Strategy interface {
	// Discover returns the candidate targets. A failure on the very first
	// upstream page is reported as catalog.ErrDiscoveryUnavailable so the
	// caller can fall back to another strategy.
	Discover(ctx context.Context) ([]catalog.CrawlTarget, error)
	// Name identifies the strategy in logs and run records.
	Name() string
}

// dedup appends target to out when its key has not been seen, respecting an
// optional limit (0 means unlimited). It reports whether the limit is hit.
func dedup(out []catalog.CrawlTarget, seen map[string]struct{}, target catalog.CrawlTarget, limit int) ([]catalog.CrawlTarget, bool) {
	key := target.Key()
	if key == "" {
		return out, false
	}
	if _, ok := seen[key]; ok {
		return out, false
	}
	seen[key] = struct{}{}
	out = append(out, target)
	return out, limit > 0 && len(out) >= limit
}
