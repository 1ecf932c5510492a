package catalog

import (
	"context"
	"time"
)

// TargetFetcher retrieves the raw payload for one crawl target under a
// region-scoped session. Implementations must honor the context deadline.
type TargetFetcher interface {
	FetchTarget(ctx context.Context, target CrawlTarget, session Session) (RawPayload, error)
}

// Normalizer converts a raw payload into the canonical record shape.
type Normalizer interface {
	Normalize(payload RawPayload, session Session) (Record, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
