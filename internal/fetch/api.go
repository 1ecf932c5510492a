package fetch

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// APIFetcher retrieves product documents from a structured JSON search API
// by product identifier.
type APIFetcher struct {
	client  *Client
	baseURL string
	clock   catalog.Clock
	logger  *zap.Logger
}

// NewAPIFetcher builds a fetcher for one catalog's product API.
func NewAPIFetcher(client *Client, baseURL string, clock catalog.Clock, logger *zap.Logger) *APIFetcher {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIFetcher{client: client, baseURL: baseURL, clock: clock, logger: logger}
}

// FetchTarget implements catalog.TargetFetcher.
func (f *APIFetcher) FetchTarget(ctx context.Context, target catalog.CrawlTarget, session catalog.Session) (catalog.RawPayload, error) {
	if target.ID == "" {
		return catalog.RawPayload{}, fmt.Errorf("api fetcher requires an id target")
	}
	endpoint := fmt.Sprintf("%s/api/products/%s", f.baseURL, url.PathEscape(target.ID))
	if session.RegionID != "" {
		endpoint += "?region_id=" + url.QueryEscape(session.RegionID)
	}

	res, err := f.client.Get(ctx, endpoint, session)
	if err != nil {
		return catalog.RawPayload{Target: target, StatusCode: res.StatusCode}, err
	}
	return catalog.RawPayload{
		Target:     target,
		Kind:       catalog.KindJSON,
		Body:       res.Body,
		StatusCode: res.StatusCode,
		FetchedAt:  f.clock.Now(),
	}, nil
}
