// Package catalog defines the core types shared across the crawl engine.
package catalog

import (
	"time"
)

// StrategyTag selects the product discovery strategy for a catalog.
type StrategyTag string

// Discovery strategies configured per catalog.
const (
	StrategySitemap      StrategyTag = "sitemap"
	StrategyCategoryTree StrategyTag = "category_tree"
	StrategyGraphQL      StrategyTag = "graphql"
)

// FetchRegime selects how a catalog's regions and targets are fetched.
type FetchRegime string

// Fetch regimes configured per catalog.
const (
	RegimeSequential      FetchRegime = "sequential"
	RegimeParallelRegions FetchRegime = "parallel_regions"
	RegimeBoundedAsync    FetchRegime = "bounded_async"
)

// RegionConfig scopes a catalog to one geography-dependent pricing context.
type RegionConfig struct {
	// GeoKey is a postal code or store identifier used for region lookup.
	GeoKey string `mapstructure:"geo_key"`
	// SalesChannel identifies the upstream sales channel for this region.
	SalesChannel string `mapstructure:"sales_channel"`
	// ManualRegionID bypasses the lookup endpoint when set.
	ManualRegionID string `mapstructure:"manual_region_id"`
	// HubID optionally identifies the fulfillment hub serving this region.
	HubID string `mapstructure:"hub_id"`
}

// Descriptor captures everything the engine needs to crawl one catalog.
// Descriptors are immutable for the duration of a run and are supplied by
// the configuration collaborator; the engine never parses the config source.
type Descriptor struct {
	Name               string                  `mapstructure:"name"`
	BaseURL            string                  `mapstructure:"base_url"`
	Strategy           StrategyTag             `mapstructure:"strategy"`
	Regime             FetchRegime             `mapstructure:"regime"`
	Regions            map[string]RegionConfig `mapstructure:"regions"`
	BatchSize          int                     `mapstructure:"batch_size"`
	PolitenessDelay    time.Duration           `mapstructure:"politeness_delay"`
	MaxParallelRegions int                     `mapstructure:"max_parallel_regions"`
	MaxInFlightFetches int                     `mapstructure:"max_in_flight_fetches"`
	// DiscoveryLimit optionally caps the number of discovered targets.
	DiscoveryLimit int `mapstructure:"discovery_limit"`
}

// CrawlTarget is one unit of work produced by discovery: either a raw
// product identifier (ID-based APIs) or a fully-qualified product URL.
type CrawlTarget struct {
	ID  string
	URL string
}

// Key returns the deduplication key for the target.
func (t CrawlTarget) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.URL
}

// PayloadKind tags the shape of a raw fetch result.
type PayloadKind string

// Raw payload shapes handled by normalization.
const (
	KindJSON       PayloadKind = "json"
	KindEmbeddedLD PayloadKind = "embedded_ld"
	KindGraphQL    PayloadKind = "graphql"
)

// RawPayload is an unvalidated fetch result tagged with its source.
type RawPayload struct {
	Target     CrawlTarget
	Kind       PayloadKind
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
	// Rendered reports whether a headless render produced the body.
	Rendered bool
}

// Record is the canonical normalized shape of one product observation.
// Records are never mutated after normalization.
type Record struct {
	ProductID     string
	ProductName   string
	Brand         string
	EAN           *string
	Price         float64
	ListPrice     float64
	Available     bool
	StockQuantity int
	ImageURL      string
	CategoryPath  string
	Region        string
	PostalCode    string
	HubID         string
	ScrapedAt     time.Time
}

// Session carries the region-scoped pricing context attached to fetches.
type Session struct {
	Region      string
	RegionID    string
	PostalCode  string
	HubID       string
	CookieName  string
	CookieValue string
}
