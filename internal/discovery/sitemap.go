package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// maxSitemapBytes bounds how much of one sitemap page is read.
const maxSitemapBytes = 16 << 20

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// SitemapWalker discovers product URLs by walking numbered sitemap pages
// (index 0, 1, 2, ...) until a non-200, empty, or malformed response.
type SitemapWalker struct {
	client *http.Client
	// pageURL renders the URL of sitemap page index.
	pageURL func(index int) string
	// productPattern filters entries to product-shaped URLs.
	productPattern *regexp.Regexp
	// modifiedSince skips entries with a lastmod before the cutoff. Entries
	// without a lastmod are always included: over-fetching is safer than
	// under-fetching.
	modifiedSince *time.Time
	limit         int
	logger        *zap.Logger
}

// SitemapConfig configures a SitemapWalker.
type SitemapConfig struct {
	BaseURL        string
	PagePathFormat string // e.g. "/sitemap/products-%d.xml"
	ProductPattern string
	ModifiedSince  *time.Time
	Limit          int
	Timeout        time.Duration
}

// NewSitemapWalker builds a walker for one catalog.
func NewSitemapWalker(cfg SitemapConfig, logger *zap.Logger) (*SitemapWalker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pathFormat := cfg.PagePathFormat
	if pathFormat == "" {
		pathFormat = "/sitemap/products-%d.xml"
	}
	pattern := cfg.ProductPattern
	if pattern == "" {
		pattern = `/p(roduct)?/`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile product pattern: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := cfg.BaseURL
	return &SitemapWalker{
		client:         &http.Client{Timeout: timeout},
		pageURL:        func(i int) string { return base + fmt.Sprintf(pathFormat, i) },
		productPattern: re,
		modifiedSince:  cfg.ModifiedSince,
		limit:          cfg.Limit,
		logger:         logger,
	}, nil
}

// Name implements Strategy.
func (w *SitemapWalker) Name() string { return string(catalog.StrategySitemap) }

// Discover walks sitemap pages until one fails. A first-page failure is
// classified catalog.ErrDiscoveryUnavailable; later failures are the normal
// no-more-pages termination.
func (w *SitemapWalker) Discover(ctx context.Context) ([]catalog.CrawlTarget, error) {
	var targets []catalog.CrawlTarget
	seen := make(map[string]struct{})

	for index := 0; ; index++ {
		entries, err := w.fetchPage(ctx, index)
		if err != nil {
			if index == 0 {
				return nil, fmt.Errorf("%w: sitemap page 0: %v", catalog.ErrDiscoveryUnavailable, err)
			}
			w.logger.Debug("sitemap walk finished",
				zap.Int("pages", index),
				zap.Int("targets", len(targets)),
			)
			break
		}
		if len(entries) == 0 {
			if index == 0 {
				return nil, fmt.Errorf("%w: sitemap page 0 is empty", catalog.ErrDiscoveryUnavailable)
			}
			break
		}

		full := false
		for _, e := range entries {
			if !w.productPattern.MatchString(e.Loc) {
				continue
			}
			if w.skipByLastMod(e.LastMod) {
				continue
			}
			targets, full = dedup(targets, seen, catalog.CrawlTarget{URL: e.Loc}, w.limit)
			if full {
				return targets, nil
			}
		}
	}
	return targets, nil
}

func (w *SitemapWalker) fetchPage(ctx context.Context, index int) ([]sitemapURL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.pageURL(index), nil)
	if err != nil {
		return nil, fmt.Errorf("build sitemap request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap page %d: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap page %d returned status %d", index, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("read sitemap page %d: %w", index, err)
	}
	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap page %d: %w", index, err)
	}
	return set.URLs, nil
}

func (w *SitemapWalker) skipByLastMod(lastMod string) bool {
	if w.modifiedSince == nil || lastMod == "" {
		return false
	}
	ts, err := parseLastMod(lastMod)
	if err != nil {
		// Unparseable lastmod counts as missing: include the entry.
		return false
	}
	return ts.Before(*w.modifiedSince)
}

func parseLastMod(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized lastmod %q", v)
}
