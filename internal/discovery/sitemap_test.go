package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

func sitemapPage(urls []string, lastMods map[string]string) string {
	body := `<?xml version="1.0" encoding="UTF-8"?><urlset>`
	for _, u := range urls {
		body += "<url><loc>" + u + "</loc>"
		if lm, ok := lastMods[u]; ok {
			body += "<lastmod>" + lm + "</lastmod>"
		}
		body += "</url>"
	}
	return body + "</urlset>"
}

func productURLs(page, n int) []string {
	urls := make([]string, 0, n)
	for i := 0; i < n; i++ {
		urls = append(urls, fmt.Sprintf("https://shop.example/p/item-%d-%d", page, i))
	}
	return urls
}

// Pages 0,1,2 carry 50/50/20 product entries and page 3 is a 404: the walk
// must return exactly 120 unique targets.
func TestSitemapWalker_WalksUntilMissingPage(t *testing.T) {
	t.Parallel()

	pages := map[string]string{
		"/sitemap/products-0.xml": sitemapPage(productURLs(0, 50), nil),
		"/sitemap/products-1.xml": sitemapPage(productURLs(1, 50), nil),
		"/sitemap/products-2.xml": sitemapPage(productURLs(2, 20), nil),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	walker, err := NewSitemapWalker(SitemapConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	targets, err := walker.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 120)

	seen := make(map[string]struct{})
	for _, tgt := range targets {
		seen[tgt.URL] = struct{}{}
	}
	assert.Len(t, seen, 120, "targets must be unique")
}

func TestSitemapWalker_FirstPageFailureIsDiscoveryUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	walker, err := NewSitemapWalker(SitemapConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = walker.Discover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrDiscoveryUnavailable)
}

func TestSitemapWalker_FirstPageEmptyIsDiscoveryUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sitemapPage(nil, nil))
	}))
	defer srv.Close()

	walker, err := NewSitemapWalker(SitemapConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = walker.Discover(context.Background())
	assert.ErrorIs(t, err, catalog.ErrDiscoveryUnavailable)
}

func TestSitemapWalker_FiltersNonProductURLs(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://shop.example/p/widget-1",
		"https://shop.example/about-us",
		"https://shop.example/p/widget-2",
	}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, sitemapPage(urls, nil))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	walker, err := NewSitemapWalker(SitemapConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	targets, err := walker.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestSitemapWalker_LastModWindowing(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	urls := []string{
		"https://shop.example/p/stale",
		"https://shop.example/p/fresh",
		"https://shop.example/p/undated",
	}
	lastMods := map[string]string{
		"https://shop.example/p/stale": "2026-01-15",
		"https://shop.example/p/fresh": "2026-02-20",
	}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, sitemapPage(urls, lastMods))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	walker, err := NewSitemapWalker(SitemapConfig{BaseURL: srv.URL, ModifiedSince: &cutoff}, nil)
	require.NoError(t, err)

	targets, err := walker.Discover(context.Background())
	require.NoError(t, err)

	got := make([]string, 0, len(targets))
	for _, tgt := range targets {
		got = append(got, tgt.URL)
	}
	// Entries modified before the cutoff are skipped; a missing lastmod means
	// include.
	assert.ElementsMatch(t, []string{
		"https://shop.example/p/fresh",
		"https://shop.example/p/undated",
	}, got)
}

func TestSitemapWalker_Limit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sitemapPage(productURLs(0, 50), nil))
	}))
	defer srv.Close()

	walker, err := NewSitemapWalker(SitemapConfig{BaseURL: srv.URL, Limit: 10}, nil)
	require.NoError(t, err)

	targets, err := walker.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 10)
}
