package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

func TestGraphQLIDWalker_ExtractsIDsFromSitemap(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://shop.example/p/widget/12345",
		"https://shop.example/p/67890",
		"https://shop.example/p/widget/12345", // duplicate product
		"https://shop.example/p/not-a-number",
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

	walker, err := NewGraphQLIDWalker(GraphQLIDConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	targets, err := walker.Discover(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(targets))
	for _, tgt := range targets {
		ids = append(ids, tgt.ID)
	}
	assert.ElementsMatch(t, []string{"12345", "67890"}, ids)
}

func TestGraphQLIDWalker_FirstPageFailurePropagates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	walker, err := NewGraphQLIDWalker(GraphQLIDConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = walker.Discover(context.Background())
	assert.ErrorIs(t, err, catalog.ErrDiscoveryUnavailable)
}
