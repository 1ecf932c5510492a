package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Engine.RateLimit)
	assert.Equal(t, time.Second, cfg.Engine.RateWindow)
	assert.Equal(t, 7, cfg.FailCache.TTLDays)
	assert.True(t, cfg.Logging.Development)
}

func TestLoad_CatalogDescriptors(t *testing.T) {
	path := writeConfig(t, `
engine:
  rate_limit: 5
catalogs:
  freshmart:
    name: freshmart
    base_url: https://shop.freshmart.example
    strategy: sitemap
    regime: parallel_regions
    batch_size: 50
    max_parallel_regions: 3
    regions:
      north:
        geo_key: "1012AB"
        sales_channel: "web"
      south:
        geo_key: "2012CD"
        manual_region_id: "r-99"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	desc, ok := cfg.Catalogs["freshmart"]
	require.True(t, ok)
	assert.Equal(t, catalog.StrategySitemap, desc.Strategy)
	assert.Equal(t, catalog.RegimeParallelRegions, desc.Regime)
	assert.Equal(t, 50, desc.BatchSize)
	require.Len(t, desc.Regions, 2)
	assert.Equal(t, "r-99", desc.Regions["south"].ManualRegionID)
	assert.Equal(t, 5, cfg.Engine.RateLimit)
}

func TestLoad_RejectsUnknownStrategy(t *testing.T) {
	path := writeConfig(t, `
catalogs:
  broken:
    base_url: https://example.com
    strategy: carrier_pigeon
    regime: sequential
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestLoad_RejectsMissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
catalogs:
  broken:
    strategy: sitemap
    regime: sequential
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url is required")
}
