package failcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: t0}
	cache := New(dir, "acme", 7, clock, nil)

	require.NoError(t, cache.Record("https://acme.example/p/1", 404))

	candidates := []catalog.CrawlTarget{
		{URL: "https://acme.example/p/1"},
		{URL: "https://acme.example/p/2"},
	}

	// One day later the entry is still live and filtered out.
	clock.now = t0.Add(24 * time.Hour)
	kept, err := cache.Filter(candidates)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "https://acme.example/p/2", kept[0].URL)

	// Eight days later it has expired and the candidate passes through.
	clock.now = t0.Add(8 * 24 * time.Hour)
	kept, err = cache.Filter(candidates)
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}

func TestCache_LoadCompactsBackingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: t0}
	cache := New(dir, "acme", 7, clock, nil)

	require.NoError(t, cache.Record("https://acme.example/p/old", 404))
	clock.now = t0.Add(10 * 24 * time.Hour)
	require.NoError(t, cache.Record("https://acme.example/p/new", 404))

	live, err := cache.Load()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Contains(t, live, "https://acme.example/p/new")

	// The expired line must be gone from the file itself.
	data, err := os.ReadFile(filepath.Join(dir, "acme_failures.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "p/old")
	assert.Contains(t, string(data), "p/new")
}

func TestCache_LoadMissingFile(t *testing.T) {
	t.Parallel()

	cache := New(t.TempDir(), "acme", 7, nil, nil)
	live, err := cache.Load()
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestCache_FilterMatchesTargetIDs(t *testing.T) {
	t.Parallel()

	cache := New(t.TempDir(), "acme", 7, nil, nil)
	require.NoError(t, cache.Record("12345", 404))

	kept, err := cache.Filter([]catalog.CrawlTarget{{ID: "12345"}, {ID: "67890"}})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "67890", kept[0].ID)
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := New(dir, "acme", 7, nil, nil)
	require.NoError(t, cache.Record("https://acme.example/p/1", 404))
	require.NoError(t, cache.Clear())

	_, err := os.Stat(filepath.Join(dir, "acme_failures.jsonl"))
	assert.True(t, os.IsNotExist(err))

	// Clearing an already-empty cache is not an error.
	require.NoError(t, cache.Clear())
}

func TestCache_LoadSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := New(dir, "acme", 7, nil, nil)
	require.NoError(t, cache.Record("https://acme.example/p/1", 404))

	path := filepath.Join(dir, "acme_failures.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	live, err := cache.Load()
	require.NoError(t, err)
	assert.Len(t, live, 1)
}
