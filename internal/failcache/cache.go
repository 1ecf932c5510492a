// Package failcache keeps a per-catalog, TTL-bounded record of URLs known to
// return 404 so later runs skip them. The backing store is one line-delimited
// JSON file per catalog.
//
// The cache assumes a single writer per catalog. Parallel regions of the same
// catalog sharing one file can race Load's compacting rewrite against Record
// appends; that limitation is documented rather than handled here.
package failcache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Entry is one failure observation persisted as a JSONL line.
type Entry struct {
	URL      string    `json:"url"`
	FailedAt time.Time `json:"failed_at"`
	Status   int       `json:"status"`
}

// Cache filters crawl candidates against known-dead URLs.
type Cache struct {
	path   string
	ttl    time.Duration
	clock  catalog.Clock
	logger *zap.Logger
}

// New builds a cache for one catalog rooted at dir.
func New(dir, catalogName string, ttlDays int, clock catalog.Clock, logger *zap.Logger) *Cache {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttlDays <= 0 {
		ttlDays = 7
	}
	return &Cache{
		path:   filepath.Join(dir, catalogName+"_failures.jsonl"),
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		clock:  clock,
		logger: logger,
	}
}

// Load reads all entries, drops those older than the TTL, and rewrites the
// backing file so only live entries persist (lazy compaction on read).
func (c *Cache) Load() (map[string]Entry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("open failure cache %s: %w", c.path, err)
	}

	cutoff := c.clock.Now().Add(-c.ttl)
	live := make(map[string]Entry)
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			c.logger.Warn("skipping malformed failure cache line", zap.Error(err))
			continue
		}
		if e.FailedAt.After(cutoff) {
			live[e.URL] = e
		}
	}
	scanErr := scanner.Err()
	if closeErr := f.Close(); closeErr != nil && scanErr == nil {
		scanErr = closeErr
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read failure cache %s: %w", c.path, scanErr)
	}

	if len(live) < total {
		if err := c.rewrite(live); err != nil {
			return nil, err
		}
		c.logger.Debug("compacted failure cache",
			zap.Int("kept", len(live)),
			zap.Int("dropped", total-len(live)),
		)
	}
	return live, nil
}

// Filter removes candidates whose URL (or ID) is in the non-expired set.
func (c *Cache) Filter(candidates []catalog.CrawlTarget) ([]catalog.CrawlTarget, error) {
	dead, err := c.Load()
	if err != nil {
		return nil, err
	}
	if len(dead) == 0 {
		return candidates, nil
	}
	kept := make([]catalog.CrawlTarget, 0, len(candidates))
	for _, t := range candidates {
		if _, known := dead[t.Key()]; known {
			continue
		}
		kept = append(kept, t)
	}
	if skipped := len(candidates) - len(kept); skipped > 0 {
		c.logger.Info("skipping known-dead targets", zap.Int("skipped", skipped))
	}
	return kept, nil
}

// Record appends a failure entry with the current timestamp. It does not
// trigger compaction.
func (c *Cache) Record(url string, status int) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("create failure cache dir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open failure cache for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(Entry{URL: url, FailedAt: c.clock.Now(), Status: status})
	if err != nil {
		return fmt.Errorf("marshal failure entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append failure entry: %w", err)
	}
	return nil
}

// Clear discards the entire cache unconditionally.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear failure cache %s: %w", c.path, err)
	}
	return nil
}

func (c *Cache) rewrite(entries map[string]Entry) error {
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp failure cache: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal failure entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write failure entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush failure cache: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp failure cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace failure cache: %w", err)
	}
	return nil
}
