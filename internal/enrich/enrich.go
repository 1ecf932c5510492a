// Package enrich augments harvested records with reference product data
// keyed by EAN. It shares the process-wide rate limiter with the crawl
// engine so both subsystems draw from one request budget.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
	"github.com/shelfmetrics/harvester/internal/fetch"
	"github.com/shelfmetrics/harvester/internal/ratelimit"
)

// Enrichment is the reference data resolved for one EAN.
type Enrichment struct {
	EAN          string `json:"ean"`
	Manufacturer string `json:"manufacturer"`
	Category     string `json:"category"`
	CountryCode  string `json:"country_code"`
}

// Source resolves reference data for a single EAN.
type Source interface {
	Lookup(ctx context.Context, ean string) (Enrichment, error)
}

// HTTPSource resolves EANs against a product reference API.
type HTTPSource struct {
	client  *fetch.Client
	baseURL string
}

// NewHTTPSource builds a Source over the shared fetch client.
func NewHTTPSource(client *fetch.Client, baseURL string) *HTTPSource {
	return &HTTPSource{client: client, baseURL: baseURL}
}

// Lookup implements Source.
func (s *HTTPSource) Lookup(ctx context.Context, ean string) (Enrichment, error) {
	res, err := s.client.Get(ctx, fmt.Sprintf("%s/api/ean/%s", s.baseURL, ean), catalog.Session{})
	if err != nil {
		return Enrichment{}, fmt.Errorf("lookup ean %s: %w", ean, err)
	}
	var e Enrichment
	if err := json.Unmarshal(res.Body, &e); err != nil {
		return Enrichment{}, fmt.Errorf("decode ean %s: %w", ean, err)
	}
	if e.EAN == "" {
		e.EAN = ean
	}
	return e, nil
}

// Worker fans EAN lookups out over a bounded pool, each lookup holding a
// permit from the shared limiter.
type Worker struct {
	source  Source
	limiter *ratelimit.Limiter
	workers int
	logger  *zap.Logger
}

// NewWorker builds a Worker. workers defaults to 4.
func NewWorker(source Source, limiter *ratelimit.Limiter, workers int, logger *zap.Logger) *Worker {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{source: source, limiter: limiter, workers: workers, logger: logger}
}

// EnrichAll resolves reference data for every distinct EAN found in records.
// Lookup failures are logged and skipped; the result maps EAN to its
// enrichment for every lookup that succeeded.
func (w *Worker) EnrichAll(ctx context.Context, records []catalog.Record) map[string]Enrichment {
	eans := distinctEANs(records)
	if len(eans) == 0 {
		return map[string]Enrichment{}
	}

	jobs := make(chan string)
	var (
		mu      sync.Mutex
		results = make(map[string]Enrichment, len(eans))
		wg      sync.WaitGroup
	)
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ean := range jobs {
				var e Enrichment
				err := w.limiter.Do(ctx, func() error {
					var lookupErr error
					e, lookupErr = w.source.Lookup(ctx, ean)
					return lookupErr
				})
				if err != nil {
					w.logger.Debug("ean lookup failed", zap.String("ean", ean), zap.Error(err))
					continue
				}
				mu.Lock()
				results[ean] = e
				mu.Unlock()
			}
		}()
	}

	for _, ean := range eans {
		select {
		case jobs <- ean:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return results
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

func distinctEANs(records []catalog.Record) []string {
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.EAN == nil || *rec.EAN == "" {
			continue
		}
		if _, ok := seen[*rec.EAN]; ok {
			continue
		}
		seen[*rec.EAN] = struct{}{}
		out = append(out, *rec.EAN)
	}
	return out
}
