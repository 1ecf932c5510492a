package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

const maxCategoryBytes = 8 << 20

// CategoryTreeWalker discovers product identifiers by walking the catalog's
// category tree: fetch the root tree, then page every leaf category with a
// fixed window size until a short or empty page.
type CategoryTreeWalker struct {
	client   *http.Client
	baseURL  string
	pageSize int
	limit    int
	logger   *zap.Logger
}

// CategoryTreeConfig configures a CategoryTreeWalker.
type CategoryTreeConfig struct {
	BaseURL  string
	PageSize int
	Limit    int
	Timeout  time.Duration
}

type categoryNode struct {
	ID       string         `json:"id"`
	Children []categoryNode `json:"children"`
}

type categoryTreeResponse struct {
	Categories []categoryNode `json:"categories"`
}

type categoryProductsResponse struct {
	Products []struct {
		ID json.Number `json:"id"`
	} `json:"products"`
}

// NewCategoryTreeWalker builds a walker for one catalog.
func NewCategoryTreeWalker(cfg CategoryTreeConfig, logger *zap.Logger) *CategoryTreeWalker {
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CategoryTreeWalker{
		client:   &http.Client{Timeout: timeout},
		baseURL:  cfg.BaseURL,
		pageSize: pageSize,
		limit:    cfg.Limit,
		logger:   logger,
	}
}

// Name implements Strategy.
func (w *CategoryTreeWalker) Name() string { return string(catalog.StrategyCategoryTree) }

// Discover walks every leaf category, deduplicating identifiers: the same
// product routinely appears under multiple categories.
func (w *CategoryTreeWalker) Discover(ctx context.Context) ([]catalog.CrawlTarget, error) {
	leaves, err := w.fetchLeaves(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: category tree: %v", catalog.ErrDiscoveryUnavailable, err)
	}

	var targets []catalog.CrawlTarget
	seen := make(map[string]struct{})
	for _, leaf := range leaves {
		full, err := w.walkCategory(ctx, leaf, seen, &targets)
		if err != nil {
			// One broken category does not invalidate the rest of the tree.
			w.logger.Warn("category walk failed", zap.String("category", leaf), zap.Error(err))
			continue
		}
		if full {
			break
		}
	}
	w.logger.Debug("category tree walk finished",
		zap.Int("leaves", len(leaves)),
		zap.Int("targets", len(targets)),
	)
	return targets, nil
}

func (w *CategoryTreeWalker) walkCategory(ctx context.Context, leaf string, seen map[string]struct{}, targets *[]catalog.CrawlTarget) (bool, error) {
	for offset := 0; ; offset += w.pageSize {
		ids, err := w.fetchCategoryPage(ctx, leaf, offset)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			var full bool
			*targets, full = dedup(*targets, seen, catalog.CrawlTarget{ID: id}, w.limit)
			if full {
				return true, nil
			}
		}
		// A short page ends the category.
		if len(ids) < w.pageSize {
			return false, nil
		}
	}
}

func (w *CategoryTreeWalker) fetchLeaves(ctx context.Context) ([]string, error) {
	body, err := w.get(ctx, w.baseURL+"/api/categories")
	if err != nil {
		return nil, err
	}
	var tree categoryTreeResponse
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, fmt.Errorf("parse category tree: %w", err)
	}
	var leaves []string
	var visit func(nodes []categoryNode)
	visit = func(nodes []categoryNode) {
		for _, n := range nodes {
			if len(n.Children) == 0 {
				if n.ID != "" {
					leaves = append(leaves, n.ID)
				}
				continue
			}
			visit(n.Children)
		}
	}
	visit(tree.Categories)
	if len(leaves) == 0 {
		return nil, fmt.Errorf("category tree has no leaves")
	}
	return leaves, nil
}

func (w *CategoryTreeWalker) fetchCategoryPage(ctx context.Context, id string, offset int) ([]string, error) {
	url := fmt.Sprintf("%s/api/categories/%s/products?offset=%d&limit=%d", w.baseURL, id, offset, w.pageSize)
	body, err := w.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var page categoryProductsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse category page: %w", err)
	}
	ids := make([]string, 0, len(page.Products))
	for _, p := range page.Products {
		ids = append(ids, p.ID.String())
	}
	return ids, nil
}

func (w *CategoryTreeWalker) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCategoryBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}
