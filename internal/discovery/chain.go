package discovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Chain wraps a primary strategy with a fallback. The primary is always
// attempted first; on catalog.ErrDiscoveryUnavailable the chain falls back
// quietly, and on an unexpected error it logs at error severity and still
// attempts the fallback. Discovery is fatal only when every strategy fails.
type Chain struct {
	primary  Strategy
	fallback Strategy
	logger   *zap.Logger

	// mode records which strategy produced the result of the last Discover.
	mode string
}

// NewChain builds a fallback chain. fallback may be nil.
func NewChain(primary, fallback Strategy, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{primary: primary, fallback: fallback, logger: logger}
}

// Name implements Strategy.
func (c *Chain) Name() string { return c.primary.Name() }

// Mode returns the name of the strategy that served the last Discover call.
func (c *Chain) Mode() string {
	if c.mode == "" {
		return c.primary.Name()
	}
	return c.mode
}

// Discover implements Strategy with the fallback semantics above.
func (c *Chain) Discover(ctx context.Context) ([]catalog.CrawlTarget, error) {
	targets, err := c.primary.Discover(ctx)
	if err == nil {
		c.mode = c.primary.Name()
		return targets, nil
	}

	switch {
	case errors.Is(err, catalog.ErrDiscoveryUnavailable):
		c.logger.Warn("primary discovery unavailable, falling back",
			zap.String("primary", c.primary.Name()),
			zap.Error(err),
		)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		c.logger.Error("primary discovery failed unexpectedly, attempting fallback",
			zap.String("primary", c.primary.Name()),
			zap.Error(err),
		)
	}

	if c.fallback == nil {
		return nil, fmt.Errorf("discovery failed and no fallback configured: %w", err)
	}

	targets, fbErr := c.fallback.Discover(ctx)
	if fbErr != nil {
		return nil, fmt.Errorf("all discovery strategies failed: primary: %v; fallback: %w", err, fbErr)
	}
	c.mode = c.fallback.Name()
	return targets, nil
}
