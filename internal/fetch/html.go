package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Renderer produces a fully-rendered DOM snapshot for JS-heavy pages.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// HTMLFetcher retrieves product pages via Colly. When the static HTML lacks
// an embedded structured-data block and a renderer is configured, the fetch
// is promoted to a headless render.
type HTMLFetcher struct {
	base     *colly.Collector
	renderer Renderer
	detector *PromotionDetector
	clock    catalog.Clock
	logger   *zap.Logger
}

// HTMLConfig configures the Colly collector behind an HTMLFetcher.
type HTMLConfig struct {
	UserAgent       string
	RequestTimeout  time.Duration
	MaxConnsPerHost int
}

type htmlResult struct {
	body   []byte
	status int
	err    error
}

// NewHTMLFetcher builds a fetcher. renderer may be nil to disable promotion.
func NewHTMLFetcher(cfg HTMLConfig, renderer Renderer, clock catalog.Clock, logger *zap.Logger) (*HTMLFetcher, error) {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 8
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "shelfmetrics-harvester/1.0"
	}

	base := colly.NewCollector(colly.UserAgent(userAgent))
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(timeout)

	return &HTMLFetcher{
		base:     base,
		renderer: renderer,
		detector: NewPromotionDetector(),
		clock:    clock,
		logger:   logger,
	}, nil
}

// FetchTarget implements catalog.TargetFetcher.
func (f *HTMLFetcher) FetchTarget(ctx context.Context, target catalog.CrawlTarget, session catalog.Session) (catalog.RawPayload, error) {
	if target.URL == "" {
		return catalog.RawPayload{}, fmt.Errorf("html fetcher requires a url target")
	}

	res := f.fetchStatic(ctx, target.URL, session)
	if res.err != nil {
		return catalog.RawPayload{Target: target, StatusCode: res.status}, res.err
	}

	body := res.body
	rendered := false
	if f.renderer != nil && f.detector.ShouldPromote(body) {
		renderedBody, err := f.renderer.Render(ctx, target.URL)
		if err != nil {
			f.logger.Warn("headless promotion failed, keeping static body",
				zap.String("url", target.URL),
				zap.Error(err),
			)
		} else {
			body = renderedBody
			rendered = true
		}
	}

	return catalog.RawPayload{
		Target:     target,
		Kind:       catalog.KindEmbeddedLD,
		Body:       body,
		StatusCode: res.status,
		FetchedAt:  f.clock.Now(),
		Rendered:   rendered,
	}, nil
}

func (f *HTMLFetcher) fetchStatic(ctx context.Context, url string, session catalog.Session) htmlResult {
	collector := f.base.Clone()
	if session.CookieValue != "" {
		if err := collector.SetCookies(url, []*http.Cookie{{
			Name:  session.CookieName,
			Value: session.CookieValue,
		}}); err != nil {
			return htmlResult{err: fmt.Errorf("set session cookie: %w", err)}
		}
	}

	resultCh := make(chan htmlResult, 1)
	var once sync.Once
	send := func(res htmlResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(htmlResult{
			body:   append([]byte{}, r.Body...),
			status: r.StatusCode,
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		if status == http.StatusNotFound {
			send(htmlResult{status: status, err: fmt.Errorf("%w: %s", catalog.ErrNotFound, url)})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(htmlResult{status: status, err: &catalog.TransientFetchError{URL: url, StatusCode: status, Err: err}})
	})

	if err := collector.Visit(url); err != nil {
		return htmlResult{err: fmt.Errorf("visit %s: %w", url, err)}
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return htmlResult{err: err}
		}
		return res
	case <-ctx.Done():
		return htmlResult{err: ctx.Err()}
	}
}

// PromotionDetector decides whether a static HTML body needs a headless
// render before structured data can be extracted.
type PromotionDetector struct{}

// NewPromotionDetector builds the default detector.
func NewPromotionDetector() *PromotionDetector {
	return &PromotionDetector{}
}

var ldJSONMarker = []byte("application/ld+json")

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether the body lacks an embedded ld+json block and
// carries single-page-app markers, meaning the price data is rendered
// client-side.
func (PromotionDetector) ShouldPromote(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if bytes.Contains(body, ldJSONMarker) {
		return false
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
