// Package region resolves geography-scoped pricing sessions. Catalogs with
// region-dependent pricing require a signed session cookie carrying the sales
// channel, currency, region id, and locale; this package builds it.
package region

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// DefaultCookieName is the session cookie attached to region-scoped fetches.
const DefaultCookieName = "segment_session"

// Params describes one region resolution request.
type Params struct {
	Catalog      string
	Region       string
	GeoKey       string
	SalesChannel string
	// ManualRegionID bypasses the lookup endpoint when set.
	ManualRegionID string
	HubID          string
	Currency       string
	Locale         string
}

// Config holds resolver configuration.
type Config struct {
	// LookupURL is the region-lookup endpoint; empty disables lookups.
	LookupURL string
	// SigningKey signs the session payload.
	SigningKey []byte
	// Timeout bounds each lookup call.
	Timeout time.Duration
	// CacheSize bounds the resolved-session LRU. Defaults to 128.
	CacheSize int
}

// Resolver builds region-scoped sessions, caching resolved cookie values per
// (catalog, region) pair.
type Resolver struct {
	client    *http.Client
	lookupURL string
	key       []byte
	cache     *lru.Cache[string, catalog.Session]
	logger    *zap.Logger
}

type sessionPayload struct {
	Channel  string `json:"channel"`
	Currency string `json:"currency"`
	RegionID string `json:"region_id"`
	Locale   string `json:"locale"`
}

type lookupResponse struct {
	RegionID string `json:"region_id"`
}

// New constructs a Resolver.
func New(cfg Config, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, catalog.Session](size)
	if err != nil {
		return nil, fmt.Errorf("build session cache: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		client:    &http.Client{Timeout: timeout},
		lookupURL: cfg.LookupURL,
		key:       cfg.SigningKey,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Session resolves the region identifier (manual override first, lookup
// endpoint otherwise) and returns a session carrying the signed cookie.
// Lookup failures degrade to a null region identifier instead of failing the
// caller; only an encoding failure returns an error.
func (r *Resolver) Session(ctx context.Context, p Params) (catalog.Session, error) {
	cacheKey := p.Catalog + "/" + p.Region
	if s, ok := r.cache.Get(cacheKey); ok {
		return s, nil
	}

	regionID := p.ManualRegionID
	if regionID == "" {
		resolved, err := r.lookup(ctx, p.GeoKey, p.SalesChannel)
		if err != nil {
			r.logger.Warn("region lookup failed, proceeding without region scoping",
				zap.String("catalog", p.Catalog),
				zap.String("region", p.Region),
				zap.Error(err),
			)
		} else {
			regionID = resolved
		}
	}

	token, err := r.encodeToken(sessionPayload{
		Channel:  p.SalesChannel,
		Currency: p.Currency,
		RegionID: regionID,
		Locale:   p.Locale,
	})
	if err != nil {
		return catalog.Session{}, &catalog.RegionResolutionError{Region: p.Region, Err: err}
	}

	s := catalog.Session{
		Region:      p.Region,
		RegionID:    regionID,
		PostalCode:  p.GeoKey,
		HubID:       p.HubID,
		CookieName:  DefaultCookieName,
		CookieValue: token,
	}
	r.cache.Add(cacheKey, s)
	return s, nil
}

func (r *Resolver) lookup(ctx context.Context, geoKey, salesChannel string) (string, error) {
	if r.lookupURL == "" {
		return "", fmt.Errorf("no lookup endpoint configured")
	}
	u, err := url.Parse(r.lookupURL)
	if err != nil {
		return "", fmt.Errorf("parse lookup url: %w", err)
	}
	q := u.Query()
	q.Set("geo_key", geoKey)
	q.Set("sales_channel", salesChannel)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build lookup request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("region lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("region lookup returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read lookup response: %w", err)
	}
	var lr lookupResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	return lr.RegionID, nil
}

// encodeToken serializes and signs the payload as base64url(payload).base64url(sig).
func (r *Resolver) encodeToken(p sessionPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal session payload: %w", err)
	}
	mac := hmac.New(sha256.New, r.key)
	if _, err := mac.Write(raw); err != nil {
		return "", fmt.Errorf("sign session payload: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(raw) + "." + enc.EncodeToString(mac.Sum(nil)), nil
}
