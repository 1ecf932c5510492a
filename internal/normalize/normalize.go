// Package normalize converts raw fetch payloads into the canonical record
// shape. Each catalog kind has its own normalizer: structured JSON documents,
// ld+json blocks embedded in HTML, and GraphQL responses.
package normalize

import (
	"strings"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// NormalizeEAN strips non-digit characters from a raw EAN. When the stripped
// value is not 8, 13, or 14 digits long the original input is passed through
// unmodified. That asymmetry mirrors upstream data quirks and is deliberate;
// downstream consumers handle the odd lengths.
func NormalizeEAN(raw string) string {
	if raw == "" {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	stripped := b.String()
	switch len(stripped) {
	case 8, 13, 14:
		return stripped
	default:
		return raw
	}
}

// eanPtr returns nil for empty input, a normalized pointer otherwise.
func eanPtr(raw string) *string {
	if raw == "" {
		return nil
	}
	v := NormalizeEAN(raw)
	return &v
}

// finalize applies cross-kind defaults: the scrape timestamp, region
// metadata from the session, and listPrice falling back to price.
func finalize(rec catalog.Record, p catalog.RawPayload, s catalog.Session, clock catalog.Clock) catalog.Record {
	rec.Region = s.Region
	rec.PostalCode = s.PostalCode
	rec.HubID = s.HubID
	if !p.FetchedAt.IsZero() {
		rec.ScrapedAt = p.FetchedAt
	} else if clock != nil {
		rec.ScrapedAt = clock.Now()
	}
	if rec.ListPrice <= 0 {
		rec.ListPrice = rec.Price
	}
	return rec
}
