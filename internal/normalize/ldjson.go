package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// ldProduct mirrors the schema.org Product shape embedded in product pages.
type ldProduct struct {
	Type     string          `json:"@type"`
	Graph    []ldProduct     `json:"@graph"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
	Brand    json.RawMessage `json:"brand"`
	GTIN13   string          `json:"gtin13"`
	GTIN     string          `json:"gtin"`
	Image    json.RawMessage `json:"image"`
	Category string          `json:"category"`
	Offers   json.RawMessage `json:"offers"`
}

type ldOffer struct {
	Price        flexNumber `json:"price"`
	ListPrice    flexNumber `json:"listPrice"`
	Availability string     `json:"availability"`
	InventoryLvl struct {
		Value int `json:"value"`
	} `json:"inventoryLevel"`
}

// flexNumber accepts both JSON numbers and numeric strings; ld+json blocks
// in the wild use either for prices.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse price %q: %w", s, err)
		}
		*n = flexNumber(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*n = flexNumber(v)
	return nil
}

// LDNormalizer extracts the embedded application/ld+json product block from
// an HTML payload and maps it to a record.
type LDNormalizer struct {
	clock catalog.Clock
}

// NewLDNormalizer builds a normalizer for HTML catalogs.
func NewLDNormalizer(clock catalog.Clock) *LDNormalizer {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	return &LDNormalizer{clock: clock}
}

// Normalize implements catalog.Normalizer.
func (n *LDNormalizer) Normalize(p catalog.RawPayload, s catalog.Session) (catalog.Record, error) {
	product, err := extractProduct(p.Body)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("extract structured data from %s: %w", p.Target.Key(), err)
	}

	offer, err := firstOffer(product.Offers)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("product %s: %w", p.Target.Key(), err)
	}
	price := float64(offer.Price)
	listPrice := float64(offer.ListPrice)

	ean := product.GTIN13
	if ean == "" {
		ean = product.GTIN
	}

	rec := catalog.Record{
		ProductID:     productID(product, p.Target),
		ProductName:   product.Name,
		Brand:         brandName(product.Brand),
		EAN:           eanPtr(ean),
		Price:         price,
		ListPrice:     listPrice,
		Available:     strings.Contains(offer.Availability, "InStock"),
		StockQuantity: offer.InventoryLvl.Value,
		ImageURL:      imageURL(product.Image),
		CategoryPath:  product.Category,
	}
	return finalize(rec, p, s, n.clock), nil
}

// extractProduct walks every ld+json block in the document looking for a
// schema.org Product, including ones nested under @graph or in arrays.
func extractProduct(body []byte) (*ldProduct, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var found *ldProduct
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return true
		}
		if product := parseLDBlock([]byte(raw)); product != nil {
			found = product
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("no ld+json product block")
	}
	return found, nil
}

func parseLDBlock(raw []byte) *ldProduct {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []ldProduct
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
		for i := range items {
			if p := selectProduct(&items[i]); p != nil {
				return p
			}
		}
		return nil
	}
	var item ldProduct
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil
	}
	return selectProduct(&item)
}

func selectProduct(item *ldProduct) *ldProduct {
	if item.Type == "Product" {
		return item
	}
	for i := range item.Graph {
		if item.Graph[i].Type == "Product" {
			return &item.Graph[i]
		}
	}
	return nil
}

// firstOffer tolerates both a single offer object and an offer array.
func firstOffer(raw json.RawMessage) (ldOffer, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ldOffer{}, fmt.Errorf("no offers")
	}
	if trimmed[0] == '[' {
		var offers []ldOffer
		if err := json.Unmarshal(trimmed, &offers); err != nil {
			return ldOffer{}, fmt.Errorf("parse offers: %w", err)
		}
		if len(offers) == 0 {
			return ldOffer{}, fmt.Errorf("no offers")
		}
		return offers[0], nil
	}
	var offer ldOffer
	if err := json.Unmarshal(trimmed, &offer); err != nil {
		return ldOffer{}, fmt.Errorf("parse offer: %w", err)
	}
	return offer, nil
}

// brandName tolerates both "brand": "Acme" and "brand": {"name": "Acme"}.
func brandName(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
		return ""
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		return obj.Name
	}
	return ""
}

// imageURL tolerates both a string and an array of strings.
func imageURL(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '[' {
		var urls []string
		if err := json.Unmarshal(trimmed, &urls); err == nil && len(urls) > 0 {
			return urls[0]
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return ""
}

func productID(product *ldProduct, target catalog.CrawlTarget) string {
	if product.SKU != "" {
		return product.SKU
	}
	if target.ID != "" {
		return target.ID
	}
	// Fall back to the trailing URL path segment.
	parts := strings.Split(strings.TrimRight(target.URL, "/"), "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}
