package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// apiProduct is the document shape served by structured product APIs.
type apiProduct struct {
	ID           json.Number `json:"id"`
	Name         string      `json:"name"`
	Brand        string      `json:"brand"`
	EAN          string      `json:"ean"`
	Price        float64     `json:"price"`
	ListPrice    float64     `json:"list_price"`
	Available    bool        `json:"available"`
	Stock        int         `json:"stock"`
	ImageURL     string      `json:"image_url"`
	CategoryPath string      `json:"category_path"`
}

// JSONNormalizer maps structured API documents to records.
type JSONNormalizer struct {
	clock catalog.Clock
}

// NewJSONNormalizer builds a normalizer for API catalogs.
func NewJSONNormalizer(clock catalog.Clock) *JSONNormalizer {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	return &JSONNormalizer{clock: clock}
}

// Normalize implements catalog.Normalizer.
func (n *JSONNormalizer) Normalize(p catalog.RawPayload, s catalog.Session) (catalog.Record, error) {
	var doc apiProduct
	if err := json.Unmarshal(p.Body, &doc); err != nil {
		return catalog.Record{}, fmt.Errorf("parse product document %s: %w", p.Target.Key(), err)
	}

	rec := catalog.Record{
		ProductID:     doc.ID.String(),
		ProductName:   doc.Name,
		Brand:         doc.Brand,
		EAN:           eanPtr(doc.EAN),
		Price:         doc.Price,
		ListPrice:     doc.ListPrice,
		Available:     doc.Available,
		StockQuantity: doc.Stock,
		ImageURL:      doc.ImageURL,
		CategoryPath:  doc.CategoryPath,
	}
	return finalize(rec, p, s, n.clock), nil
}
