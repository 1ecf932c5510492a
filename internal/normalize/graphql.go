package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// graphqlEnvelope flattens the response of the product query.
type graphqlEnvelope struct {
	Data struct {
		Product *struct {
			ID    json.Number `json:"id"`
			Name  string      `json:"name"`
			Brand string      `json:"brand"`
			EAN   string      `json:"ean"`
			Price struct {
				Now float64 `json:"now"`
				Was float64 `json:"was"`
			} `json:"price"`
			Availability struct {
				Available bool `json:"available"`
				Stock     int  `json:"stock"`
			} `json:"availability"`
			ImageURL     string `json:"imageUrl"`
			CategoryPath string `json:"categoryPath"`
		} `json:"product"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GraphQLNormalizer flattens GraphQL product responses into records.
type GraphQLNormalizer struct {
	clock catalog.Clock
}

// NewGraphQLNormalizer builds a normalizer for GraphQL catalogs.
func NewGraphQLNormalizer(clock catalog.Clock) *GraphQLNormalizer {
	if clock == nil {
		clock = catalog.SystemClock{}
	}
	return &GraphQLNormalizer{clock: clock}
}

// Normalize implements catalog.Normalizer.
func (n *GraphQLNormalizer) Normalize(p catalog.RawPayload, s catalog.Session) (catalog.Record, error) {
	var env graphqlEnvelope
	if err := json.Unmarshal(p.Body, &env); err != nil {
		return catalog.Record{}, fmt.Errorf("parse graphql response %s: %w", p.Target.Key(), err)
	}
	if len(env.Errors) > 0 {
		return catalog.Record{}, fmt.Errorf("graphql error for %s: %s", p.Target.Key(), env.Errors[0].Message)
	}
	product := env.Data.Product
	if product == nil {
		return catalog.Record{}, fmt.Errorf("graphql response for %s has no product", p.Target.Key())
	}

	rec := catalog.Record{
		ProductID:     product.ID.String(),
		ProductName:   product.Name,
		Brand:         product.Brand,
		EAN:           eanPtr(product.EAN),
		Price:         product.Price.Now,
		ListPrice:     product.Price.Was,
		Available:     product.Availability.Available,
		StockQuantity: product.Availability.Stock,
		ImageURL:      product.ImageURL,
		CategoryPath:  product.CategoryPath,
	}
	return finalize(rec, p, s, n.clock), nil
}
