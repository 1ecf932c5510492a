package validate

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

func validRecord(id string) catalog.Record {
	return catalog.Record{
		ProductID:   id,
		ProductName: "Product " + id,
		Price:       1.99,
		ListPrice:   1.99,
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*catalog.Record)
		wantFields []string
	}{
		{"valid record", func(r *catalog.Record) {}, nil},
		{"empty product id", func(r *catalog.Record) { r.ProductID = "  " }, []string{"product_id"}},
		{"empty name", func(r *catalog.Record) { r.ProductName = "" }, []string{"product_name"}},
		{"name too long", func(r *catalog.Record) {
			r.ProductName = strings.Repeat("x", DefaultMaxNameLength+1)
		}, []string{"product_name"}},
		{"zero price", func(r *catalog.Record) { r.Price = 0 }, []string{"price"}},
		{"negative price", func(r *catalog.Record) { r.Price = -1.5 }, []string{"price"}},
		{"list price below price", func(r *catalog.Record) { r.ListPrice = 0.99 }, []string{"list_price"}},
	}

	v := New(0, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := validRecord("1")
			tc.mutate(&rec)
			violations := v.Validate(rec)
			require.Len(t, violations, len(tc.wantFields))
			for i, field := range tc.wantFields {
				assert.Equal(t, field, violations[i].Field)
			}
		})
	}
}

func TestFilter_DropsInvalidRecords(t *testing.T) {
	t.Parallel()

	records := make([]catalog.Record, 0, 10)
	for i := 0; i < 10; i++ {
		records = append(records, validRecord(fmt.Sprintf("%d", i)))
	}
	records[3].Price = 0
	records[3].ListPrice = 0
	records[7].ProductName = ""

	valid, dropped := New(0, nil).Filter(records)
	assert.Len(t, valid, 8)
	assert.Equal(t, 2, dropped)
	for _, rec := range valid {
		assert.NotEqual(t, "3", rec.ProductID)
		assert.NotEqual(t, "7", rec.ProductID)
	}
}

func TestFilter_Empty(t *testing.T) {
	t.Parallel()

	valid, dropped := New(0, nil).Filter(nil)
	assert.Empty(t, valid)
	assert.Zero(t, dropped)
}
