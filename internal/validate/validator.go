// Package validate applies cross-field invariant checks to normalized
// records. Invalid records are dropped and counted by the caller; validation
// never throws in the hot path.
package validate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// DefaultMaxNameLength rejects pathologically long product names.
const DefaultMaxNameLength = 512

// Violation describes one failed invariant on a record.
type Violation struct {
	Field  string
	Reason string
}

func (v Violation) String() string {
	return v.Field + ": " + v.Reason
}

// Validator checks normalized records against the persistence invariants.
type Validator struct {
	maxNameLength int
	logger        *zap.Logger
}

// New builds a Validator.
func New(maxNameLength int, logger *zap.Logger) *Validator {
	if maxNameLength <= 0 {
		maxNameLength = DefaultMaxNameLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{maxNameLength: maxNameLength, logger: logger}
}

// Validate returns the list of violated invariants; an empty slice means the
// record may be persisted.
func (v *Validator) Validate(rec catalog.Record) []Violation {
	var violations []Violation

	if strings.TrimSpace(rec.ProductID) == "" {
		violations = append(violations, Violation{Field: "product_id", Reason: "empty"})
	}
	if strings.TrimSpace(rec.ProductName) == "" {
		violations = append(violations, Violation{Field: "product_name", Reason: "empty"})
	} else if len(rec.ProductName) > v.maxNameLength {
		violations = append(violations, Violation{
			Field:  "product_name",
			Reason: fmt.Sprintf("length %d exceeds %d", len(rec.ProductName), v.maxNameLength),
		})
	}
	if rec.Price <= 0 {
		violations = append(violations, Violation{
			Field:  "price",
			Reason: fmt.Sprintf("must be > 0, got %v", rec.Price),
		})
	}
	// listPrice below price signals inconsistent upstream data.
	if rec.ListPrice < rec.Price {
		violations = append(violations, Violation{
			Field:  "list_price",
			Reason: fmt.Sprintf("%v is less than price %v", rec.ListPrice, rec.Price),
		})
	}
	return violations
}

// Filter partitions records into persistable ones and a dropped count,
// logging each violation with the record identifier.
func (v *Validator) Filter(records []catalog.Record) ([]catalog.Record, int) {
	valid := make([]catalog.Record, 0, len(records))
	dropped := 0
	for _, rec := range records {
		violations := v.Validate(rec)
		if len(violations) == 0 {
			valid = append(valid, rec)
			continue
		}
		dropped++
		fields := make([]string, 0, len(violations))
		for _, viol := range violations {
			fields = append(fields, viol.String())
		}
		v.logger.Warn("dropping invalid record",
			zap.String("product_id", rec.ProductID),
			zap.Strings("violations", fields),
		)
	}
	return valid, dropped
}
