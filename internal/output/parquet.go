// Package output persists validated records as partitioned parquet files.
// Each batch lands in its own sub-file so a mid-run crash never corrupts
// previously flushed rows; consolidation merges the sub-files into a single
// run file once the region finishes.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Row is the on-disk column layout. Metadata columns carry the run context
// so a single file is self-describing when loaded downstream.
type Row struct {
	ProductID     string    `parquet:"product_id"`
	ProductName   string    `parquet:"product_name"`
	Brand         string    `parquet:"brand,optional"`
	EAN           *string   `parquet:"ean,optional"`
	Price         float64   `parquet:"price"`
	ListPrice     float64   `parquet:"list_price"`
	Available     bool      `parquet:"available"`
	StockQuantity int32     `parquet:"stock_quantity"`
	ImageURL      string    `parquet:"image_url,optional"`
	CategoryPath  string    `parquet:"category_path,optional"`
	Supermarket   string    `parquet:"_metadata_supermarket"`
	Region        string    `parquet:"_metadata_region,optional"`
	RunID         string    `parquet:"_metadata_run_id"`
	ScrapedAt     time.Time `parquet:"_metadata_scraped_at"`
	PostalCode    string    `parquet:"_metadata_postal_code,optional"`
	HubID         string    `parquet:"_metadata_hub_id,optional"`
}

// Metadata is stamped onto every row of a batch.
type Metadata struct {
	Supermarket string
	Region      string
	RunID       string
	PostalCode  string
	HubID       string
}

// Writer flushes record batches under a base directory.
type Writer struct {
	baseDir string
	logger  *zap.Logger
}

// NewWriter builds a Writer rooted at baseDir.
func NewWriter(baseDir string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{baseDir: baseDir, logger: logger}
}

// BaseDir exposes the output root for consolidation paths.
func (w *Writer) BaseDir() string { return w.baseDir }

// PartitionPath builds the hive-style partition directory for a region,
// relative to the writer's base directory.
func PartitionPath(supermarket, region string, day time.Time) string {
	if region == "" {
		region = "default"
	}
	return filepath.Join(
		"supermarket="+supermarket,
		"region="+region,
		fmt.Sprintf("year=%04d", day.Year()),
		fmt.Sprintf("month=%02d", int(day.Month())),
		fmt.Sprintf("day=%02d", day.Day()),
	)
}

// RunFileName names the consolidated file for one run.
func RunFileName(supermarket string, startedAt time.Time) string {
	return fmt.Sprintf("run_%s_%s.parquet", supermarket, startedAt.UTC().Format("20060102T150405Z"))
}

// BatchDir is the staging directory holding per-batch sub-files for a run.
func (w *Writer) BatchDir(partition, runID string) string {
	return filepath.Join(w.baseDir, partition, "batches_"+runID)
}

// WriteBatch writes one batch sub-file and returns the number of rows
// written. An empty batch writes nothing and returns zero.
func (w *Writer) WriteBatch(dir string, seq int, records []catalog.Record, meta Metadata) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create batch dir %s: %w", dir, err)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, toRow(rec, meta))
	}

	path := filepath.Join(dir, fmt.Sprintf("batch_%05d.parquet", seq))
	if err := parquet.WriteFile(path, rows); err != nil {
		return 0, fmt.Errorf("write batch file %s: %w", path, err)
	}
	w.logger.Debug("wrote batch file",
		zap.String("path", path),
		zap.Int("rows", len(rows)),
	)
	return len(rows), nil
}

// Consolidate merges every sub-file under batchDir into finalPath, in
// lexicographic sub-file order, then removes the sub-files and batchDir.
// It returns the number of rows in the consolidated file. A missing or
// empty batch directory consolidates to zero rows and no final file.
func (w *Writer) Consolidate(batchDir, finalPath string) (int, error) {
	entries, err := os.ReadDir(batchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read batch dir %s: %w", batchDir, err)
	}

	var merged []Row
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".parquet" {
			continue
		}
		path := filepath.Join(batchDir, entry.Name())
		rows, err := parquet.ReadFile[Row](path)
		if err != nil {
			return 0, fmt.Errorf("read batch file %s: %w", path, err)
		}
		merged = append(merged, rows...)
	}

	if len(merged) > 0 {
		if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
			return 0, fmt.Errorf("create partition dir: %w", err)
		}
		if err := parquet.WriteFile(finalPath, merged); err != nil {
			return 0, fmt.Errorf("write consolidated file %s: %w", finalPath, err)
		}
	}
	if err := os.RemoveAll(batchDir); err != nil {
		return 0, fmt.Errorf("remove batch dir %s: %w", batchDir, err)
	}

	w.logger.Info("consolidated run output",
		zap.String("path", finalPath),
		zap.Int("rows", len(merged)),
	)
	return len(merged), nil
}

// ValidateRun re-reads a consolidated file and warns when it holds fewer
// rows than expected. Short files are reported, never deleted; a partial
// harvest is still worth keeping.
func (w *Writer) ValidateRun(path string, minRows int) (int, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return 0, fmt.Errorf("validate run file %s: %w", path, err)
	}
	if len(rows) < minRows {
		w.logger.Warn("run file holds fewer rows than expected",
			zap.String("path", path),
			zap.Int("rows", len(rows)),
			zap.Int("min_rows", minRows),
		)
	}
	return len(rows), nil
}

func toRow(rec catalog.Record, meta Metadata) Row {
	return Row{
		ProductID:     rec.ProductID,
		ProductName:   rec.ProductName,
		Brand:         rec.Brand,
		EAN:           rec.EAN,
		Price:         rec.Price,
		ListPrice:     rec.ListPrice,
		Available:     rec.Available,
		StockQuantity: int32(rec.StockQuantity),
		ImageURL:      rec.ImageURL,
		CategoryPath:  rec.CategoryPath,
		Supermarket:   meta.Supermarket,
		Region:        meta.Region,
		RunID:         meta.RunID,
		ScrapedAt:     rec.ScrapedAt,
		PostalCode:    rec.PostalCode,
		HubID:         rec.HubID,
	}
}
