package metrics

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool behind the metrics store.
type PostgresConfig struct {
	DSN             string
	RunTable        string
	BatchTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresStore writes run and batch rows into Postgres.
type PostgresStore struct {
	pool       execCloser
	runTable   string
	batchTable string
}

// NewPostgresStore creates a Postgres-backed metrics store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metrics.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newPostgresStore(pool, cfg.RunTable, cfg.BatchTable)
}

// NewPostgresStoreWithPool constructs a store from an existing pool,
// primarily for testing.
func NewPostgresStoreWithPool(pool execCloser, runTable, batchTable string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newPostgresStore(pool, runTable, batchTable)
}

func newPostgresStore(pool execCloser, runTable, batchTable string) (*PostgresStore, error) {
	if runTable == "" {
		runTable = "crawl_runs"
	}
	if batchTable == "" {
		batchTable = "crawl_batches"
	}
	for _, table := range []string{runTable, batchTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &PostgresStore{pool: pool, runTable: runTable, batchTable: batchTable}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts a new run row.
func (s *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	catalog,
	region,
	started_at,
	status
) VALUES ($1,$2,$3,$4,$5)`, s.runTable)

	if _, err := s.pool.Exec(ctx, query, run.ID, run.Catalog, run.Region, run.StartedAt, run.Status); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable columns of an existing run row.
func (s *PostgresStore) UpdateRun(ctx context.Context, run Run) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	finished_at = $1,
	status = $2,
	discovery_started_at = $3,
	discovery_finished_at = $4,
	discovery_duration_seconds = $5,
	discovery_mode = $6,
	products_discovered = $7,
	products_scraped = $8,
	duration_seconds = $9,
	error_message = $10
WHERE run_id = $11`, s.runTable)

	args := []any{
		run.FinishedAt,
		run.Status,
		run.DiscoveryStartedAt,
		run.DiscoveryFinishedAt,
		run.DiscoveryDurationSec,
		run.DiscoveryMode,
		run.ProductsDiscovered,
		run.ProductsScraped,
		run.DurationSec,
		run.ErrorMessage,
		run.ID,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// InsertBatch inserts one finished batch row.
func (s *PostgresStore) InsertBatch(ctx context.Context, batch Batch) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id,
	run_id,
	batch_number,
	region,
	started_at,
	finished_at,
	products_count,
	api_status_code,
	response_time_ms,
	retry_count,
	success
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.batchTable)

	args := []any{
		batch.ID,
		batch.RunID,
		batch.BatchNumber,
		batch.Region,
		batch.StartedAt,
		batch.FinishedAt,
		batch.ProductsCount,
		batch.APIStatusCode,
		batch.ResponseTimeMS,
		batch.RetryCount,
		batch.Success,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}
