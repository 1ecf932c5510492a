// Package metrics records run and batch observability rows and exposes
// Prometheus collectors for the live process.
package metrics

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one crawl run.
type RunStatus string

const (
	RunCreated RunStatus = "created"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Run is one row in the run table.
type Run struct {
	ID                   uuid.UUID
	Catalog              string
	Region               string
	StartedAt            time.Time
	FinishedAt           *time.Time
	Status               RunStatus
	DiscoveryStartedAt   *time.Time
	DiscoveryFinishedAt  *time.Time
	DiscoveryDurationSec float64
	DiscoveryMode        string
	ProductsDiscovered   int
	ProductsScraped      int
	DurationSec          float64
	ErrorMessage         *string
}

// Batch is one row in the batch table.
type Batch struct {
	ID             uuid.UUID
	RunID          uuid.UUID
	BatchNumber    int
	Region         string
	StartedAt      time.Time
	FinishedAt     time.Time
	ProductsCount  int
	APIStatusCode  int
	ResponseTimeMS int64
	RetryCount     int
	Success        bool
}
