package catalog

import (
	"errors"
	"fmt"
)

// ErrDiscoveryUnavailable signals that a discovery source failed on its very
// first page. The orchestrating layer treats it as a cue to fall back to the
// next strategy rather than failing the run.
var ErrDiscoveryUnavailable = errors.New("discovery source unavailable")

// ErrNotFound signals a hard 404 for a crawl target. Targets failing with it
// are recorded in the failure cache instead of being retried on later runs.
var ErrNotFound = errors.New("target not found")

// TransientFetchError wraps a timeout or 5xx after the retry budget is spent.
// It is counted against the batch, never fatal to the run.
type TransientFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// RegionResolutionError signals that building the region session cookie
// failed. Callers proceed without region scoping and log degraded mode.
type RegionResolutionError struct {
	Region string
	Err    error
}

func (e *RegionResolutionError) Error() string {
	return fmt.Sprintf("region resolution failed for %q: %v", e.Region, e.Err)
}

func (e *RegionResolutionError) Unwrap() error {
	return e.Err
}

// RunFatalError marks a whole run as failed: every discovery strategy was
// exhausted, or an unhandled error escaped the top-level run loop. The
// message is captured verbatim in the run record.
type RunFatalError struct {
	Catalog string
	Err     error
}

func (e *RunFatalError) Error() string {
	return fmt.Sprintf("run failed for catalog %q: %v", e.Catalog, e.Err)
}

func (e *RunFatalError) Unwrap() error {
	return e.Err
}
