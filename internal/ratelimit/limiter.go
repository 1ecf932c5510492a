// Package ratelimit implements the shared cross-catalog request limiter:
// a sliding window bounding throughput plus a semaphore bounding concurrency.
// One instance is shared by every fetch path in the process, including the
// enrichment pipeline.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config holds limiter configuration.
type Config struct {
	// RateLimit is the maximum number of acquisitions granted inside any
	// trailing window of Window duration.
	RateLimit int
	// Window is the sliding window length.
	Window time.Duration
	// MaxConcurrent bounds the number of un-released acquisitions.
	MaxConcurrent int
}

// Limiter grants request permits under both a sliding-window rate bound and
// a concurrency bound. Safe for use by many goroutines sharing one instance.
type Limiter struct {
	mu     sync.Mutex
	stamps []time.Time

	limit  int
	window time.Duration
	slots  chan struct{}

	now func() time.Time
}

// New creates a Limiter. Non-positive knobs fall back to permissive defaults.
func New(cfg Config) *Limiter {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
		slots:  make(chan struct{}, maxConcurrent),
		now:    time.Now,
	}
}

// Acquire blocks until a concurrency slot is free and fewer than the rate
// limit of acquisitions remain inside the trailing window, then records a
// timestamp and returns. Callers must pair every successful Acquire with
// Release. No FIFO fairness is guaranteed among blocked callers.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire slot: %w", ctx.Err())
	}

	for {
		wait, ok := l.tryStamp()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-l.slots
			return fmt.Errorf("acquire window: %w", ctx.Err())
		}
	}
}

// Release frees the concurrency slot only. The recorded timestamp still
// counts against the window until it ages out.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// Do runs fn under an acquired permit, releasing the slot on every exit
// path, including when fn returns an error or panics.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// InFlight reports the number of currently un-released acquisitions.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}

// tryStamp prunes aged timestamps and, if the window has room, appends one.
// Otherwise it returns how long until the oldest timestamp slides out.
func (l *Limiter) tryStamp() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept

	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return 0, true
	}
	wait := l.stamps[0].Sub(cutoff)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}
