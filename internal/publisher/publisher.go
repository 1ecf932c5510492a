// Package publisher announces finished runs to downstream consumers.
package publisher

import (
	"context"
	"sync"
	"time"
)

// RunEvent is the completion notification for one crawl run.
type RunEvent struct {
	RunID           string    `json:"run_id"`
	Catalog         string    `json:"catalog"`
	Status          string    `json:"status"`
	ProductsScraped int       `json:"products_scraped"`
	OutputURIs      []string  `json:"output_uris,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Publisher delivers run events; implementations return the message id.
type Publisher interface {
	PublishRunEvent(ctx context.Context, event RunEvent) (string, error)
}

// Memory collects published events for tests.
type Memory struct {
	mu     sync.Mutex
	events []RunEvent
}

// NewMemory builds an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// PublishRunEvent implements Publisher.
func (m *Memory) PublishRunEvent(_ context.Context, event RunEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return event.RunID, nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunEvent, len(m.events))
	copy(out, m.events)
	return out
}
