package sink

import (
	"sync"

	"harvester/internal/domain"
)

// Collector aggregates per-product results in memory for JSON responses.
// Add order is preserved; the orchestrator adds in listing order.
type Collector struct {
	mu    sync.Mutex
	items []*domain.ProductReviews
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Add(pr *domain.ProductReviews) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, pr)
}

func (c *Collector) Items() []*domain.ProductReviews {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.ProductReviews, len(c.items))
	copy(out, c.items)
	return out
}
