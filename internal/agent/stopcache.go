package agent

import "sync"

const (
	stopCacheCap  = 100
	stopCacheTrim = 10
)

// StopCache remembers execution ids the agent has seen stopped, so queued
// assignments for a dead run are rejected without another server round
// trip. Bounded FIFO: the oldest entries are dropped in batches.
type StopCache struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

// NewStopCache creates an empty cache.
func NewStopCache() *StopCache {
	return &StopCache{seen: make(map[string]struct{})}
}

// Add records a stopped execution id.
func (c *StopCache) Add(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[executionID]; ok {
		return
	}
	c.seen[executionID] = struct{}{}
	c.order = append(c.order, executionID)

	if len(c.order) > stopCacheCap {
		for _, old := range c.order[:stopCacheTrim] {
			delete(c.seen, old)
		}
		c.order = c.order[stopCacheTrim:]
	}
}

// Retain drops entries not in keep once the cache has grown past the trim
// threshold. The heartbeat loop calls it with the parents still running
// here, so plan churn does not leave long-dead ids on the pre-check path.
func (c *StopCache) Retain(keep []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) <= stopCacheTrim {
		return
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	order := c.order[:0]
	for _, id := range c.order {
		if _, ok := keepSet[id]; ok {
			order = append(order, id)
		} else {
			delete(c.seen, id)
		}
	}
	c.order = order
}

// Contains reports whether the execution was seen stopped.
func (c *StopCache) Contains(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[executionID]
	return ok
}

// Len reports the number of cached ids.
func (c *StopCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
