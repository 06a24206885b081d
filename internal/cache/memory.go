package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired summaries are purged when no
// interval is configured.
const DefaultSweepInterval = 5 * time.Minute

type memoryEntry struct {
	summary   string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemorySummaryCache is a process-local SummaryCache. Entries are bucketed by
// model so Forget drops a whole model at once.
type MemorySummaryCache struct {
	mu     sync.RWMutex
	models map[string]map[string]memoryEntry

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// NewMemorySummaryCache starts a cache whose sweeper runs every
// sweepInterval (DefaultSweepInterval when <= 0).
func NewMemorySummaryCache(sweepInterval time.Duration) *MemorySummaryCache {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	c := &MemorySummaryCache{
		models:        make(map[string]map[string]memoryEntry),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

func (c *MemorySummaryCache) Get(_ context.Context, key SummaryKey) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.models[key.ModelID][key.Hash]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}

	now := time.Now()
	if entry.expired(now) {
		c.mu.Lock()
		if e, exists := c.models[key.ModelID][key.Hash]; exists && e.expired(now) {
			c.deleteLocked(key)
		}
		c.mu.Unlock()
		return "", false, nil
	}

	return entry.summary, true, nil
}

func (c *MemorySummaryCache) Set(_ context.Context, key SummaryKey, summary string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		c.deleteLocked(key)
		return nil
	}

	bucket, ok := c.models[key.ModelID]
	if !ok {
		bucket = make(map[string]memoryEntry)
		c.models[key.ModelID] = bucket
	}
	bucket[key.Hash] = memoryEntry{
		summary:   summary,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *MemorySummaryCache) Forget(_ context.Context, modelID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.models[modelID])
	delete(c.models, modelID)
	return n, nil
}

// deleteLocked removes key and its bucket once empty. c.mu must be held.
func (c *MemorySummaryCache) deleteLocked(key SummaryKey) {
	bucket, ok := c.models[key.ModelID]
	if !ok {
		return
	}
	delete(bucket, key.Hash)
	if len(bucket) == 0 {
		delete(c.models, key.ModelID)
	}
}

func (c *MemorySummaryCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.stopSweep:
			return
		}
	}
}

func (c *MemorySummaryCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for model, bucket := range c.models {
		for hash, e := range bucket {
			if e.expired(now) {
				delete(bucket, hash)
			}
		}
		if len(bucket) == 0 {
			delete(c.models, model)
		}
	}
}

// Close stops the sweeper.
func (c *MemorySummaryCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
	return nil
}

// Len returns the number of entries across all models, expired or not.
func (c *MemorySummaryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, bucket := range c.models {
		n += len(bucket)
	}
	return n
}
