package cache

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// MemoryCache is a Cache held in process memory.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
	clock   clock.PassiveClock
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty MemoryCache. A nil clock uses real time.
func NewMemoryCache(clk clock.PassiveClock) *MemoryCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryCache{entries: make(map[string]Entry), clock: clk}
}

func (c *MemoryCache) Save(sessionID string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = Entry{
		SessionID: sessionID,
		SavedAt:   c.clock.Now(),
		Data:      append([]byte(nil), data...),
	}
	return nil
}

func (c *MemoryCache) Load(sessionID string) ([]byte, bool) {
	return c.LoadWithin(sessionID, DefaultFreshness)
}

func (c *MemoryCache) LoadWithin(sessionID string, window time.Duration) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return nil, false
	}
	if !fresh(e, c.clock.Now(), window) {
		delete(c.entries, sessionID)
		return nil, false
	}
	return append([]byte(nil), e.Data...), true
}

func (c *MemoryCache) Clear(sessionID string) error {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, fresh or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) Close() error { return nil }
