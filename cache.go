package queryx

import (
	"fmt"
	"sync"
	"time"

	"github.com/seasbee/go-logx"
)

// CacheStore is the storage contract for the optimizer's read cache. Values
// are opaque byte slices; the ids slice records which entity ids a value
// embeds so composite (batch) entries can be evicted by entity.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ids []string, ttl time.Duration) error
	Delete(key string)
	// DeleteContaining evicts every entry whose recorded id set includes id
	// and returns the number of entries removed.
	DeleteContaining(id string) int
	Clear()
	Stats() CacheStats
	Close() error
}

// CacheStats holds cache counters
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Expirations int64 `json:"expirations"`
	Evictions   int64 `json:"evictions"`
	Entries     int64 `json:"entries"`
}

// cacheEntry is a stored value with its expiry and the entity ids it covers
type cacheEntry struct {
	value     []byte
	ids       []string
	createdAt time.Time
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// QueryCache is a TTL-bounded key/value store. Expiry is checked lazily on
// every read and a background sweep removes stale entries independent of
// read traffic.
type QueryCache struct {
	config *CacheConfig

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	statsMu     sync.Mutex
	hits        int64
	misses      int64
	expirations int64
	evictions   int64

	sweepTicker *time.Ticker
	stopChan    chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewQueryCache creates a query cache and starts its sweep loop
func NewQueryCache(config *CacheConfig) (*QueryCache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	configCopy := *config

	if err := validateCacheConfig(&configCopy); err != nil {
		return nil, err
	}

	c := &QueryCache{
		config:   &configCopy,
		entries:  make(map[string]*cacheEntry),
		stopChan: make(chan struct{}),
	}

	c.startSweep()

	return c, nil
}

// Get returns the value for key if present and unexpired. An expired entry
// is deleted on the spot.
func (c *QueryCache) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}

	now := time.Now()

	c.mu.RLock()
	entry, exists := c.entries[key]
	if !exists {
		c.mu.RUnlock()
		c.recordMiss()
		return nil, false
	}
	if entry.expired(now) {
		c.mu.RUnlock()
		c.mu.Lock()
		// Re-check: another goroutine may have deleted or replaced it
		if cur, ok := c.entries[key]; ok && cur.expired(now) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.recordExpiration()
		c.recordMiss()
		return nil, false
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	c.mu.RUnlock()

	c.recordHit()
	return value, true
}

// Set stores value under key for ttl. A non-positive ttl falls back to the
// configured default.
func (c *QueryCache) Set(key string, value []byte, ids []string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidConfig)
	}
	if value == nil {
		return fmt.Errorf("%w: value cannot be nil", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	now := time.Now()
	entry := &cacheEntry{
		value:     value,
		ids:       ids,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.MaxEntries {
		c.evictEarliestLocked()
	}
	c.entries[key] = entry
	c.mu.Unlock()

	return nil
}

// Delete removes a single entry
func (c *QueryCache) Delete(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteContaining evicts every entry whose id set includes id. A batch
// result may embed many entities under one composite key; this is how those
// are invalidated when a single entity changes.
func (c *QueryCache) DeleteContaining(id string) int {
	if id == "" {
		return 0
	}

	removed := 0
	c.mu.Lock()
	for key, entry := range c.entries {
		for _, entryID := range entry.ids {
			if entryID == id {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		logx.Debug("Cache entries invalidated by entity",
			logx.String("id", id),
			logx.Int("removed", removed))
	}
	return removed
}

// Clear wipes every entry
func (c *QueryCache) Clear() {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	logx.Info("Query cache cleared", logx.Int("removed", count))
}

// Stats returns current cache counters
func (c *QueryCache) Stats() CacheStats {
	c.mu.RLock()
	entries := int64(len(c.entries))
	c.mu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Expirations: c.expirations,
		Evictions:   c.evictions,
		Entries:     entries,
	}
}

// Close stops the sweep loop
func (c *QueryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
	return nil
}

func (c *QueryCache) startSweep() {
	c.sweepTicker = time.NewTicker(c.config.SweepInterval)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer c.sweepTicker.Stop()

		for {
			select {
			case <-c.sweepTicker.C:
				c.sweep()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// sweep removes all expired entries regardless of read traffic
func (c *QueryCache) sweep() {
	now := time.Now()
	expiredKeys := make([]string, 0)

	c.mu.RLock()
	for key, entry := range c.entries {
		if entry.expired(now) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	c.mu.RUnlock()

	if len(expiredKeys) == 0 {
		return
	}

	removed := 0
	c.mu.Lock()
	for _, key := range expiredKeys {
		if entry, exists := c.entries[key]; exists && entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	for i := 0; i < removed; i++ {
		c.recordExpiration()
	}
	if removed > 0 {
		logx.Debug("Query cache sweep", logx.Int("expired", removed))
	}
}

// evictEarliestLocked drops the entry closest to expiry to make room
func (c *QueryCache) evictEarliestLocked() {
	var victim string
	var earliest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(earliest) {
			victim = key
			earliest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.statsMu.Lock()
		c.evictions++
		c.statsMu.Unlock()
	}
}

func (c *QueryCache) recordHit() {
	if !c.config.EnableStats {
		return
	}
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *QueryCache) recordMiss() {
	if !c.config.EnableStats {
		return
	}
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

func (c *QueryCache) recordExpiration() {
	if !c.config.EnableStats {
		return
	}
	c.statsMu.Lock()
	c.expirations++
	c.statsMu.Unlock()
}
