package queryx

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/seasbee/go-logx"
)

// RistrettoConfig holds configuration for the Ristretto-backed cache store
type RistrettoConfig struct {
	// Maximum number of entries the admission policy plans for
	MaxEntries int64 `yaml:"max_entries" json:"max_entries" validate:"min:1,max:100000000"`

	// Maximum memory budget in bytes
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes" validate:"min:1048576"`

	// TTL applied when a write does not specify one
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// Number of admission counters, should be roughly 10x MaxEntries
	NumCounters int64 `yaml:"num_counters" json:"num_counters" validate:"min:1"`

	// Buffer size for write batching
	BufferItems int64 `yaml:"buffer_items" json:"buffer_items" validate:"min:1,max:10000"`
}

// DefaultRistrettoConfig returns a default Ristretto configuration
func DefaultRistrettoConfig() *RistrettoConfig {
	return &RistrettoConfig{
		MaxEntries:     10000,
		MaxMemoryBytes: 100 * 1024 * 1024,
		DefaultTTL:     2 * time.Minute,
		NumCounters:    100000,
		BufferItems:    64,
	}
}

func validateRistrettoConfig(config *RistrettoConfig) error {
	if config == nil {
		return fmt.Errorf("%w: configuration cannot be nil", ErrInvalidConfig)
	}
	if config.MaxEntries <= 0 {
		return fmt.Errorf("%w: max entries must be positive", ErrInvalidConfig)
	}
	if config.MaxMemoryBytes <= 0 {
		return fmt.Errorf("%w: max memory bytes must be positive", ErrInvalidConfig)
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 2 * time.Minute
	}
	if config.NumCounters <= 0 {
		config.NumCounters = config.MaxEntries * 10
	}
	if config.BufferItems <= 0 {
		config.BufferItems = 64
	}
	return nil
}

// RistrettoCache implements CacheStore on a Ristretto hot cache. Ristretto
// cannot enumerate its contents, so an id index is maintained alongside it to
// support DeleteContaining; the index tolerates entries Ristretto evicted on
// its own.
type RistrettoCache struct {
	config *RistrettoConfig
	cache  *ristretto.Cache

	// id -> keys whose entries embed that id, and the reverse for cleanup
	indexMu sync.Mutex
	byID    map[string]map[string]struct{}
	keyIDs  map[string][]string

	statsMu     sync.Mutex
	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	closeOnce sync.Once
}

// NewRistrettoCache creates a Ristretto-backed cache store
func NewRistrettoCache(config *RistrettoConfig) (*RistrettoCache, error) {
	if config == nil {
		config = DefaultRistrettoConfig()
	}
	configCopy := *config

	if err := validateRistrettoConfig(&configCopy); err != nil {
		return nil, err
	}

	store := &RistrettoCache{
		config: &configCopy,
		byID:   make(map[string]map[string]struct{}),
		keyIDs: make(map[string][]string),
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: configCopy.NumCounters,
		MaxCost:     configCopy.MaxMemoryBytes,
		BufferItems: configCopy.BufferItems,
		OnEvict: func(item *ristretto.Item) {
			store.statsMu.Lock()
			store.evictions++
			store.statsMu.Unlock()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	store.cache = cache

	return store, nil
}

// Get returns the value for key when present
func (s *RistrettoCache) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}

	value, found := s.cache.Get(key)
	if !found {
		s.recordMiss()
		return nil, false
	}

	data, ok := value.([]byte)
	if !ok {
		s.cache.Del(key)
		s.recordMiss()
		return nil, false
	}

	s.recordHit()
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// Set stores value under key for ttl and records the id index
func (s *RistrettoCache) Set(key string, value []byte, ids []string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidConfig)
	}
	if value == nil {
		return fmt.Errorf("%w: value cannot be nil", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	s.cache.SetWithTTL(key, value, int64(len(value)), ttl)

	s.indexMu.Lock()
	s.unindexLocked(key)
	s.keyIDs[key] = ids
	for _, id := range ids {
		set, exists := s.byID[id]
		if !exists {
			set = make(map[string]struct{})
			s.byID[id] = set
		}
		set[key] = struct{}{}
	}
	s.indexMu.Unlock()

	return nil
}

// Delete removes a single entry
func (s *RistrettoCache) Delete(key string) {
	if key == "" {
		return
	}
	s.cache.Del(key)

	s.indexMu.Lock()
	s.unindexLocked(key)
	s.indexMu.Unlock()
}

// DeleteContaining evicts every entry whose id set includes id
func (s *RistrettoCache) DeleteContaining(id string) int {
	if id == "" {
		return 0
	}

	s.indexMu.Lock()
	set := s.byID[id]
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	for _, key := range keys {
		s.unindexLocked(key)
	}
	s.indexMu.Unlock()

	for _, key := range keys {
		s.cache.Del(key)
	}

	if len(keys) > 0 {
		logx.Debug("Ristretto entries invalidated by entity",
			logx.String("id", id),
			logx.Int("removed", len(keys)))
	}
	return len(keys)
}

// Clear wipes every entry and the id index
func (s *RistrettoCache) Clear() {
	s.cache.Clear()

	s.indexMu.Lock()
	count := len(s.keyIDs)
	s.byID = make(map[string]map[string]struct{})
	s.keyIDs = make(map[string][]string)
	s.indexMu.Unlock()

	logx.Info("Ristretto cache cleared", logx.Int("removed", count))
}

// Stats returns cache counters. Entries reflects the id index and may
// slightly overcount when Ristretto has evicted entries on its own.
func (s *RistrettoCache) Stats() CacheStats {
	s.indexMu.Lock()
	entries := int64(len(s.keyIDs))
	s.indexMu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return CacheStats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Entries:     entries,
	}
}

// Close releases the underlying cache
func (s *RistrettoCache) Close() error {
	s.closeOnce.Do(func() {
		s.cache.Close()
	})
	return nil
}

// Wait blocks until buffered writes are applied. Useful in tests.
func (s *RistrettoCache) Wait() {
	s.cache.Wait()
}

// unindexLocked removes key from both index directions
func (s *RistrettoCache) unindexLocked(key string) {
	ids, exists := s.keyIDs[key]
	if !exists {
		return
	}
	delete(s.keyIDs, key)
	for _, id := range ids {
		if set, ok := s.byID[id]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.byID, id)
			}
		}
	}
}

func (s *RistrettoCache) recordHit() {
	s.statsMu.Lock()
	s.hits++
	s.statsMu.Unlock()
}

func (s *RistrettoCache) recordMiss() {
	s.statsMu.Lock()
	s.misses++
	s.statsMu.Unlock()
}
