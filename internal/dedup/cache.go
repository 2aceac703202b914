package dedup

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/t77yq/waterwatch/internal/model"
)

// Cache suppresses repeated alert attempts for the same device parameter within a
// cooldown. It is advisory only: the alert guard stays correct without it.
type Cache interface {
	ShouldAttempt(deviceID string, parameter model.Parameter, now time.Time) bool
	RecordAttempt(deviceID string, parameter model.Parameter, now time.Time)
	Purge(now time.Time) int
	Len() int
}

// Config holds the cache settings
type Config struct {
	Cooldown   time.Duration
	MaxEntries int
	Shards     int
}

// DefaultConfig returns a five minute cooldown over 1000 entries in 16 shards.
func DefaultConfig() Config {
	return Config{
		Cooldown:   5 * time.Minute,
		MaxEntries: 1000,
		Shards:     16,
	}
}

type entry struct {
	key       string
	attempted time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is the oldest insertion
	limit   int
}

// TTLCache is a sharded, bounded Cache. On overflow a shard evicts its oldest inserted
// entry. Expired entries are dropped lazily on access and by Purge.
type TTLCache struct {
	cooldown time.Duration
	shards   []*shard
	evicted  func()
}

// New creates a TTLCache. evicted, if non-nil, is called for each capacity eviction.
func New(cfg Config, evicted func()) *TTLCache {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Shards > cfg.MaxEntries {
		cfg.Shards = cfg.MaxEntries
	}

	// shards split MaxEntries exactly; the first MaxEntries%Shards take one extra
	base, extra := cfg.MaxEntries/cfg.Shards, cfg.MaxEntries%cfg.Shards
	c := &TTLCache{
		cooldown: cfg.Cooldown,
		shards:   make([]*shard, cfg.Shards),
		evicted:  evicted,
	}
	for i := range c.shards {
		limit := base
		if i < extra {
			limit++
		}
		c.shards[i] = &shard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
			limit:   limit,
		}
	}
	return c
}

func cacheKey(deviceID string, parameter model.Parameter) string {
	return deviceID + "|" + string(parameter)
}

func (c *TTLCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// ShouldAttempt reports false only when an unexpired attempt is recorded for the key.
func (c *TTLCache) ShouldAttempt(deviceID string, parameter model.Parameter, now time.Time) bool {
	key := cacheKey(deviceID, parameter)
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return true
	}
	if c.expired(el.Value.(*entry), now) {
		s.remove(el)
		return true
	}
	return false
}

// RecordAttempt stores now as the last attempt for the key, replacing any entry.
func (c *TTLCache) RecordAttempt(deviceID string, parameter model.Parameter, now time.Time) {
	key := cacheKey(deviceID, parameter)
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.remove(el)
	}
	for s.order.Len() >= s.limit {
		s.remove(s.order.Front())
		if c.evicted != nil {
			c.evicted()
		}
	}
	s.entries[key] = s.order.PushBack(&entry{key: key, attempted: now})
}

// Purge drops every expired entry and returns how many were removed.
func (c *TTLCache) Purge(now time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.order.Front(); el != nil; {
			next := el.Next()
			if c.expired(el.Value.(*entry), now) {
				s.remove(el)
				removed++
			}
			el = next
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries, expired ones included until purged.
func (c *TTLCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

func (c *TTLCache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.attempted) >= c.cooldown
}

func (s *shard) remove(el *list.Element) {
	delete(s.entries, el.Value.(*entry).key)
	s.order.Remove(el)
}

// NopCache never suppresses an attempt.
type NopCache struct{}

func (NopCache) ShouldAttempt(string, model.Parameter, time.Time) bool { return true }
func (NopCache) RecordAttempt(string, model.Parameter, time.Time)      {}
func (NopCache) Purge(time.Time) int                                   { return 0 }
func (NopCache) Len() int                                              { return 0 }
