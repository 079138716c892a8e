// Package cache stores computed results keyed by request.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is a byte-oriented result cache.
type Store interface {
	// Get returns the value for key; ok is false on a miss or expiry.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Set stores val under key.
	Set(ctx context.Context, key string, val []byte) error
	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Memory is a thread-safe LRU cache with a per-entry TTL.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*memoryEntry
	order   []string // oldest first
	now     func() time.Time
}

type memoryEntry struct {
	val     []byte
	expires time.Time
}

// NewMemory creates a cache holding at most maxSize entries for ttl each.
// If maxSize <= 0, it defaults to 1024. A ttl <= 0 never expires entries.
func NewMemory(maxSize int, ttl time.Duration) *Memory {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Memory{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Get implements Store.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		c.remove(key)
		return nil, false, nil
	}

	// Move to end (most recently used)
	c.moveToEnd(key)
	return entry.val, true, nil
}

// Set implements Store, evicting the oldest entry if full.
func (c *Memory) Set(_ context.Context, key string, val []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &memoryEntry{val: val}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}

	if _, ok := c.entries[key]; ok {
		c.entries[key] = entry
		c.moveToEnd(key)
		return nil
	}

	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = entry
	c.order = append(c.order, key)
	return nil
}

// Delete implements Store.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}
	return nil
}

// DeletePrefix implements Store.
func (c *Memory) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	for _, k := range c.order {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Memory) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Memory) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}
