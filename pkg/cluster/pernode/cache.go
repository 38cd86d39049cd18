package pernode

import (
	"errors"
	"sort"
	"sync"

	"github.com/marmos91/dittocluster/internal/logger"
)

// Cache holds the per-node states of the files this node has touched.
//
// States are created on first use and torn down by Evict or Close, which run
// the deferred request leak check.
type Cache struct {
	opts Options

	mu     sync.RWMutex
	states map[string]*State
}

// NewCache creates an empty cache. Every State it creates uses opts.
func NewCache(opts Options) *Cache {
	opts.applyDefaults()
	return &Cache{
		opts:   opts,
		states: make(map[string]*State),
	}
}

// Get returns the state of key, or nil if the node has no state for it.
func (c *Cache) Get(key string) *State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[key]
}

// GetOrCreate returns the state of key, creating it if needed. The second
// result is true when the state was created by this call.
func (c *Cache) GetOrCreate(key string) (*State, bool) {
	c.mu.RLock()
	s, ok := c.states[key]
	c.mu.RUnlock()
	if ok {
		return s, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[key]; ok {
		return s, false
	}
	s = New(key, c.opts)
	c.states[key] = s
	c.opts.Metrics.SetPerNodeEntries(len(c.states))
	return s, true
}

// Evict removes the state of key and tears it down. It returns the leak error
// from State.Close, if any. Evicting an unknown key is a no-op.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	s, ok := c.states[key]
	if ok {
		delete(c.states, key)
	}
	n := len(c.states)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.opts.Metrics.SetPerNodeEntries(n)
	return s.Close()
}

// Len returns the number of cached states.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.states))
	for k := range c.states {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Range calls fn for each cached state until fn returns false. fn runs on a
// snapshot and may call back into the cache.
func (c *Cache) Range(fn func(key string, s *State) bool) {
	c.mu.RLock()
	snapshot := make([]*State, 0, len(c.states))
	for _, s := range c.states {
		snapshot = append(snapshot, s)
	}
	c.mu.RUnlock()

	for _, s := range snapshot {
		if !fn(s.Key(), s) {
			return
		}
	}
}

// Close tears down every cached state and empties the cache. Leak errors of
// individual states are joined.
func (c *Cache) Close() error {
	c.mu.Lock()
	states := c.states
	c.states = make(map[string]*State)
	c.mu.Unlock()

	var errs []error
	for _, s := range states {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.opts.Metrics.SetPerNodeEntries(0)

	if len(errs) > 0 {
		logger.Warn("Per-node cache closed with leaked deferred requests", logger.KeyCount, len(errs))
	}
	return errors.Join(errs...)
}
