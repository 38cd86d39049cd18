// Package bufpool provides reusable buffers for SMB request packets and the
// leased packet pool built on top of them.
//
// Buffers come from three size tiers:
//   - Small (default 4KB): negotiate, session and most metadata requests
//   - Medium (default 64KB): directory queries and small reads/writes
//   - Large (default 1MB): SMB2 maximum transfer size
//
// Requests larger than the large tier are allocated directly and never pooled.
package bufpool

import (
	"sync"
)

// Default buffer size classes.
const (
	DefaultSmallSize  = 4 << 10
	DefaultMediumSize = 64 << 10
	DefaultLargeSize  = 1 << 20
)

// Pool is a tiered byte slice pool. Safe for concurrent use.
type Pool struct {
	tiers [3]tier
}

type tier struct {
	size int
	pool sync.Pool
}

// Config holds the tier sizes of a Pool. Zero fields use the defaults.
type Config struct {
	SmallSize  int `mapstructure:"small_size" yaml:"small_size"`
	MediumSize int `mapstructure:"medium_size" yaml:"medium_size"`
	LargeSize  int `mapstructure:"large_size" yaml:"large_size"`
}

// DefaultConfig returns the default tier sizes.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

// NewPool creates a pool. A nil cfg uses DefaultConfig.
func NewPool(cfg *Config) *Pool {
	c := DefaultConfig()
	if cfg != nil {
		if cfg.SmallSize > 0 {
			c.SmallSize = cfg.SmallSize
		}
		if cfg.MediumSize > 0 {
			c.MediumSize = cfg.MediumSize
		}
		if cfg.LargeSize > 0 {
			c.LargeSize = cfg.LargeSize
		}
	}

	p := &Pool{}
	for i, size := range []int{c.SmallSize, c.MediumSize, c.LargeSize} {
		t := &p.tiers[i]
		t.size = size
		t.pool.New = func() any {
			buf := make([]byte, t.size)
			return &buf
		}
	}
	return p
}

// Get returns a slice of length size. Its capacity is the tier size, or
// exactly size when no tier fits. Return it with Put.
func (p *Pool) Get(size int) []byte {
	for i := range p.tiers {
		t := &p.tiers[i]
		if size <= t.size {
			buf := *t.pool.Get().(*[]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the tier matching its capacity. Buffers of any other
// capacity are dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for i := range p.tiers {
		t := &p.tiers[i]
		if cap(buf) == t.size {
			full := buf[:cap(buf)]
			t.pool.Put(&full)
			return
		}
	}
}

var globalPool = NewPool(nil)

// Get returns a buffer from the package-level pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the package-level pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
