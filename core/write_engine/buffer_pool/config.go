package bufferpool

import (
	"fmt"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
)

var ErrInvalidConfig = flushmanager.ErrInvalidConfig

// Config sizes the pool and picks its eviction policy.
type Config struct {
	// Capacity is the number of frames.
	Capacity int `yaml:"capacity"`
	// Policy is "lru-k" or "clock".
	Policy string `yaml:"policy"`
	// K is the history depth for lru-k.
	K int `yaml:"k"`
	// AccessBuffer bounds the number of cache hits that may be queued before
	// they are folded into the eviction policy. Zero means 4 x Capacity.
	AccessBuffer int `yaml:"access_buffer"`
}

func DefaultConfig() Config {
	return Config{
		Capacity: 64,
		Policy:   PolicyLRUK,
		K:        2,
	}
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.AccessBuffer < 0 {
		return fmt.Errorf("%w: access_buffer must not be negative, got %d", ErrInvalidConfig, c.AccessBuffer)
	}
	return nil
}

func (c Config) accessBuffer() int {
	if c.AccessBuffer > 0 {
		return c.AccessBuffer
	}
	return 4 * c.Capacity
}
