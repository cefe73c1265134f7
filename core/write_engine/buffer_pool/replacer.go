package bufferpool

import (
	"fmt"
	"strings"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// EvictionStrategy decides which frame to reclaim when the pool is full.
// Implementations are not safe for concurrent use; the pool serializes all
// calls under one lock.
type EvictionStrategy interface {
	// UpdateEntry records an access to frame.
	UpdateEntry(frame pagemanager.FrameID)
	// FindVictim removes and returns the most evictable frame for which
	// evictable returns true. It returns ErrBufferPoolFull if none qualify;
	// rejected frames stay tracked.
	FindVictim(evictable func(pagemanager.FrameID) bool) (pagemanager.FrameID, error)
	// ResetEntry drops the frame's history and tracks it as never accessed.
	ResetEntry(frame pagemanager.FrameID)
}

const (
	PolicyLRUK  = "lru-k"
	PolicyClock = "clock"
)

// NewEvictionStrategy builds the strategy named by policy.
func NewEvictionStrategy(policy string, capacity, k int) (EvictionStrategy, error) {
	switch strings.ToLower(policy) {
	case PolicyLRUK, "lruk", "":
		if k <= 0 {
			return nil, fmt.Errorf("%w: lru-k needs k >= 1, got %d", ErrInvalidConfig, k)
		}
		return NewLRUKReplacer(capacity, k), nil
	case PolicyClock:
		return NewClockReplacer(capacity), nil
	default:
		return nil, fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidConfig, policy)
	}
}

var noVictim = fmt.Errorf("%w: every frame is pinned", flushmanager.ErrBufferPoolFull)
