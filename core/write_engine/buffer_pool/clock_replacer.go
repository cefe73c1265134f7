package bufferpool

import (
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// ClockReplacer is the second-chance policy: a hand sweeps the frames, a set
// reference bit buys a frame one more revolution.
type ClockReplacer struct {
	referenced []bool
	hand       int
}

// NewClockReplacer tracks frames 0..capacity-1 with clear reference bits.
func NewClockReplacer(capacity int) *ClockReplacer {
	return &ClockReplacer{referenced: make([]bool, capacity)}
}

func (c *ClockReplacer) UpdateEntry(frame pagemanager.FrameID) {
	c.referenced[frame] = true
}

func (c *ClockReplacer) ResetEntry(frame pagemanager.FrameID) {
	c.referenced[frame] = false
}

// FindVictim advances the hand at most two revolutions: the first may only
// clear reference bits, the second must then find any evictable frame.
func (c *ClockReplacer) FindVictim(evictable func(pagemanager.FrameID) bool) (pagemanager.FrameID, error) {
	n := len(c.referenced)
	for i := 0; i < 2*n; i++ {
		frame := pagemanager.FrameID(c.hand)
		c.hand = (c.hand + 1) % n
		if evictable != nil && !evictable(frame) {
			continue
		}
		if c.referenced[frame] {
			c.referenced[frame] = false
			continue
		}
		return frame, nil
	}
	return pagemanager.InvalidFrameID, noVictim
}
