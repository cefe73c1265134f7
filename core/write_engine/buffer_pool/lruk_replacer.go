package bufferpool

import (
	"container/heap"

	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

/*
LRUKReplacer implements the LRU-K replacement policy.

Every frame owns a ring of its last K access timestamps. Frames compare
lexicographically over those timestamps from oldest to newest, so the frame
whose K-th most recent access lies furthest in the past is evicted first and
ties fall through to the next-older access. A frame with fewer than K
accesses carries zero timestamps and therefore sorts ahead of any frame that
has a full history; never-used frames go first of all.

Timestamps come from a logical clock that advances on every access, which
keeps the order strict and independent of wall-clock resolution.
*/
type LRUKReplacer struct {
	k       int
	clock   uint64
	entries []*accessHistory // indexed by frame id
	heap    historyHeap      // min-heap, most evictable on top
}

type accessHistory struct {
	frame pagemanager.FrameID
	head  int      // slot of the most recent access
	times []uint64 // ring buffer of the last k accesses
	index int      // position in the heap, -1 when popped
}

// NewLRUKReplacer tracks frames 0..capacity-1, all initially cold.
func NewLRUKReplacer(capacity, k int) *LRUKReplacer {
	r := &LRUKReplacer{
		k:       k,
		entries: make([]*accessHistory, capacity),
		heap:    make(historyHeap, 0, capacity),
	}
	for i := range r.entries {
		h := &accessHistory{frame: pagemanager.FrameID(i), times: make([]uint64, k)}
		r.entries[i] = h
		h.index = len(r.heap)
		r.heap = append(r.heap, h)
	}
	heap.Init(&r.heap)
	return r
}

func (r *LRUKReplacer) K() int { return r.k }

func (r *LRUKReplacer) UpdateEntry(frame pagemanager.FrameID) {
	h := r.entries[frame]
	r.clock++
	h.head = (h.head + 1) % r.k
	h.times[h.head] = r.clock
	r.reposition(h)
}

func (r *LRUKReplacer) ResetEntry(frame pagemanager.FrameID) {
	h := r.entries[frame]
	clear(h.times)
	h.head = 0
	r.reposition(h)
}

func (r *LRUKReplacer) reposition(h *accessHistory) {
	if h.index >= 0 {
		heap.Fix(&r.heap, h.index)
		return
	}
	heap.Push(&r.heap, h)
}

// FindVictim pops frames in eviction order until one is evictable. Frames
// passed over are pushed back with their history intact.
func (r *LRUKReplacer) FindVictim(evictable func(pagemanager.FrameID) bool) (pagemanager.FrameID, error) {
	var skipped []*accessHistory
	defer func() {
		for _, h := range skipped {
			heap.Push(&r.heap, h)
		}
	}()

	for r.heap.Len() > 0 {
		h := heap.Pop(&r.heap).(*accessHistory)
		if evictable == nil || evictable(h.frame) {
			return h.frame, nil
		}
		skipped = append(skipped, h)
	}
	return pagemanager.InvalidFrameID, noVictim
}

// olderThan orders two histories oldest access first.
func (h *accessHistory) olderThan(o *accessHistory) bool {
	k := len(h.times)
	for off := 1; off <= k; off++ {
		a := h.times[(h.head+off)%k]
		b := o.times[(o.head+off)%k]
		if a != b {
			return a < b
		}
	}
	return h.frame < o.frame
}

type historyHeap []*accessHistory

func (q historyHeap) Len() int           { return len(q) }
func (q historyHeap) Less(i, j int) bool { return q[i].olderThan(q[j]) }
func (q historyHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *historyHeap) Push(x any) {
	h := x.(*accessHistory)
	h.index = len(*q)
	*q = append(*q, h)
}

func (q *historyHeap) Pop() any {
	old := *q
	n := len(old)
	h := old[n-1]
	old[n-1] = nil
	h.index = -1
	*q = old[:n-1]
	return h
}
