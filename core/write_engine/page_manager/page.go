package pagemanager

import (
	"math"
	"sync" // For sync.RWMutex
)

// --- Page Layout ---

const (
	// PageSize is the fixed size of a page and the unit of disk I/O.
	PageSize = 4096
	// ReservedHeaderPages is the number of pages at the head of the file that
	// hold metadata rather than user data.
	ReservedHeaderPages = 4

	InvalidPageID  PageID  = math.MaxUint32 // Marks a frame that holds no page
	InvalidFrameID FrameID = -1
)

// PageID is the stable logical identifier of a page on disk.
type PageID uint32

// FrameID indexes a frame in the buffer pool, 0..capacity-1.
type FrameID int

// Page is one fixed-size block of bytes.
type Page [PageSize]byte

// Offset returns the byte offset of the page in the backing file.
func (id PageID) Offset() int64 {
	return (int64(id) + ReservedHeaderPages) * PageSize
}

func (id PageID) Valid() bool { return id != InvalidPageID }

// Frame is one in-memory slot of the buffer pool. The latch protects the page
// bytes only; which page the frame holds is tracked by the pool.
type Frame struct {
	// This mutex protects the in-memory contents of this specific frame.
	// Readers share it, a writer holds it exclusively.
	latch sync.RWMutex
	data  Page
}

// NewFrame returns a zero-filled frame.
func NewFrame() *Frame {
	return &Frame{}
}

// Data exposes the frame's bytes. Callers must hold the latch.
func (f *Frame) Data() *Page { return &f.data }

// Snapshot copies the page bytes under a shared latch.
func (f *Frame) Snapshot() Page {
	f.latch.RLock()
	defer f.latch.RUnlock()
	return f.data
}

// Reset zeroes the page bytes. Callers must hold the exclusive latch.
func (f *Frame) Reset() {
	f.data = Page{}
}

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the frame.
func (f *Frame) RLock() {
	f.latch.RLock()
}

// RUnlock releases a read (shared) latch on the frame.
func (f *Frame) RUnlock() {
	f.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the frame.
func (f *Frame) Lock() {
	f.latch.Lock()
}

// Unlock releases a write (exclusive) latch on the frame.
func (f *Frame) Unlock() {
	f.latch.Unlock()
}
