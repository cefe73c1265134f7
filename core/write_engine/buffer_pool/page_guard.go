package bufferpool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	commonutils "github.com/sushant-115/gojodb-pagestore/internal/common_utils"
)

// PageGuard keeps one page pinned until Release. Using a guard after Release
// panics with ErrGuardReleased.
type PageGuard struct {
	pool     *BufferPool
	pageID   pagemanager.PageID
	frame    pagemanager.FrameID
	released atomic.Bool

	mu     sync.Mutex
	writer *PageWriter
}

// PageWriter holds the frame's exclusive latch. The page it exposes is only
// valid until Release.
type PageWriter struct {
	guard *PageGuard
	page  *pagemanager.Page
}

func (bp *BufferPool) newGuard(pageID pagemanager.PageID, frame pagemanager.FrameID) *PageGuard {
	if ce := bp.logger.Check(zap.DebugLevel, "Page pinned"); ce != nil {
		// Skip newGuard and the pool method to reach the caller.
		fields := append([]zap.Field{
			zap.Uint32("page_id", uint32(pageID)),
			zap.Int("frame", int(frame)),
			zap.Int32("pins", bp.pins[frame].Load()),
		}, commonutils.TraceFields(2)...)
		ce.Write(fields...)
	}
	return &PageGuard{pool: bp, pageID: pageID, frame: frame}
}

func (g *PageGuard) PageID() pagemanager.PageID { return g.pageID }

func (g *PageGuard) FrameID() pagemanager.FrameID { return g.frame }

func (g *PageGuard) check() {
	if g.released.Load() {
		panic(flushmanager.ErrGuardReleased)
	}
}

// Read returns a copy of the page. If this guard has a writer open the copy
// reflects its uncommitted changes.
func (g *PageGuard) Read() pagemanager.Page {
	g.check()
	g.mu.Lock()
	w := g.writer
	g.mu.Unlock()
	if w != nil {
		return *w.page
	}
	return g.pool.frames[g.frame].Snapshot()
}

// Write takes the frame's exclusive latch and marks it dirty. Calling Write
// again before the writer is released returns the same writer.
func (g *PageGuard) Write() *PageWriter {
	g.check()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writer != nil {
		return g.writer
	}

	f := g.pool.frames[g.frame]
	f.Lock()
	g.pool.dirtyMu.Lock()
	g.pool.dirty.Set(int(g.frame))
	g.pool.dirtyMu.Unlock()

	g.writer = &PageWriter{guard: g, page: f.Data()}
	return g.writer
}

// Modify runs fn with exclusive access to the page.
func (g *PageGuard) Modify(fn func(page *pagemanager.Page)) {
	w := g.Write()
	defer w.Release()
	fn(w.Page())
}

// Release unpins the page, closing any open writer first. Only the first
// call has an effect.
func (g *PageGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.mu.Lock()
	if g.writer != nil {
		g.writer.page = nil
		g.writer = nil
		g.pool.frames[g.frame].Unlock()
	}
	g.mu.Unlock()

	g.pool.unpin(g.frame)
	if ce := g.pool.logger.Check(zap.DebugLevel, "Page unpinned"); ce != nil {
		fields := append([]zap.Field{
			zap.Uint32("page_id", uint32(g.pageID)),
			zap.Int("frame", int(g.frame)),
		}, commonutils.TraceFields(1)...)
		ce.Write(fields...)
	}
}

func (w *PageWriter) Page() *pagemanager.Page {
	if w.page == nil {
		panic(flushmanager.ErrGuardReleased)
	}
	return w.page
}

func (w *PageWriter) Bytes() []byte { return w.Page()[:] }

// Release drops the exclusive latch. The guard stays pinned.
func (w *PageWriter) Release() {
	g := w.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writer != w {
		return
	}
	w.page = nil
	g.writer = nil
	g.pool.frames[g.frame].Unlock()
}
