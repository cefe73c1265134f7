package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagestore/core/storage_engine/bitmap"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
	pkglogger "github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
)

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Resident  int
	Pinned    int
}

type frameOwner struct {
	mu     sync.Mutex
	pageID pagemanager.PageID
}

// BufferPool caches disk pages in a fixed set of frames.
//
// Locks are always taken in this order: directory, strategy, frame latch,
// frame owner, dirty set, then whatever the DiskManager takes. Pins are only
// incremented while the directory lock is held, so a pin count read under the
// exclusive directory lock cannot change underneath the reader.
type BufferPool struct {
	cfg     Config
	disk    *flushmanager.DiskManager
	logger  *zap.Logger
	metrics *internaltelemetry.BufferPoolMetrics
	tracer  trace.Tracer

	directoryMu sync.RWMutex
	directory   map[pagemanager.PageID]pagemanager.FrameID

	strategyMu sync.Mutex
	strategy   EvictionStrategy
	accesses   chan pagemanager.FrameID // hits not yet applied to strategy

	frames []*pagemanager.Frame
	owners []frameOwner
	pins   []atomic.Int32

	dirtyMu sync.Mutex
	dirty   *bitmap.Bitmap

	state  flushmanager.StateTracker
	closed atomic.Bool

	hits, misses, evictions, flushes atomic.Uint64
}

// NewBufferPool builds a pool over disk with the strategy named in cfg.
func NewBufferPool(cfg Config, disk *flushmanager.DiskManager, logger *zap.Logger, tel *telemetry.Telemetry) (*BufferPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := NewEvictionStrategy(cfg.Policy, cfg.Capacity, cfg.K)
	if err != nil {
		return nil, err
	}
	return NewBufferPoolWithStrategy(cfg, disk, strategy, logger, tel)
}

// NewBufferPoolWithStrategy builds a pool with a caller supplied strategy,
// which must track frames 0..cfg.Capacity-1. cfg.Policy and cfg.K are ignored.
func NewBufferPoolWithStrategy(cfg Config, disk *flushmanager.DiskManager, strategy EvictionStrategy, logger *zap.Logger, tel *telemetry.Telemetry) (*BufferPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if disk == nil {
		return nil, fmt.Errorf("%w: disk manager is required", ErrInvalidConfig)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: eviction strategy is required", ErrInvalidConfig)
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewBufferPoolMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}

	bp := &BufferPool{
		cfg:       cfg,
		disk:      disk,
		logger:    pkglogger.Component(logger, "bufferpool"),
		metrics:   metrics,
		tracer:    tel.Tracer,
		directory: make(map[pagemanager.PageID]pagemanager.FrameID, cfg.Capacity),
		strategy:  strategy,
		accesses:  make(chan pagemanager.FrameID, cfg.accessBuffer()),
		frames:    make([]*pagemanager.Frame, cfg.Capacity),
		owners:    make([]frameOwner, cfg.Capacity),
		pins:      make([]atomic.Int32, cfg.Capacity),
		dirty:     bitmap.New(cfg.Capacity),
	}
	for i := range bp.frames {
		bp.frames[i] = pagemanager.NewFrame()
		bp.owners[i].pageID = pagemanager.InvalidPageID
	}
	bp.logger.Info("BufferPool initialized",
		zap.Int("capacity", cfg.Capacity),
		zap.String("policy", cfg.Policy),
		zap.Int("k", cfg.K))
	return bp, nil
}

func (bp *BufferPool) Capacity() int { return len(bp.frames) }

// Disk returns the DiskManager the pool reads and writes through.
func (bp *BufferPool) Disk() *flushmanager.DiskManager { return bp.disk }

func (bp *BufferPool) usable() error {
	if bp.closed.Load() {
		return flushmanager.ErrPoolClosed
	}
	return bp.state.Err()
}

// GetPage pins pageID into a frame, loading it from disk on a miss, and
// returns a guard that unpins it on Release.
func (bp *BufferPool) GetPage(pageID pagemanager.PageID) (*PageGuard, error) {
	if err := bp.usable(); err != nil {
		return nil, err
	}

	bp.directoryMu.RLock()
	if frame, ok := bp.directory[pageID]; ok {
		bp.pin(frame)
		bp.directoryMu.RUnlock()
		bp.recordHit(frame)
		return bp.newGuard(pageID, frame), nil
	}
	bp.directoryMu.RUnlock()

	bp.directoryMu.Lock()
	defer bp.directoryMu.Unlock()

	// Another caller may have loaded it between the two locks.
	if frame, ok := bp.directory[pageID]; ok {
		bp.pin(frame)
		bp.recordHit(frame)
		return bp.newGuard(pageID, frame), nil
	}

	bp.misses.Add(1)
	bp.metrics.MissesCounter.Add(context.Background(), 1)
	frame, err := bp.load(pageID, false)
	if err != nil {
		return nil, err
	}
	return bp.newGuard(pageID, frame), nil
}

// NewPage allocates a page on disk and installs it, zeroed and dirty, in a
// pinned frame.
func (bp *BufferPool) NewPage() (pagemanager.PageID, *PageGuard, error) {
	if err := bp.usable(); err != nil {
		return pagemanager.InvalidPageID, nil, err
	}

	pageID, err := bp.disk.NewPage()
	if err != nil {
		return pagemanager.InvalidPageID, nil, err
	}

	bp.directoryMu.Lock()
	defer bp.directoryMu.Unlock()

	// The id was freed on disk behind the pool's back while a stale copy
	// stayed resident. Reuse that frame.
	if frame, ok := bp.directory[pageID]; ok {
		bp.pin(frame)
		bp.strategyMu.Lock()
		bp.drainAccessesLocked()
		bp.strategy.UpdateEntry(frame)
		bp.strategyMu.Unlock()
		bp.resetResident(frame)
		return pageID, bp.newGuard(pageID, frame), nil
	}

	frame, err := bp.load(pageID, true)
	if err != nil {
		if derr := bp.disk.DeletePage(pageID); derr != nil {
			bp.logger.Error("Failed to roll back page allocation",
				zap.Uint32("page_id", uint32(pageID)), zap.Error(derr))
			err = errors.Join(err, derr)
		}
		return pagemanager.InvalidPageID, nil, err
	}
	return pageID, bp.newGuard(pageID, frame), nil
}

func (bp *BufferPool) resetResident(frame pagemanager.FrameID) {
	f := bp.frames[frame]
	f.Lock()
	f.Reset()
	bp.dirtyMu.Lock()
	bp.dirty.Set(int(frame))
	bp.dirtyMu.Unlock()
	f.Unlock()
}

// load claims a frame for pageID and pins it. fresh skips the disk read and
// installs a zeroed, dirty page. The caller holds the directory lock
// exclusively.
func (bp *BufferPool) load(pageID pagemanager.PageID, fresh bool) (frame pagemanager.FrameID, err error) {
	defer bp.state.Trap("bufferpool.load")

	ctx, span := bp.tracer.Start(context.Background(), "bufferpool.load",
		trace.WithAttributes(
			attribute.Int64("page_id", int64(pageID)),
			attribute.Bool("fresh", fresh),
		))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		bp.metrics.LoadLatencyHisto.Record(ctx, time.Since(start).Microseconds())
	}()

	bp.strategyMu.Lock()
	defer bp.strategyMu.Unlock()
	bp.drainAccessesLocked()

	frame, err = bp.strategy.FindVictim(bp.evictable)
	if err != nil {
		bp.metrics.EvictionFailures.Add(ctx, 1)
		bp.logger.Warn("No evictable frame", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return pagemanager.InvalidFrameID, err
	}

	f := bp.frames[frame]
	f.Lock()
	defer f.Unlock()

	if err := bp.evictLocked(ctx, frame); err != nil {
		// The old page stays resident and dirty.
		bp.strategy.UpdateEntry(frame)
		bp.metrics.EvictionFailures.Add(ctx, 1)
		return pagemanager.InvalidFrameID, err
	}

	if fresh {
		f.Reset()
	} else {
		page, err := bp.disk.Read(pageID)
		if err != nil {
			f.Reset()
			bp.strategy.ResetEntry(frame)
			return pagemanager.InvalidFrameID, fmt.Errorf("failed to load page %d: %w", pageID, err)
		}
		*f.Data() = page
	}

	owner := &bp.owners[frame]
	owner.mu.Lock()
	owner.pageID = pageID
	owner.mu.Unlock()

	bp.dirtyMu.Lock()
	if fresh {
		bp.dirty.Set(int(frame))
	} else {
		bp.dirty.Unset(int(frame))
	}
	bp.dirtyMu.Unlock()

	bp.directory[pageID] = frame
	bp.pin(frame)
	bp.strategy.UpdateEntry(frame)
	return frame, nil
}

// evictLocked writes back and unmaps whatever page frame holds. On a failed
// write-back nothing changes. The caller holds the directory, strategy and
// frame locks.
func (bp *BufferPool) evictLocked(ctx context.Context, frame pagemanager.FrameID) error {
	owner := &bp.owners[frame]
	owner.mu.Lock()
	defer owner.mu.Unlock()

	old := owner.pageID
	if !old.Valid() {
		return nil
	}

	bp.dirtyMu.Lock()
	defer bp.dirtyMu.Unlock()
	if bp.dirty.Check(int(frame)) {
		if err := bp.disk.Write(old, bp.frames[frame].Data()); err != nil {
			bp.logger.Error("Failed to write back victim, eviction aborted",
				zap.Uint32("page_id", uint32(old)),
				zap.Int("frame", int(frame)),
				zap.Error(err))
			return fmt.Errorf("failed to write back page %d: %w", old, err)
		}
		bp.dirty.Unset(int(frame))
		bp.flushes.Add(1)
		bp.metrics.FlushesCounter.Add(ctx, 1)
	}

	delete(bp.directory, old)
	owner.pageID = pagemanager.InvalidPageID
	bp.evictions.Add(1)
	bp.metrics.EvictionsCounter.Add(ctx, 1)
	bp.logger.Debug("Evicted page", zap.Uint32("page_id", uint32(old)), zap.Int("frame", int(frame)))
	return nil
}

func (bp *BufferPool) evictable(frame pagemanager.FrameID) bool {
	return bp.pins[frame].Load() == 0
}

func (bp *BufferPool) pin(frame pagemanager.FrameID) {
	bp.pins[frame].Add(1)
	bp.metrics.PinnedUpDownCounter.Add(context.Background(), 1)
}

func (bp *BufferPool) unpin(frame pagemanager.FrameID) {
	if bp.pins[frame].Add(-1) < 0 {
		panic(fmt.Sprintf("bufferpool: frame %d unpinned more often than pinned", frame))
	}
	bp.metrics.PinnedUpDownCounter.Add(context.Background(), -1)
}

// recordHit queues the access for the strategy. When the queue is full the
// backlog is applied right away.
func (bp *BufferPool) recordHit(frame pagemanager.FrameID) {
	bp.hits.Add(1)
	bp.metrics.HitsCounter.Add(context.Background(), 1)
	select {
	case bp.accesses <- frame:
	default:
		bp.strategyMu.Lock()
		bp.drainAccessesLocked()
		bp.strategy.UpdateEntry(frame)
		bp.strategyMu.Unlock()
	}
}

func (bp *BufferPool) drainAccessesLocked() {
	for {
		select {
		case frame := <-bp.accesses:
			bp.strategy.UpdateEntry(frame)
		default:
			return
		}
	}
}

// DeletePage drops pageID from the pool without writing it back and frees
// it on disk. A pinned page cannot be deleted.
func (bp *BufferPool) DeletePage(pageID pagemanager.PageID) error {
	if err := bp.usable(); err != nil {
		return err
	}

	bp.directoryMu.Lock()
	defer bp.directoryMu.Unlock()

	if frame, ok := bp.directory[pageID]; ok {
		if bp.pins[frame].Load() > 0 {
			return fmt.Errorf("%w: page %d", flushmanager.ErrPagePinned, pageID)
		}
		bp.dropResident(pageID, frame)
	}
	return bp.disk.DeletePage(pageID)
}

func (bp *BufferPool) dropResident(pageID pagemanager.PageID, frame pagemanager.FrameID) {
	bp.strategyMu.Lock()
	defer bp.strategyMu.Unlock()

	f := bp.frames[frame]
	f.Lock()
	defer f.Unlock()

	owner := &bp.owners[frame]
	owner.mu.Lock()
	owner.pageID = pagemanager.InvalidPageID
	owner.mu.Unlock()

	bp.dirtyMu.Lock()
	bp.dirty.Unset(int(frame))
	bp.dirtyMu.Unlock()

	f.Reset()
	delete(bp.directory, pageID)
	bp.strategy.ResetEntry(frame)
}

// FlushPage writes pageID back if it is resident and dirty.
func (bp *BufferPool) FlushPage(pageID pagemanager.PageID) error {
	if err := bp.usable(); err != nil {
		return err
	}

	// Pin instead of holding the directory lock across the frame latch, which
	// an open writer may hold while its owner waits on the directory.
	bp.directoryMu.RLock()
	frame, ok := bp.directory[pageID]
	if ok {
		bp.pin(frame)
	}
	bp.directoryMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotFound, pageID)
	}
	defer bp.unpin(frame)
	return bp.flushFrame(pageID, frame)
}

// flushFrame blocks while a writer is open on the frame.
func (bp *BufferPool) flushFrame(pageID pagemanager.PageID, frame pagemanager.FrameID) error {
	f := bp.frames[frame]
	f.RLock()
	defer f.RUnlock()

	bp.dirtyMu.Lock()
	defer bp.dirtyMu.Unlock()
	if !bp.dirty.Check(int(frame)) {
		return nil
	}
	if err := bp.disk.Write(pageID, f.Data()); err != nil {
		return fmt.Errorf("failed to flush page %d: %w", pageID, err)
	}
	bp.dirty.Unset(int(frame))
	bp.flushes.Add(1)
	bp.metrics.FlushesCounter.Add(context.Background(), 1)
	return nil
}

// FlushAll writes back every dirty resident page and syncs the file.
func (bp *BufferPool) FlushAll() error {
	if err := bp.usable(); err != nil {
		return err
	}
	return bp.flushAll()
}

func (bp *BufferPool) flushAll() error {
	type resident struct {
		pageID pagemanager.PageID
		frame  pagemanager.FrameID
	}
	bp.directoryMu.RLock()
	pinned := make([]resident, 0, len(bp.directory))
	for pageID, frame := range bp.directory {
		bp.pin(frame)
		pinned = append(pinned, resident{pageID, frame})
	}
	bp.directoryMu.RUnlock()

	var errs []error
	for _, r := range pinned {
		if err := bp.flushFrame(r.pageID, r.frame); err != nil {
			errs = append(errs, err)
		}
		bp.unpin(r.frame)
	}

	if err := bp.disk.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats reports counters and the current number of resident and pinned
// frames.
func (bp *BufferPool) Stats() Stats {
	bp.directoryMu.RLock()
	resident := len(bp.directory)
	bp.directoryMu.RUnlock()

	pinned := 0
	for i := range bp.pins {
		if bp.pins[i].Load() > 0 {
			pinned++
		}
	}
	return Stats{
		Hits:      bp.hits.Load(),
		Misses:    bp.misses.Load(),
		Evictions: bp.evictions.Load(),
		Flushes:   bp.flushes.Load(),
		Resident:  resident,
		Pinned:    pinned,
	}
}

// Close flushes every dirty resident page and closes the DiskManager. Guards
// still outstanding must not be written to afterwards.
func (bp *BufferPool) Close() error {
	if !bp.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := bp.state.Err(); err != nil {
		bp.logger.Error("Closing corrupted buffer pool without flushing", zap.Error(err))
	} else if err := bp.flushAll(); err != nil {
		errs = append(errs, err)
	}

	if pinned := bp.Stats().Pinned; pinned > 0 {
		bp.logger.Warn("BufferPool closed with pinned frames", zap.Int("pinned", pinned))
	}
	if err := bp.disk.Close(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		bp.logger.Error("BufferPool closed with errors", zap.Error(err))
	} else {
		bp.logger.Info("BufferPool closed")
	}
	return err
}
