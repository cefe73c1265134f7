package flushmanager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagestore/core/storage_engine/bitmap"
	"github.com/sushant-115/gojodb-pagestore/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
	pkglogger "github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
)

// --- DiskManager ---

const (
	// HardMaxPages is the largest capacity the 16-bit header field can record.
	HardMaxPages = math.MaxUint16

	headerBytes     = pagemanager.ReservedHeaderPages * pagemanager.PageSize
	headerMetaBytes = 4 // uint16 capacity + uint16 used
	bitmapBytes     = headerBytes - headerMetaBytes

	DefaultInitialPages = 64
	DefaultGrowthPages  = 64
)

// Config describes the backing file of a DiskManager.
type Config struct {
	// Path of the database file. Ignored when InMemory is set.
	Path string `yaml:"path"`
	// Create allows Open to create a missing file.
	Create bool `yaml:"create"`
	// InitialPages is the allocatable capacity of a freshly formatted file.
	InitialPages int `yaml:"initial_pages"`
	// GrowthPages is how many pages are appended when allocation runs out.
	GrowthPages int `yaml:"growth_pages"`
	// MaxPages caps the capacity; at most HardMaxPages.
	MaxPages int `yaml:"max_pages"`
	// DirectIO opens the file with O_DIRECT.
	DirectIO bool `yaml:"direct_io"`
	// InMemory keeps the whole store in an in-memory file.
	InMemory bool `yaml:"in_memory"`
}

// DefaultConfig returns the configuration for a file at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		Create:       true,
		InitialPages: DefaultInitialPages,
		GrowthPages:  DefaultGrowthPages,
		MaxPages:     HardMaxPages,
	}
}

func (c Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if c.MaxPages <= 0 || c.MaxPages > HardMaxPages {
		return fmt.Errorf("%w: max_pages must be in [1,%d], got %d", ErrInvalidConfig, HardMaxPages, c.MaxPages)
	}
	if c.InitialPages <= 0 || c.InitialPages > c.MaxPages {
		return fmt.Errorf("%w: initial_pages must be in [1,max_pages], got %d", ErrInvalidConfig, c.InitialPages)
	}
	if c.GrowthPages <= 0 {
		return fmt.Errorf("%w: growth_pages must be positive, got %d", ErrInvalidConfig, c.GrowthPages)
	}
	return nil
}

// Stats are cumulative counters since the DiskManager was opened.
type Stats struct {
	Reads       uint64
	Writes      uint64
	Allocations uint64
	Frees       uint64
	Growths     uint64
}

// DiskManager is the durable page store over one random-access file. It owns
// the free-space bitmap and the header metadata.
//
// Lock order: capacityMu, usedMu, bitmapMu, fileMu.
type DiskManager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.DiskMetrics

	capacityMu sync.RWMutex
	capacity   int

	usedMu sync.Mutex
	used   int

	bitmapMu  sync.Mutex
	allocated *bitmap.Bitmap

	fileMu  sync.Mutex
	file    BlockFile
	scratch []byte // page-sized, aligned for O_DIRECT

	state  StateTracker
	closed atomic.Bool

	reads, writes, allocations, frees, growths atomic.Uint64
}

// Open opens or creates the database file described by cfg.
func Open(cfg Config, logger *zap.Logger, tel *telemetry.Telemetry) (*DiskManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	file, err := openBlockFile(cfg)
	if err != nil {
		return nil, err
	}
	dm, err := NewDiskManagerFromFile(file, cfg, logger, tel)
	if err != nil {
		if c, ok := file.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return dm, nil
}

// NewDiskManagerFromFile runs a DiskManager over an already open file. An
// empty file, or one whose header records zero capacity, is formatted.
func NewDiskManagerFromFile(file BlockFile, cfg Config, logger *zap.Logger, tel *telemetry.Telemetry) (*DiskManager, error) {
	if cfg.Path == "" {
		cfg.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewDiskMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk metrics: %w", err)
	}

	dm := &DiskManager{
		cfg:     cfg,
		logger:  pkglogger.Component(logger, "disk"),
		metrics: metrics,
		file:    file,
		scratch: directio.AlignedBlock(pagemanager.PageSize),
	}
	if err := dm.load(); err != nil {
		return nil, err
	}
	dm.metrics.AllocatedPagesUpDown.Add(context.Background(), int64(dm.used))
	dm.logger.Info("DiskManager opened",
		zap.String("path", cfg.Path),
		zap.Int("capacity", dm.capacity),
		zap.Int("used", dm.used))
	return dm, nil
}

// load reads the header, or formats the file if it has never been used.
// Runs before the DiskManager is shared, so no locks are taken.
func (dm *DiskManager) load() error {
	size, err := fileSize(dm.file)
	if err != nil {
		return fmt.Errorf("%w: getting file size: %v", ErrIO, err)
	}
	if size == 0 {
		return dm.format()
	}
	if size < headerBytes {
		return fmt.Errorf("%w: file is %d bytes, smaller than the %d byte header", ErrInvalidHeader, size, headerBytes)
	}

	header := make([]byte, headerBytes)
	for p := 0; p < pagemanager.ReservedHeaderPages; p++ {
		off := int64(p) * pagemanager.PageSize
		if err := readFull(dm.file, dm.scratch, off); err != nil {
			return fmt.Errorf("%w: reading header page %d: %v", ErrIO, p, err)
		}
		copy(header[off:], dm.scratch)
	}

	capacity := int(binary.LittleEndian.Uint16(header[0:2]))
	used := int(binary.LittleEndian.Uint16(header[2:4]))
	if capacity == 0 {
		// Pre-zeroed file: nothing was ever allocated.
		return dm.format()
	}
	if want := pagemanager.PageID(capacity).Offset(); size < want {
		return fmt.Errorf("%w: header records %d pages but file holds only %d bytes", ErrInvalidHeader, capacity, size)
	}

	dm.capacity = capacity
	dm.allocated = bitmap.FromBytes(capacity, header[headerMetaBytes:])
	dm.used = dm.allocated.Count()
	if dm.used != used {
		dm.logger.Warn("Header used-count disagrees with bitmap, trusting bitmap",
			zap.Int("header_used", used), zap.Int("bitmap_used", dm.used))
	}
	if capacity > dm.cfg.MaxPages {
		dm.logger.Warn("File capacity exceeds configured max_pages, growth disabled",
			zap.Int("capacity", capacity), zap.Int("max_pages", dm.cfg.MaxPages))
	}
	return nil
}

func (dm *DiskManager) format() error {
	dm.capacity = dm.cfg.InitialPages
	dm.used = 0
	dm.allocated = bitmap.New(dm.capacity)

	clear(dm.scratch)
	for p := 0; p < pagemanager.ReservedHeaderPages; p++ {
		if err := writeFull(dm.file, dm.scratch, int64(p)*pagemanager.PageSize); err != nil {
			return fmt.Errorf("%w: writing header page %d: %v", ErrIO, p, err)
		}
	}
	if err := dm.extendLocked(0, dm.capacity); err != nil {
		return err
	}
	if err := dm.persistLocked(); err != nil {
		return fmt.Errorf("failed to write initial header: %w", err)
	}
	dm.logger.Info("Formatted new database file", zap.Int("capacity", dm.capacity))
	return nil
}

func (dm *DiskManager) usable() error {
	if dm.closed.Load() {
		return ErrClosed
	}
	return dm.state.Err()
}

// Read returns a copy of the page stored under pageID.
func (dm *DiskManager) Read(pageID pagemanager.PageID) (pagemanager.Page, error) {
	var page pagemanager.Page
	if err := dm.usable(); err != nil {
		return page, err
	}
	if err := dm.checkRange(pageID); err != nil {
		return page, err
	}

	dm.fileMu.Lock()
	defer dm.fileMu.Unlock()
	if err := readFull(dm.file, dm.scratch, pageID.Offset()); err != nil {
		return page, fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	copy(page[:], dm.scratch)
	dm.reads.Add(1)
	dm.metrics.ReadsCounter.Add(context.Background(), 1)
	return page, nil
}

// Write overwrites the page stored under pageID.
func (dm *DiskManager) Write(pageID pagemanager.PageID, page *pagemanager.Page) error {
	if err := dm.usable(); err != nil {
		return err
	}
	if err := dm.checkRange(pageID); err != nil {
		return err
	}

	dm.fileMu.Lock()
	defer dm.fileMu.Unlock()
	copy(dm.scratch, page[:])
	if err := writeFull(dm.file, dm.scratch, pageID.Offset()); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	// Note: We don't Sync() here for every page write. Syncing is handled by Sync, Persist and Close.
	dm.writes.Add(1)
	dm.metrics.WritesCounter.Add(context.Background(), 1)
	return nil
}

func (dm *DiskManager) checkRange(pageID pagemanager.PageID) error {
	dm.capacityMu.RLock()
	capacity := dm.capacity
	dm.capacityMu.RUnlock()
	if int64(pageID) >= int64(capacity) {
		return fmt.Errorf("%w: page %d, capacity %d", ErrPageOutOfRange, pageID, capacity)
	}
	return nil
}

// NewPage allocates the lowest-numbered free page, growing the file if every
// provisioned page is in use. It returns ErrOutOfSpace at the size limit.
func (dm *DiskManager) NewPage() (pagemanager.PageID, error) {
	if err := dm.usable(); err != nil {
		return pagemanager.InvalidPageID, err
	}
	defer dm.state.Trap("NewPage")

	dm.capacityMu.Lock()
	defer dm.capacityMu.Unlock()
	dm.usedMu.Lock()
	defer dm.usedMu.Unlock()
	dm.bitmapMu.Lock()
	defer dm.bitmapMu.Unlock()

	for {
		if idx, ok := dm.allocated.NextClear(0); ok {
			dm.allocated.Set(idx)
			dm.used++
			dm.allocations.Add(1)
			dm.metrics.AllocatedPagesUpDown.Add(context.Background(), 1)
			return pagemanager.PageID(idx), nil
		}
		if err := dm.growLocked(); err != nil {
			return pagemanager.InvalidPageID, err
		}
	}
}

// growLocked appends zeroed pages and extends the bitmap.
// This method MUST be called with capacityMu, usedMu and bitmapMu held.
func (dm *DiskManager) growLocked() error {
	limit := dm.cfg.MaxPages
	if dm.capacity >= limit {
		return fmt.Errorf("%w: capacity %d, used %d", ErrOutOfSpace, dm.capacity, dm.used)
	}
	grown := min(dm.capacity+dm.cfg.GrowthPages, limit)

	dm.fileMu.Lock()
	err := dm.extendLocked(dm.capacity, grown-dm.capacity)
	dm.fileMu.Unlock()
	if err != nil {
		return err
	}

	dm.allocated.Grow(grown)
	dm.logger.Debug("Grew database file", zap.Int("from", dm.capacity), zap.Int("to", grown))
	dm.capacity = grown
	dm.growths.Add(1)
	dm.metrics.GrowthsCounter.Add(context.Background(), 1)
	return nil
}

// extendLocked writes count zeroed data pages starting at page id from.
// This method MUST be called with fileMu held.
func (dm *DiskManager) extendLocked(from, count int) error {
	clear(dm.scratch)
	for i := 0; i < count; i++ {
		id := pagemanager.PageID(from + i)
		if err := writeFull(dm.file, dm.scratch, id.Offset()); err != nil {
			return fmt.Errorf("%w: extending file for page %d: %v", ErrIO, id, err)
		}
	}
	return nil
}

// DeletePage frees pageID for reuse. Its bytes stay on disk until the page is
// handed out again.
func (dm *DiskManager) DeletePage(pageID pagemanager.PageID) error {
	if err := dm.usable(); err != nil {
		return err
	}
	defer dm.state.Trap("DeletePage")

	dm.capacityMu.RLock()
	defer dm.capacityMu.RUnlock()
	dm.usedMu.Lock()
	defer dm.usedMu.Unlock()
	dm.bitmapMu.Lock()
	defer dm.bitmapMu.Unlock()

	if int64(pageID) >= int64(dm.capacity) {
		return fmt.Errorf("%w: page %d, capacity %d", ErrPageOutOfRange, pageID, dm.capacity)
	}
	if !dm.allocated.Check(int(pageID)) {
		return fmt.Errorf("%w: page %d", ErrPageNotAllocated, pageID)
	}
	dm.allocated.Unset(int(pageID))
	dm.used--
	dm.frees.Add(1)
	dm.metrics.AllocatedPagesUpDown.Add(context.Background(), -1)
	return nil
}

// IsAllocated reports whether pageID belongs to a live page.
func (dm *DiskManager) IsAllocated(pageID pagemanager.PageID) bool {
	dm.capacityMu.RLock()
	defer dm.capacityMu.RUnlock()
	dm.bitmapMu.Lock()
	defer dm.bitmapMu.Unlock()
	return int64(pageID) < int64(dm.capacity) && dm.allocated.Check(int(pageID))
}

func (dm *DiskManager) Capacity() int {
	dm.capacityMu.RLock()
	defer dm.capacityMu.RUnlock()
	return dm.capacity
}

func (dm *DiskManager) Used() int {
	dm.usedMu.Lock()
	defer dm.usedMu.Unlock()
	return dm.used
}

func (dm *DiskManager) Stats() Stats {
	return Stats{
		Reads:       dm.reads.Load(),
		Writes:      dm.writes.Load(),
		Allocations: dm.allocations.Load(),
		Frees:       dm.frees.Load(),
		Growths:     dm.growths.Load(),
	}
}

// Persist writes capacity, used-count and the free-space bitmap into the
// header pages and syncs the file.
func (dm *DiskManager) Persist() error {
	if err := dm.usable(); err != nil {
		return err
	}
	return dm.persist()
}

func (dm *DiskManager) persist() error {
	dm.capacityMu.RLock()
	defer dm.capacityMu.RUnlock()
	dm.usedMu.Lock()
	defer dm.usedMu.Unlock()
	dm.bitmapMu.Lock()
	defer dm.bitmapMu.Unlock()
	dm.fileMu.Lock()
	defer dm.fileMu.Unlock()
	return dm.persistLocked()
}

// persistLocked MUST be called with all four locks held (or before the
// DiskManager is shared).
func (dm *DiskManager) persistLocked() error {
	header := make([]byte, headerBytes)
	binary.LittleEndian.PutUint16(header[0:2], uint16(dm.capacity))
	binary.LittleEndian.PutUint16(header[2:4], uint16(dm.used))
	bm := dm.allocated.Bytes()
	if len(bm) > bitmapBytes {
		return fmt.Errorf("%w: bitmap of %d bytes does not fit the header", ErrInvalidHeader, len(bm))
	}
	copy(header[headerMetaBytes:], bm)

	for p := 0; p < pagemanager.ReservedHeaderPages; p++ {
		off := int64(p) * pagemanager.PageSize
		copy(dm.scratch, header[off:off+pagemanager.PageSize])
		if err := writeFull(dm.file, dm.scratch, off); err != nil {
			return fmt.Errorf("%w: writing header page %d: %v", ErrIO, p, err)
		}
	}
	return dm.syncLocked()
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.fileMu.Lock()
	defer dm.fileMu.Unlock()
	return dm.syncLocked()
}

func (dm *DiskManager) syncLocked() error {
	if s, ok := dm.file.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("%w: syncing file: %v", ErrIO, err)
		}
	}
	return nil
}

// Snapshot persists the header and copies the whole file to dstPath at no
// more than bytesPerSec (<= 0 for unlimited). All disk activity waits until
// the copy completes, so the snapshot is self-consistent.
func (dm *DiskManager) Snapshot(ctx context.Context, dstPath string, bytesPerSec int64) (common.CopyResult, error) {
	if err := dm.usable(); err != nil {
		return common.CopyResult{}, err
	}
	dm.capacityMu.RLock()
	defer dm.capacityMu.RUnlock()
	dm.usedMu.Lock()
	defer dm.usedMu.Unlock()
	dm.bitmapMu.Lock()
	defer dm.bitmapMu.Unlock()
	dm.fileMu.Lock()
	defer dm.fileMu.Unlock()

	if err := dm.persistLocked(); err != nil {
		return common.CopyResult{}, err
	}
	size := pagemanager.PageID(dm.capacity).Offset()
	res, err := common.CopyThrottled(ctx, dm.file, size, dstPath, bytesPerSec)
	if err != nil {
		return res, fmt.Errorf("snapshot to %s: %w", dstPath, err)
	}
	dm.metrics.SnapshotBytesCounter.Add(ctx, res.Bytes)
	dm.logger.Info("Snapshot written", zap.String("dst", dstPath), zap.Int64("bytes", res.Bytes), zap.String("sha256", res.SHA256))
	return res, nil
}

// Close persists the header and closes the underlying file handle. It is
// safe to call more than once.
func (dm *DiskManager) Close() error {
	if !dm.closed.CompareAndSwap(false, true) {
		return nil
	}
	// A corrupted in-memory state must not overwrite the last good header.
	persistErr := dm.state.Err()
	if persistErr == nil {
		persistErr = dm.persist()
	}

	dm.fileMu.Lock()
	defer dm.fileMu.Unlock()
	var closeErr error
	if c, ok := dm.file.(io.Closer); ok {
		closeErr = c.Close()
	}
	dm.logger.Info("DiskManager closed", zap.Error(persistErr))
	return errors.Join(persistErr, closeErr)
}
