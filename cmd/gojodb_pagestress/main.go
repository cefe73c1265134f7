package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojodb-pagestore/config"
	bufferpool "github.com/sushant-115/gojodb-pagestore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dbPath     = flag.String("db", "", "Database file, overrides storage.path")
	workers    = flag.Int("workers", 0, "Number of workers, overrides stress.workers")
	statsEvery = flag.Duration("stats_interval", 5*time.Second, "How often to log pool statistics")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *workers > 0 {
		cfg.Stress.Workers = *workers
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zlogger.Sync() }()

	runID := uuid.New().String()
	zlogger = zlogger.With(zap.String("run_id", runID))

	if err := run(cfg, zlogger); err != nil {
		zlogger.Error("Stress run failed", zap.Error(err))
		_ = zlogger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	disk, err := flushmanager.Open(cfg.Storage, zlogger, tel)
	if err != nil {
		return fmt.Errorf("failed to open database file: %w", err)
	}
	pool, err := bufferpool.NewBufferPool(cfg.BufferPool, disk, zlogger, tel)
	if err != nil {
		_ = disk.Close()
		return fmt.Errorf("failed to create buffer pool: %w", err)
	}

	zlogger.Info("Starting stress run",
		zap.String("path", cfg.Storage.Path),
		zap.Int("workers", cfg.Stress.Workers),
		zap.Int("ops_per_worker", cfg.Stress.OpsPerWorker),
		zap.Float64("ops_per_second", cfg.Stress.OpsPerSecond),
		zap.Int("capacity", pool.Capacity()),
		zap.String("policy", cfg.BufferPool.Policy))

	limit := rate.Inf
	if cfg.Stress.OpsPerSecond > 0 {
		limit = rate.Limit(cfg.Stress.OpsPerSecond)
	}
	limiter := rate.NewLimiter(limit, cfg.Stress.Workers)

	statsDone := make(chan struct{})
	go logStats(ctx, pool, zlogger, statsDone)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Stress.Workers; w++ {
		wk := &worker{
			id:      uint32(w),
			pool:    pool,
			limiter: limiter,
			logger:  zlogger.With(zap.Int("worker", w)),
			rng:     rand.New(rand.NewPCG(uint64(w), uint64(start.UnixNano()))),
			pages:   make(map[pagemanager.PageID]uint64),
		}
		g.Go(func() error { return wk.run(gctx, cfg.Stress.OpsPerWorker) })
	}
	runErr := g.Wait()
	close(statsDone)
	if errors.Is(runErr, context.Canceled) {
		zlogger.Warn("Stress run interrupted")
		runErr = nil
	}

	stats := pool.Stats()
	zlogger.Info("Stress run finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("hits", stats.Hits),
		zap.Uint64("misses", stats.Misses),
		zap.Uint64("evictions", stats.Evictions),
		zap.Uint64("flushes", stats.Flushes),
		zap.Int("pages_used", disk.Used()),
		zap.Int("capacity_pages", disk.Capacity()))

	errs := []error{runErr}
	if runErr == nil && cfg.Stress.SnapshotPath != "" {
		errs = append(errs, snapshot(context.Background(), pool, disk, cfg.Stress, zlogger))
	}
	errs = append(errs, pool.Close())
	return errors.Join(errs...)
}

func snapshot(ctx context.Context, pool *bufferpool.BufferPool, disk *flushmanager.DiskManager, cfg config.StressConfig, zlogger *zap.Logger) error {
	if err := pool.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush before snapshot: %w", err)
	}
	res, err := disk.Snapshot(ctx, cfg.SnapshotPath, cfg.SnapshotBytesPerSecond)
	if err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	zlogger.Info("Snapshot written",
		zap.String("path", cfg.SnapshotPath),
		zap.Int64("bytes", res.Bytes),
		zap.String("sha256", res.SHA256))
	return nil
}

func logStats(ctx context.Context, pool *bufferpool.BufferPool, zlogger *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(*statsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s := pool.Stats()
			zlogger.Info("Buffer pool stats",
				zap.Uint64("hits", s.Hits),
				zap.Uint64("misses", s.Misses),
				zap.Uint64("evictions", s.Evictions),
				zap.Int("resident", s.Resident),
				zap.Int("pinned", s.Pinned))
		}
	}
}

// worker owns the pages it allocates and remembers the counter it last
// stamped on each, so every re-read can be verified.
type worker struct {
	id      uint32
	pool    *bufferpool.BufferPool
	limiter *rate.Limiter
	logger  *zap.Logger
	rng     *rand.Rand
	pages   map[pagemanager.PageID]uint64
	owned   []pagemanager.PageID
	full    bool // disk is out of space
}

func (w *worker) run(ctx context.Context, ops int) error {
	for i := 0; i < ops; i++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		if w.full && len(w.owned) == 0 {
			break
		}
		var err error
		if !w.full && (len(w.owned) == 0 || w.rng.IntN(4) == 0) {
			err = w.allocate()
		} else {
			err = w.verifyAndBump()
		}
		switch {
		case errors.Is(err, flushmanager.ErrBufferPoolFull):
			// Every frame is pinned by other workers; back off and retry.
			time.Sleep(time.Millisecond)
			i--
		case errors.Is(err, flushmanager.ErrOutOfSpace):
			w.logger.Warn("Database file is full, switching to verification only")
			w.full = true
		case err != nil:
			return err
		}
	}
	w.logger.Debug("Worker finished", zap.Int("pages", len(w.owned)))
	return nil
}

func (w *worker) allocate() error {
	pageID, guard, err := w.pool.NewPage()
	if err != nil {
		return err
	}
	defer guard.Release()
	guard.Modify(func(p *pagemanager.Page) { stamp(p, pageID, w.id, 1) })
	w.pages[pageID] = 1
	w.owned = append(w.owned, pageID)
	return nil
}

func (w *worker) verifyAndBump() error {
	pageID := w.owned[w.rng.IntN(len(w.owned))]
	guard, err := w.pool.GetPage(pageID)
	if err != nil {
		return err
	}
	defer guard.Release()

	want := w.pages[pageID]
	page := guard.Read()
	if err := verify(&page, pageID, w.id, want); err != nil {
		return err
	}
	if w.rng.IntN(2) == 0 {
		guard.Modify(func(p *pagemanager.Page) { stamp(p, pageID, w.id, want+1) })
		w.pages[pageID] = want + 1
	}
	return nil
}

// stamp writes the page id, owner and counter into the header and fills the
// rest with the counter's low byte.
func stamp(p *pagemanager.Page, pageID pagemanager.PageID, owner uint32, counter uint64) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(pageID))
	binary.LittleEndian.PutUint32(p[4:8], owner)
	binary.LittleEndian.PutUint64(p[8:16], counter)
	for i := 16; i < len(p); i++ {
		p[i] = byte(counter)
	}
}

func verify(p *pagemanager.Page, pageID pagemanager.PageID, owner uint32, counter uint64) error {
	gotID := binary.LittleEndian.Uint32(p[0:4])
	gotOwner := binary.LittleEndian.Uint32(p[4:8])
	gotCounter := binary.LittleEndian.Uint64(p[8:16])
	if gotID != uint32(pageID) || gotOwner != owner || gotCounter != counter {
		return fmt.Errorf("page %d corrupted: header (id %d, owner %d, counter %d), want (%d, %d, %d)",
			pageID, gotID, gotOwner, gotCounter, pageID, owner, counter)
	}
	for i := 16; i < len(p); i++ {
		if p[i] != byte(counter) {
			return fmt.Errorf("page %d corrupted at byte %d: got %d, want %d", pageID, i, p[i], byte(counter))
		}
	}
	return nil
}
