package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	HitsCounter         metric.Int64Counter
	MissesCounter       metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	FlushesCounter      metric.Int64Counter
	EvictionFailures    metric.Int64Counter
	PinnedUpDownCounter metric.Int64UpDownCounter
	LoadLatencyHisto    metric.Int64Histogram
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"gojodb.bufferpool.hits_total",
		metric.WithDescription("Page requests served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"gojodb.bufferpool.misses_total",
		metric.WithDescription("Page requests that had to load from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"gojodb.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed from a resident page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"gojodb.bufferpool.flushes_total",
		metric.WithDescription("Dirty frames written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionFailures, err := meter.Int64Counter(
		"gojodb.bufferpool.eviction_failures_total",
		metric.WithDescription("Eviction attempts aborted because no frame was evictable or the flush failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"gojodb.bufferpool.pinned_guards",
		metric.WithDescription("Number of outstanding page guards."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	loadLatency, err := meter.Int64Histogram(
		"gojodb.bufferpool.load_duration",
		metric.WithDescription("Latency of the miss path, victim selection through page load."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:         hits,
		MissesCounter:       misses,
		EvictionsCounter:    evictions,
		FlushesCounter:      flushes,
		EvictionFailures:    evictionFailures,
		PinnedUpDownCounter: pinned,
		LoadLatencyHisto:    loadLatency,
	}, nil
}

// DiskMetrics holds the metric instruments for the disk manager.
type DiskMetrics struct {
	ReadsCounter         metric.Int64Counter
	WritesCounter        metric.Int64Counter
	GrowthsCounter       metric.Int64Counter
	AllocatedPagesUpDown metric.Int64UpDownCounter
	SnapshotBytesCounter metric.Int64Counter
}

// NewDiskMetrics creates and registers all the metrics for the disk manager.
func NewDiskMetrics(meter metric.Meter) (*DiskMetrics, error) {
	reads, err := meter.Int64Counter(
		"gojodb.disk.page_reads_total",
		metric.WithDescription("Pages read from the backing file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writes, err := meter.Int64Counter(
		"gojodb.disk.page_writes_total",
		metric.WithDescription("Pages written to the backing file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	growths, err := meter.Int64Counter(
		"gojodb.disk.growths_total",
		metric.WithDescription("Times the backing file was extended."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	allocated, err := meter.Int64UpDownCounter(
		"gojodb.disk.allocated_pages",
		metric.WithDescription("Pages currently allocated."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	snapshotBytes, err := meter.Int64Counter(
		"gojodb.disk.snapshot_bytes_total",
		metric.WithDescription("Bytes copied by file snapshots."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &DiskMetrics{
		ReadsCounter:         reads,
		WritesCounter:        writes,
		GrowthsCounter:       growths,
		AllocatedPagesUpDown: allocated,
		SnapshotBytesCounter: snapshotBytes,
	}, nil
}
