package main

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/dsnet/golib/memfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	bufferpool "github.com/sushant-115/gojodb-pagestore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

func TestStampVerify(t *testing.T) {
	var p pagemanager.Page
	stamp(&p, 7, 3, 300)
	require.NoError(t, verify(&p, 7, 3, 300))

	assert.Error(t, verify(&p, 7, 3, 301))
	assert.Error(t, verify(&p, 8, 3, 300))
	p[4000]++
	assert.Error(t, verify(&p, 7, 3, 300))
}

func TestWorker_RunsAgainstSmallPool(t *testing.T) {
	cfg := flushmanager.DefaultConfig("")
	cfg.InitialPages = 4
	cfg.GrowthPages = 4
	cfg.MaxPages = 12
	disk, err := flushmanager.NewDiskManagerFromFile(memfile.New(nil), cfg, nil, nil)
	require.NoError(t, err)
	poolCfg := bufferpool.DefaultConfig()
	poolCfg.Capacity = 3
	pool, err := bufferpool.NewBufferPool(poolCfg, disk, nil, nil)
	require.NoError(t, err)
	defer pool.Close()

	w := &worker{
		pool:    pool,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  zap.NewNop(),
		rng:     rand.New(rand.NewPCG(1, 2)),
		pages:   make(map[pagemanager.PageID]uint64),
	}
	require.NoError(t, w.run(context.Background(), 500))
	assert.True(t, w.full, "the disk limit is reached within 500 ops")
	assert.Len(t, w.owned, 12)
	assert.Positive(t, pool.Stats().Evictions)
}
