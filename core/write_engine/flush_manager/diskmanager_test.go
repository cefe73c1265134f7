package flushmanager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dsnet/golib/memfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// --- Test Helpers ---

func testConfig(path string) Config {
	cfg := DefaultConfig(path)
	cfg.InitialPages = 8
	cfg.GrowthPages = 8
	return cfg
}

// setupDiskManager opens a DiskManager on a file in a temporary directory.
func setupDiskManager(t *testing.T, cfg Config) (*DiskManager, string) {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "gojodb.db")
	}
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := Open(cfg, logger, nil)
	require.NoError(t, err)
	return dm, cfg.Path
}

func filledPage(b byte) *pagemanager.Page {
	var p pagemanager.Page
	for i := range p {
		p[i] = b
	}
	return &p
}

// faultyFile wraps a memfile and fails writes on demand.
type faultyFile struct {
	*memfile.File
	mu         sync.Mutex
	failWrites bool
}

func (f *faultyFile) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return 0, errors.New("injected write failure")
	}
	return f.File.WriteAt(b, off)
}

// --- Test Cases ---

func TestDiskManager_FormatsNewFile(t *testing.T) {
	dm, path := setupDiskManager(t, testConfig(""))
	defer dm.Close()

	assert.Equal(t, 8, dm.Capacity())
	assert.Equal(t, 0, dm.Used())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64((pagemanager.ReservedHeaderPages+8)*pagemanager.PageSize), fi.Size())
}

func TestDiskManager_ReadWriteRoundTrip(t *testing.T) {
	dm, _ := setupDiskManager(t, testConfig(""))
	defer dm.Close()

	id, err := dm.NewPage()
	require.NoError(t, err)
	require.NoError(t, dm.Write(id, filledPage(0xAB)))

	got, err := dm.Read(id)
	require.NoError(t, err)
	assert.Equal(t, *filledPage(0xAB), got)

	stats := dm.Stats()
	assert.Equal(t, uint64(1), stats.Reads)
	assert.Equal(t, uint64(1), stats.Writes)
}

func TestDiskManager_ReadPastCapacity(t *testing.T) {
	dm, _ := setupDiskManager(t, testConfig(""))
	defer dm.Close()

	_, err := dm.Read(pagemanager.PageID(8))
	require.ErrorIs(t, err, ErrPageOutOfRange)
	require.ErrorIs(t, dm.Write(pagemanager.PageID(100), filledPage(1)), ErrPageOutOfRange)
}

func TestDiskManager_NewPageLowestFree(t *testing.T) {
	dm, _ := setupDiskManager(t, testConfig(""))
	defer dm.Close()

	for want := 0; want < 4; want++ {
		id, err := dm.NewPage()
		require.NoError(t, err)
		require.Equal(t, pagemanager.PageID(want), id)
	}
	require.NoError(t, dm.DeletePage(1))
	assert.False(t, dm.IsAllocated(1))

	id, err := dm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(1), id, "freed page is reused first")
	assert.Equal(t, 4, dm.Used())
}

func TestDiskManager_GrowsThenExhausts(t *testing.T) {
	cfg := testConfig("")
	cfg.InitialPages = 4
	cfg.GrowthPages = 3
	cfg.MaxPages = 10
	dm, path := setupDiskManager(t, cfg)
	defer dm.Close()

	ids := mapset.NewSet[pagemanager.PageID]()
	for i := 0; i < 10; i++ {
		id, err := dm.NewPage()
		require.NoError(t, err, "allocation %d", i)
		require.True(t, ids.Add(id), "duplicate id %d", id)
	}
	assert.Equal(t, 10, dm.Capacity())
	assert.Equal(t, uint64(2), dm.Stats().Growths) // 4 -> 7 -> 10

	_, err := dm.NewPage()
	require.ErrorIs(t, err, ErrOutOfSpace)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64((pagemanager.ReservedHeaderPages+10)*pagemanager.PageSize), fi.Size())

	// Space freed after exhaustion is allocatable again.
	require.NoError(t, dm.DeletePage(5))
	id, err := dm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(5), id)
}

func TestDiskManager_GrowthKeepsExistingData(t *testing.T) {
	cfg := testConfig("")
	cfg.InitialPages = 2
	cfg.GrowthPages = 2
	dm, _ := setupDiskManager(t, cfg)
	defer dm.Close()

	first, err := dm.NewPage()
	require.NoError(t, err)
	require.NoError(t, dm.Write(first, filledPage(0x11)))
	for i := 0; i < 3; i++ {
		_, err := dm.NewPage()
		require.NoError(t, err)
	}
	require.Equal(t, 4, dm.Capacity())

	got, err := dm.Read(first)
	require.NoError(t, err)
	assert.Equal(t, *filledPage(0x11), got)

	grown, err := dm.Read(pagemanager.PageID(3))
	require.NoError(t, err)
	assert.Equal(t, pagemanager.Page{}, grown, "appended pages are zero filled")
}

func TestDiskManager_DeleteUnallocated(t *testing.T) {
	dm, _ := setupDiskManager(t, testConfig(""))
	defer dm.Close()

	require.ErrorIs(t, dm.DeletePage(2), ErrPageNotAllocated)
	require.ErrorIs(t, dm.DeletePage(200), ErrPageOutOfRange)
}

// TestDiskManager_PersistenceAcrossReopen allocates K pages, deletes one,
// reopens the file and checks the bitmap matches bit for bit.
func TestDiskManager_PersistenceAcrossReopen(t *testing.T) {
	cfg := testConfig("")
	cfg.InitialPages = 4
	cfg.GrowthPages = 4
	dm, path := setupDiskManager(t, cfg)

	const k = 11
	for i := 0; i < k; i++ {
		_, err := dm.NewPage()
		require.NoError(t, err)
	}
	require.NoError(t, dm.DeletePage(6))
	require.NoError(t, dm.Write(3, filledPage(0x33)))

	before := make([]bool, dm.Capacity())
	for i := range before {
		before[i] = dm.IsAllocated(pagemanager.PageID(i))
	}
	capacity := dm.Capacity()
	require.NoError(t, dm.Close())

	cfg.Path = path
	reopened, _ := setupDiskManager(t, cfg)
	defer reopened.Close()

	assert.Equal(t, capacity, reopened.Capacity())
	assert.Equal(t, k-1, reopened.Used())
	for i, want := range before {
		assert.Equal(t, want, reopened.IsAllocated(pagemanager.PageID(i)), "page %d", i)
	}
	got, err := reopened.Read(3)
	require.NoError(t, err)
	assert.Equal(t, *filledPage(0x33), got)
}

func TestDiskManager_HeaderLayout(t *testing.T) {
	dm, path := setupDiskManager(t, testConfig(""))
	for i := 0; i < 3; i++ {
		_, err := dm.NewPage()
		require.NoError(t, err)
	}
	require.NoError(t, dm.DeletePage(1))
	require.NoError(t, dm.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0}, raw[0:2], "capacity, little endian")
	assert.Equal(t, []byte{2, 0}, raw[2:4], "used, little endian")
	assert.Equal(t, byte(0b101), raw[4], "bitmap, low bit first")
}

func TestDiskManager_OpensPreZeroedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zeroed.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 8*pagemanager.PageSize), 0644))

	cfg := testConfig(path)
	cfg.Create = false
	dm, _ := setupDiskManager(t, cfg)
	defer dm.Close()
	assert.Equal(t, cfg.InitialPages, dm.Capacity())
}

func TestDiskManager_RejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0644))

	_, err := Open(testConfig(path), nil, nil)
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestDiskManager_MissingFileWithoutCreate(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "absent.db"))
	cfg.Create = false
	_, err := Open(cfg, nil, nil)
	require.ErrorIs(t, err, ErrDBFileNotFound)
}

func TestDiskManager_InvalidConfig(t *testing.T) {
	cfg := testConfig("x.db")
	cfg.MaxPages = HardMaxPages + 1
	_, err := Open(cfg, nil, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDiskManager_InMemoryBackend(t *testing.T) {
	cfg := testConfig("")
	cfg.InMemory = true
	dm, err := Open(cfg, nil, nil)
	require.NoError(t, err)

	id, err := dm.NewPage()
	require.NoError(t, err)
	require.NoError(t, dm.Write(id, filledPage(7)))
	got, err := dm.Read(id)
	require.NoError(t, err)
	assert.Equal(t, *filledPage(7), got)
	require.NoError(t, dm.Close())
}

func TestDiskManager_WriteFailureIsIOError(t *testing.T) {
	f := &faultyFile{File: memfile.New(nil)}
	dm, err := NewDiskManagerFromFile(f, testConfig(""), nil, nil)
	require.NoError(t, err)

	f.mu.Lock()
	f.failWrites = true
	f.mu.Unlock()
	err = dm.Write(0, filledPage(1))
	require.ErrorIs(t, err, ErrIO)

	// Growth failure leaves the allocator usable.
	for i := 0; i < 8; i++ {
		_, err := dm.NewPage()
		require.NoError(t, err)
	}
	_, err = dm.NewPage()
	require.ErrorIs(t, err, ErrIO)
	assert.Equal(t, 8, dm.Capacity())

	f.mu.Lock()
	f.failWrites = false
	f.mu.Unlock()
	id, err := dm.NewPage()
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(8), id)
}

func TestDiskManager_ClosedRejectsCalls(t *testing.T) {
	dm, _ := setupDiskManager(t, testConfig(""))
	require.NoError(t, dm.Close())
	require.NoError(t, dm.Close(), "second close is a no-op")

	_, err := dm.Read(0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = dm.NewPage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestDiskManager_ConcurrentAllocationsAreDistinct(t *testing.T) {
	cfg := testConfig("")
	cfg.InitialPages = 4
	cfg.GrowthPages = 4
	dm, _ := setupDiskManager(t, cfg)
	defer dm.Close()

	const workers, perWorker = 8, 25
	ids := mapset.NewSet[pagemanager.PageID]() // thread safe
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := dm.NewPage()
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, ids.Add(id), "id %d handed out twice", id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*perWorker, ids.Cardinality())
	assert.Equal(t, workers*perWorker, dm.Used())
}

func TestDiskManager_Snapshot(t *testing.T) {
	dm, _ := setupDiskManager(t, testConfig(""))
	defer dm.Close()

	id, err := dm.NewPage()
	require.NoError(t, err)
	require.NoError(t, dm.Write(id, filledPage(0x5A)))

	dst := filepath.Join(t.TempDir(), "snap.db")
	res, err := dm.Snapshot(context.Background(), dst, 0)
	require.NoError(t, err)
	assert.Equal(t, int64((pagemanager.ReservedHeaderPages+8)*pagemanager.PageSize), res.Bytes)

	cfg := testConfig(dst)
	cfg.Create = false
	copied, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	defer copied.Close()
	assert.True(t, copied.IsAllocated(id))
	got, err := copied.Read(id)
	require.NoError(t, err)
	assert.Equal(t, *filledPage(0x5A), got)
}

func TestStateTracker_TrapLatchesPanic(t *testing.T) {
	var s StateTracker
	require.NoError(t, s.Err())

	func() {
		defer func() { require.NotNil(t, recover()) }()
		func() {
			defer s.Trap("op")
			panic("boom")
		}()
	}()

	err := s.Err()
	require.ErrorIs(t, err, ErrCorruptedState)
	var cse *CorruptedStateError
	require.ErrorAs(t, err, &cse)
	assert.Equal(t, "op", cse.Op)

	s.Fail("later", errors.New("ignored"))
	require.ErrorAs(t, s.Err(), &cse)
	assert.Equal(t, "op", cse.Op, "first corruption wins")
}
