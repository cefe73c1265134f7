package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageID_Offset(t *testing.T) {
	assert.Equal(t, int64(ReservedHeaderPages*PageSize), PageID(0).Offset())
	assert.Equal(t, int64((7+ReservedHeaderPages)*PageSize), PageID(7).Offset())
	assert.False(t, InvalidPageID.Valid())
	assert.True(t, PageID(0).Valid())
}

func TestFrame_SnapshotIsCopy(t *testing.T) {
	f := NewFrame()
	f.Lock()
	f.Data()[0] = 42
	f.Unlock()

	snap := f.Snapshot()
	snap[0] = 7
	assert.Equal(t, byte(42), f.Snapshot()[0])

	f.Lock()
	f.Reset()
	f.Unlock()
	assert.Equal(t, Page{}, f.Snapshot())
}
