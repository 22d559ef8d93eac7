package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/types"
)

func TestReadWritePage(t *testing.T) {
	dm := NewDiskManagerTest()
	defer dm.ShutDown()

	data := make([]byte, common.PageSize)
	buf := make([]byte, common.PageSize)
	copy(data, "A test string.")

	// Scenario: reading a page that was never written behaves as reading a
	// zero-filled page.
	require.NoError(t, dm.ReadPage(0, buf))
	assert.Equal(t, make([]byte, common.PageSize), buf)

	require.NoError(t, dm.WritePage(0, data))
	require.NoError(t, dm.ReadPage(0, buf))
	assert.Equal(t, data, buf)

	// Scenario: pages land at independent offsets.
	copy(data, "Another test string.")
	require.NoError(t, dm.WritePage(5, data))
	require.NoError(t, dm.ReadPage(5, buf))
	assert.Equal(t, data, buf)
	assert.GreaterOrEqual(t, dm.Size(), int64(6*common.PageSize))
}

func TestAllocatePageSkipsHeaderPage(t *testing.T) {
	dm := NewDiskManagerTest()
	defer dm.ShutDown()

	// page 0 is reserved for the header page
	assert.Equal(t, types.PageID(1), dm.AllocatePage())
	assert.Equal(t, types.PageID(2), dm.AllocatePage())
}

func TestVirtualDiskManager(t *testing.T) {
	dm := NewVirtualDiskManagerImpl("virtual_dm_test.db")
	defer dm.ShutDown()

	data := make([]byte, common.PageSize)
	buf := make([]byte, common.PageSize)
	copy(data, "in memory page")

	pageID := dm.AllocatePage()
	require.NoError(t, dm.WritePage(pageID, data))
	require.NoError(t, dm.ReadPage(pageID, buf))
	assert.Equal(t, data, buf)

	// Scenario: reading a deallocated page reports the dedicated error.
	dm.DeallocatePage(pageID)
	assert.Equal(t, types.DeallocatedPageErr, dm.ReadPage(pageID, buf))

	// Scenario: the deallocated page's file space is reused by the next
	// allocation.
	reused := dm.AllocatePage()
	require.NoError(t, dm.WritePage(reused, data))
	require.NoError(t, dm.ReadPage(reused, buf))
	assert.Equal(t, data, buf)
}
