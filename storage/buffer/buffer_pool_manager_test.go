package buffer

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/disk"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

func TestBinaryData(t *testing.T) {
	poolSize := uint32(10)

	dm := disk.NewDiskManagerTest()
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(poolSize, dm)

	page0 := bpm.NewPage()
	require.NotNil(t, page0)

	// Scenario: The buffer pool is empty. We should be able to create a new
	// page. Page 0 is reserved for the header page, so allocation starts at 1.
	assert.Equal(t, types.PageID(1), page0.GetPageId())

	// Generate random binary data
	randomBinaryData := make([]byte, common.PageSize)
	rand.Read(randomBinaryData)

	// Insert terminal characters both in the middle and at end
	randomBinaryData[common.PageSize/2] = '0'
	randomBinaryData[common.PageSize-1] = '0'

	var fixedRandomBinaryData [common.PageSize]byte
	copy(fixedRandomBinaryData[:], randomBinaryData[:common.PageSize])

	// Scenario: Once we have a page, we should be able to read and write content.
	page0.Copy(0, randomBinaryData)
	assert.Equal(t, fixedRandomBinaryData, *page0.Data())

	// Scenario: We should be able to create new pages until we fill up the buffer pool.
	for i := uint32(1); i < poolSize; i++ {
		p := bpm.NewPage()
		require.NotNil(t, p)
		assert.Equal(t, types.PageID(i+1), p.GetPageId())
	}

	// Scenario: Once the buffer pool is full, we should not be able to create any new pages.
	for i := poolSize; i < poolSize*2; i++ {
		assert.Nil(t, bpm.NewPage())
	}

	// Scenario: After unpinning pages {1, 2, 3, 4, 5} and pinning another 4 new pages,
	// there would still be one buffer frame left for reading page 1.
	for i := 1; i <= 5; i++ {
		assert.True(t, bpm.UnpinPage(types.PageID(i), true))
		bpm.FlushPage(types.PageID(i))
	}
	for i := 0; i < 4; i++ {
		p := bpm.NewPage()
		require.NotNil(t, p)
		bpm.UnpinPage(p.GetPageId(), false)
	}

	// Scenario: We should be able to fetch the data we wrote a while ago.
	page0 = bpm.FetchPage(types.PageID(1))
	require.NotNil(t, page0)
	assert.Equal(t, fixedRandomBinaryData, *page0.Data())
	assert.True(t, bpm.UnpinPage(types.PageID(1), true))
}

func TestSample(t *testing.T) {
	poolSize := uint32(10)

	dm := disk.NewDiskManagerTest()
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(poolSize, dm)

	page0 := bpm.NewPage()
	require.NotNil(t, page0)

	// Scenario: The buffer pool is empty. We should be able to create a new page.
	assert.Equal(t, types.PageID(1), page0.GetPageId())

	// Scenario: Once we have a page, we should be able to read and write content.
	page0.Copy(0, []byte("Hello"))
	assert.Equal(t, [common.PageSize]byte{'H', 'e', 'l', 'l', 'o'}, *page0.Data())

	// Scenario: We should be able to create new pages until we fill up the buffer pool.
	for i := uint32(1); i < poolSize; i++ {
		require.NotNil(t, bpm.NewPage())
	}

	// Scenario: Once the buffer pool is full, we should not be able to create any new pages.
	for i := poolSize; i < poolSize*2; i++ {
		assert.Nil(t, bpm.NewPage())
	}

	// Scenario: After unpinning pages {1, 2, 3, 4, 5} we should be able to create 4 new pages.
	for i := 1; i <= 5; i++ {
		assert.True(t, bpm.UnpinPage(types.PageID(i), true))
		bpm.FlushPage(types.PageID(i))
	}
	for i := 0; i < 4; i++ {
		require.NotNil(t, bpm.NewPage())
	}

	// Scenario: We should be able to fetch the data we wrote a while ago.
	page0 = bpm.FetchPage(types.PageID(1))
	require.NotNil(t, page0)
	assert.Equal(t, [common.PageSize]byte{'H', 'e', 'l', 'l', 'o'}, *page0.Data())

	// Scenario: If we unpin page 1 and then make a new page, all the buffer
	// pages should now be pinned. Fetching page 1 again should fail.
	assert.True(t, bpm.UnpinPage(types.PageID(1), true))
	require.NotNil(t, bpm.NewPage())
	assert.Nil(t, bpm.NewPage())
	assert.Nil(t, bpm.FetchPage(types.PageID(1)))
}

func TestUnpinSemantics(t *testing.T) {
	dm := disk.NewVirtualDiskManagerImpl("unpin_semantics.db")
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(3, dm)

	pg := bpm.NewPage()
	require.NotNil(t, pg)
	pageID := pg.GetPageId()

	// Scenario: unpinning a page that is not resident is an idempotent no-op.
	assert.True(t, bpm.UnpinPage(types.PageID(9999), false))

	// Scenario: unpinning below zero fails.
	assert.True(t, bpm.UnpinPage(pageID, false))
	assert.False(t, bpm.UnpinPage(pageID, false))

	// Scenario: the dirty bit is sticky. A later clean unpin must not clear it.
	pg = bpm.FetchPage(pageID)
	require.NotNil(t, pg)
	assert.True(t, bpm.UnpinPage(pageID, true))
	pg = bpm.FetchPage(pageID)
	require.NotNil(t, pg)
	assert.True(t, bpm.UnpinPage(pageID, false))
	assert.True(t, pg.IsDirty())

	// Scenario: flushing writes the page back and clears the dirty bit.
	assert.True(t, bpm.FlushPage(pageID))
	assert.False(t, pg.IsDirty())

	// Scenario: flushing an unknown page fails.
	assert.False(t, bpm.FlushPage(types.PageID(9999)))
}

func TestDeletePage(t *testing.T) {
	dm := disk.NewVirtualDiskManagerImpl("delete_page.db")
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(3, dm)

	pg := bpm.NewPage()
	require.NotNil(t, pg)
	pageID := pg.GetPageId()

	// Scenario: a pinned page cannot be deleted.
	assert.False(t, bpm.DeletePage(pageID))

	// Scenario: after unpinning, deletion succeeds and the page is gone from
	// disk as well.
	assert.True(t, bpm.UnpinPage(pageID, true))
	assert.True(t, bpm.DeletePage(pageID))
	assert.Nil(t, bpm.FetchPage(pageID))

	// Scenario: deleting a page that is not resident deallocates it on disk
	// and reports success.
	assert.True(t, bpm.DeletePage(types.PageID(500)))
}

func TestFlushAllPages(t *testing.T) {
	dm := disk.NewVirtualDiskManagerImpl("flush_all.db")
	defer dm.ShutDown()
	bpm := NewBufferPoolManager(5, dm)

	pages := make([]*page.Page, 0)
	for i := 0; i < 5; i++ {
		pg := bpm.NewPage()
		require.NotNil(t, pg)
		pg.Copy(0, []byte{byte('a' + i)})
		pages = append(pages, pg)
		assert.True(t, bpm.UnpinPage(pg.GetPageId(), true))
	}

	writesBefore := dm.GetNumWrites()
	bpm.FlushAllPages()
	assert.Equal(t, writesBefore+5, dm.GetNumWrites())

	for _, pg := range pages {
		assert.False(t, pg.IsDirty())
	}
}
