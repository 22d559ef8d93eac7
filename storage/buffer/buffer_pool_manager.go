package buffer

import (
	"github.com/ncw/directio"
	"github.com/sasha-s/go-deadlock"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/disk"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

// BufferPoolManager brokers all access to disk resident pages through a fixed
// array of frames. Structural state (page table, free list, per frame
// metadata) is serialized by a single latch; page bytes are accessed by
// callers under the per page latch, outside the pool latch.
type BufferPoolManager struct {
	diskManager disk.DiskManager
	pages       []*page.Page // index is FrameID
	replacer    *LRUReplacer
	freeList    []FrameID
	pageTable   map[types.PageID]FrameID
	mutex       deadlock.Mutex
}

// FetchPage fetches the requested page from the buffer pool.
func (b *BufferPoolManager) FetchPage(pageID types.PageID) *page.Page {
	b.mutex.Lock()
	if !pageID.IsValid() {
		b.mutex.Unlock()
		return nil
	}

	// if it is on buffer pool return it
	if frameID, ok := b.pageTable[pageID]; ok {
		pg := b.pages[frameID]
		pg.IncPinCount()
		b.replacer.Pin(frameID)
		b.mutex.Unlock()
		if common.EnableDebug {
			common.ShPrintf(common.DEBUG_INFO, "FetchPage: PageId=%d PinCount=%d\n", pg.GetPageId(), pg.PinCount())
		}
		return pg
	}

	// get a frame from the free list or from the replacer
	frameID, isFromFreeList := b.getFrameID()
	if frameID == nil {
		b.mutex.Unlock()
		return nil
	}

	if !isFromFreeList {
		// cache out the page currently on the victim frame
		currentPage := b.pages[*frameID]
		if currentPage != nil {
			if currentPage.IsDirty() {
				data := currentPage.Data()
				b.diskManager.WritePage(currentPage.GetPageId(), data[:])
			}
			delete(b.pageTable, currentPage.GetPageId())
		}
	}

	data := directio.AlignedBlock(common.PageSize)
	err := b.diskManager.ReadPage(pageID, data)
	if err != nil {
		// frame stays usable for the next caller
		b.freeList = append(b.freeList, *frameID)
		b.mutex.Unlock()
		if err != types.DeallocatedPageErr {
			common.ShPrintf(common.ERROR, "FetchPage: ReadPage failed: %v\n", err)
		}
		return nil
	}
	pageData := (*[common.PageSize]byte)(data)
	pg := page.New(pageID, false, pageData)

	b.pageTable[pageID] = *frameID
	b.pages[*frameID] = pg
	b.mutex.Unlock()

	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "FetchPage: PageId=%d PinCount=%d\n", pg.GetPageId(), pg.PinCount())
	}
	return pg
}

// UnpinPage unpins the target page from the buffer pool. The dirty flag is
// ORed in and stays set until the page is flushed. Unpinning a page that is
// not resident is a no-op returning true; unpinning below zero returns false.
func (b *BufferPoolManager) UnpinPage(pageID types.PageID, isDirty bool) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return true
	}

	pg := b.pages[frameID]
	if isDirty {
		pg.SetIsDirty(true)
	}
	if pg.PinCount() <= 0 {
		return false
	}
	pg.DecPinCount()
	if pg.PinCount() == 0 {
		b.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage flushes the target page to disk and clears its dirty bit.
func (b *BufferPoolManager) FlushPage(pageID types.PageID) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	pg := b.pages[frameID]
	if pg.IsDirty() {
		data := pg.Data()
		b.diskManager.WritePage(pageID, data[:])
		pg.SetIsDirty(false)
	}
	return true
}

// NewPage allocates a new page in the buffer pool with the disk manager's help
func (b *BufferPoolManager) NewPage() *page.Page {
	b.mutex.Lock()

	frameID, isFromFreeList := b.getFrameID()
	if frameID == nil {
		b.mutex.Unlock()
		return nil // the buffer is full and has no evictable frame
	}

	if !isFromFreeList {
		currentPage := b.pages[*frameID]
		if currentPage != nil {
			if currentPage.IsDirty() {
				data := currentPage.Data()
				b.diskManager.WritePage(currentPage.GetPageId(), data[:])
			}
			delete(b.pageTable, currentPage.GetPageId())
		}
	}

	pageID := b.diskManager.AllocatePage()
	pg := page.NewEmpty(pageID)

	b.pageTable[pageID] = *frameID
	b.pages[*frameID] = pg
	b.mutex.Unlock()

	if common.EnableDebug {
		common.ShPrintf(common.DEBUG_INFO, "NewPage: PageId=%d\n", pg.GetPageId())
	}
	return pg
}

// DeletePage deletes a page from the buffer pool and deallocates it on disk.
// Returns false when the page is still pinned.
func (b *BufferPoolManager) DeletePage(pageID types.PageID) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		b.diskManager.DeallocatePage(pageID)
		return true
	}

	pg := b.pages[frameID]
	if pg.PinCount() > 0 {
		return false
	}
	delete(b.pageTable, pageID)
	b.replacer.Pin(frameID)
	b.pages[frameID] = nil
	b.freeList = append(b.freeList, frameID)
	b.diskManager.DeallocatePage(pageID)
	return true
}

// FlushAllPages flushes all the dirty pages in the buffer pool to disk
func (b *BufferPoolManager) FlushAllPages() {
	b.mutex.Lock()
	pageIDs := make([]types.PageID, 0, len(b.pageTable))
	for pageID := range b.pageTable {
		pageIDs = append(pageIDs, pageID)
	}
	b.mutex.Unlock()

	for _, pageID := range pageIDs {
		b.FlushPage(pageID)
	}
}

// GetPoolSize returns the number of frames of the buffer pool
func (b *BufferPoolManager) GetPoolSize() uint32 {
	return uint32(len(b.pages))
}

func (b *BufferPoolManager) getFrameID() (*FrameID, bool) {
	if len(b.freeList) > 0 {
		frameID, newFreeList := b.freeList[0], b.freeList[1:]
		b.freeList = newFreeList

		return &frameID, true
	}

	return b.replacer.Victim(), false
}

// NewBufferPoolManager returns an empty buffer pool manager of poolSize frames
func NewBufferPoolManager(poolSize uint32, diskManager disk.DiskManager) *BufferPoolManager {
	freeList := make([]FrameID, poolSize)
	pages := make([]*page.Page, poolSize)
	for i := uint32(0); i < poolSize; i++ {
		freeList[i] = FrameID(i)
		pages[i] = nil
	}

	replacer := NewLRUReplacer(poolSize)
	return &BufferPoolManager{diskManager, pages, replacer, freeList, make(map[types.PageID]FrameID), deadlock.Mutex{}}
}
