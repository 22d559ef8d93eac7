package index

import (
	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/buffer"
	"github.com/kujiradb/kujiradb/storage/index/index_common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/storage/page/index_page"
	"github.com/kujiradb/kujiradb/types"
)

// IndexIterator walks leaf entries in ascending key order, following the
// next-leaf links. The current leaf stays pinned (not latched) between
// calls; Close releases the last pin.
type IndexIterator struct {
	bpm     *buffer.BufferPoolManager
	curPage *page.Page
	curNode *index_page.BPlusTreeLeafPage
	index   int32
}

func newIndexIterator(bpm *buffer.BufferPoolManager, leafPage *page.Page, index int32) *IndexIterator {
	it := &IndexIterator{bpm, leafPage, nil, index}
	if leafPage != nil {
		it.curNode = index_page.CastPageAsLeafPage(leafPage)
		// a start position past the last entry of a leaf belongs to the
		// next leaf
		it.skipToNextLeafIfNeeded()
	}
	return it
}

func (it *IndexIterator) skipToNextLeafIfNeeded() {
	for it.index >= it.curNode.GetSize() {
		nextPageId := it.curNode.GetNextPageId()
		if nextPageId == types.InvalidPageID {
			return
		}
		nextPage := it.bpm.FetchPage(nextPageId)
		common.SH_Assert(nextPage != nil, "IndexIterator: failed to fetch next leaf page")
		it.bpm.UnpinPage(it.curPage.GetPageId(), false)
		it.curPage = nextPage
		it.curNode = index_page.CastPageAsLeafPage(nextPage)
		it.index = 0
	}
}

// IsEnd decides whether the iterator moved past the last entry
func (it *IndexIterator) IsEnd() bool {
	if it.curPage == nil {
		return true
	}
	return it.curNode.GetNextPageId() == types.InvalidPageID && it.index >= it.curNode.GetSize()
}

// Current returns the entry the iterator points at
func (it *IndexIterator) Current() (index_common.GenericKey, page.RID) {
	return it.curNode.GetItem(it.index)
}

// Next advances the iterator by one entry
func (it *IndexIterator) Next() {
	it.index++
	it.skipToNextLeafIfNeeded()
}

// Close unpins the leaf the iterator still holds
func (it *IndexIterator) Close() {
	if it.curPage != nil {
		it.bpm.UnpinPage(it.curPage.GetPageId(), false)
		it.curPage = nil
		it.curNode = nil
	}
}

// Begin returns an iterator positioned at the smallest key
func (t *BPlusTree) Begin() *IndexIterator {
	t.latch.Lock()
	if t.rootPageId == types.InvalidPageID {
		t.latch.Unlock()
		return newIndexIterator(t.bpm, nil, 0)
	}
	leafPage := t.findLeafPage(index_common.GenericKey{}, true)
	if leafPage == nil {
		return newIndexIterator(t.bpm, nil, 0)
	}
	leafPage.RUnlatch()
	return newIndexIterator(t.bpm, leafPage, 0)
}

// BeginWithKey returns an iterator positioned at the first entry whose key
// is >= key
func (t *BPlusTree) BeginWithKey(key index_common.GenericKey) *IndexIterator {
	t.latch.Lock()
	if t.rootPageId == types.InvalidPageID {
		t.latch.Unlock()
		return newIndexIterator(t.bpm, nil, 0)
	}
	leafPage := t.findLeafPage(key, false)
	if leafPage == nil {
		return newIndexIterator(t.bpm, nil, 0)
	}
	leaf := index_page.CastPageAsLeafPage(leafPage)
	keyIndex := leaf.KeyIndex(key, t.comparator)
	leafPage.RUnlatch()
	return newIndexIterator(t.bpm, leafPage, keyIndex)
}

// End returns an iterator positioned one past the last entry of the
// rightmost leaf
func (t *BPlusTree) End() *IndexIterator {
	t.latch.Lock()
	if t.rootPageId == types.InvalidPageID {
		t.latch.Unlock()
		return newIndexIterator(t.bpm, nil, 0)
	}
	curPage := t.bpm.FetchPage(t.rootPageId)
	if curPage == nil {
		t.latch.Unlock()
		return newIndexIterator(t.bpm, nil, 0)
	}
	curPage.RLatch()
	t.latch.Unlock()

	for {
		node := index_page.CastPageAsBPlusTreePage(curPage)
		if node.IsLeafPage() {
			break
		}
		internal := index_page.CastPageAsInternalPage(curPage)
		childPage := t.bpm.FetchPage(internal.ValueAt(internal.GetSize() - 1))
		if childPage == nil {
			curPage.RUnlatch()
			t.bpm.UnpinPage(curPage.GetPageId(), false)
			return newIndexIterator(t.bpm, nil, 0)
		}
		childPage.RLatch()
		curPage.RUnlatch()
		t.bpm.UnpinPage(curPage.GetPageId(), false)
		curPage = childPage
	}
	curPage.RUnlatch()
	leaf := index_page.CastPageAsLeafPage(curPage)
	return &IndexIterator{t.bpm, curPage, leaf, leaf.GetSize()}
}
