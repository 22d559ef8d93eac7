package index_page

import (
	"unsafe"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/buffer"
	"github.com/kujiradb/kujiradb/storage/index/index_common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

// InternalPair is one separator-key/child entry of an internal page. The key
// of the first stored entry is never read.
type InternalPair struct {
	Key   index_common.GenericKey
	Child types.PageID
}

const sizeInternalPair = int32(unsafe.Sizeof(InternalPair{}))

// InternalArraySize is the physical entry capacity of an internal page
const InternalArraySize = (common.PageSize - 20) / 12

/**
 * BPlusTreeInternalPage stores n separator keys and n+1 child page ids. The
 * first slot carries only a child; its key slot is a dummy that is never
 * compared. Keys satisfy K(i) <= keys of subtree(i) < K(i+1).
 *
 * Internal page format (keys are stored in increasing order):
 *  -------------------------------------------------------------
 * | HEADER (20) | KEY(1)+PAGE_ID(1) | ... | KEY(n)+PAGE_ID(n) |
 *  -------------------------------------------------------------
 */
type BPlusTreeInternalPage struct {
	BPlusTreePage
	array [InternalArraySize]InternalPair
}

// CastPageAsInternalPage casts a fetched page to an internal node page
func CastPageAsInternalPage(p *page.Page) *BPlusTreeInternalPage {
	return (*BPlusTreeInternalPage)(unsafe.Pointer(p.Data()))
}

// Init sets up the header after the page is allocated
func (ip *BPlusTreeInternalPage) Init(pageId types.PageID, parentId types.PageID, maxSize int32) {
	common.SH_Assert(maxSize <= InternalArraySize, "internal max size exceeds page capacity")
	ip.SetPageType(INTERNAL_PAGE)
	ip.SetSize(0)
	ip.SetPageId(pageId)
	ip.SetParentPageId(parentId)
	ip.SetMaxSize(maxSize)
}

func (ip *BPlusTreeInternalPage) KeyAt(index int32) index_common.GenericKey {
	return ip.array[index].Key
}

func (ip *BPlusTreeInternalPage) SetKeyAt(index int32, key index_common.GenericKey) {
	ip.array[index].Key = key
}

func (ip *BPlusTreeInternalPage) ValueAt(index int32) types.PageID {
	return ip.array[index].Child
}

// ValueIndex returns the slot holding the given child page id, or -1
func (ip *BPlusTreeInternalPage) ValueIndex(value types.PageID) int32 {
	for i := int32(0); i < ip.GetSize(); i++ {
		if ip.array[i].Child == value {
			return i
		}
	}
	return -1
}

// Lookup returns the child page id whose subtree contains key. The search
// starts from the second slot because the first slot's key is a dummy.
func (ip *BPlusTreeInternalPage) Lookup(key index_common.GenericKey, cmp index_common.KeyComparator) types.PageID {
	lo := int32(1)
	hi := ip.GetSize()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(key, ip.array[mid].Key) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return ip.array[lo-1].Child
}

// PopulateNewRoot installs old_value and (new_key, new_value) as the two
// entries of a freshly created root
func (ip *BPlusTreeInternalPage) PopulateNewRoot(oldValue types.PageID, newKey index_common.GenericKey, newValue types.PageID) {
	ip.array[0].Child = oldValue
	ip.array[1] = InternalPair{newKey, newValue}
	ip.SetSize(2)
}

// InsertNodeAfter inserts (new_key, new_value) right after the slot holding
// old_value and returns the new size
func (ip *BPlusTreeInternalPage) InsertNodeAfter(oldValue types.PageID, newKey index_common.GenericKey, newValue types.PageID) int32 {
	oldValueIndex := ip.ValueIndex(oldValue)
	common.SH_Assert(oldValueIndex != -1, "InsertNodeAfter: old child is not on this page")
	for i := ip.GetSize(); i > oldValueIndex+1; i-- {
		ip.array[i] = ip.array[i-1]
	}
	ip.array[oldValueIndex+1] = InternalPair{newKey, newValue}
	ip.IncreaseSize(1)
	return ip.GetSize()
}

// Remove deletes the slot at index, keeping the remaining slots contiguous
func (ip *BPlusTreeInternalPage) Remove(index int32) {
	for i := index; i < ip.GetSize()-1; i++ {
		ip.array[i] = ip.array[i+1]
	}
	ip.IncreaseSize(-1)
}

// RemoveAndReturnOnlyChild empties the page and returns its only child.
// Only called while adjusting the root.
func (ip *BPlusTreeInternalPage) RemoveAndReturnOnlyChild() types.PageID {
	ip.SetSize(0)
	return ip.array[0].Child
}

// MoveHalfTo moves the upper half of the entries to an empty recipient. The
// lower ceil(size/2) entries stay put. Moved children are re-parented
// through the buffer pool.
func (ip *BPlusTreeInternalPage) MoveHalfTo(recipient *BPlusTreeInternalPage, bpm *buffer.BufferPoolManager) {
	moveCnt := ip.GetSize() / 2
	moveStart := ip.GetSize() - moveCnt
	recipient.CopyNFrom(ip.array[moveStart:moveStart+moveCnt], bpm)
	ip.SetSize(moveStart)
}

// CopyNFrom appends entries to this page and adopts each moved child by
// rewriting its parent page id through the buffer pool
func (ip *BPlusTreeInternalPage) CopyNFrom(items []InternalPair, bpm *buffer.BufferPoolManager) {
	copyLocation := ip.GetSize()
	for i := 0; i < len(items); i++ {
		itemPage := bpm.FetchPage(items[i].Child)
		common.SH_Assert(itemPage != nil, "CopyNFrom: failed to fetch moved child")
		childNode := CastPageAsBPlusTreePage(itemPage)
		childNode.SetParentPageId(ip.GetPageId())
		ip.array[copyLocation+int32(i)] = items[i]
		bpm.UnpinPage(itemPage.GetPageId(), true)
	}
	ip.IncreaseSize(int32(len(items)))
}

// MoveAllTo appends every entry to the recipient (the left sibling). The
// separator taken from the parent becomes the key of the first moved entry.
func (ip *BPlusTreeInternalPage) MoveAllTo(recipient *BPlusTreeInternalPage, middleKey index_common.GenericKey, bpm *buffer.BufferPoolManager) {
	ip.array[0].Key = middleKey
	recipient.CopyNFrom(ip.array[0:ip.GetSize()], bpm)
	ip.SetSize(0)
}

// MoveFirstToEndOf moves this page's first entry to the end of recipient
// (its left sibling), rotating the separator through the parent
func (ip *BPlusTreeInternalPage) MoveFirstToEndOf(recipient *BPlusTreeInternalPage, middleKey index_common.GenericKey, bpm *buffer.BufferPoolManager) {
	firstPair := ip.array[0]
	firstPair.Key = middleKey
	for i := int32(0); i < ip.GetSize()-1; i++ {
		ip.array[i] = ip.array[i+1]
	}
	ip.IncreaseSize(-1)
	ip.CopyLastFrom(firstPair, bpm, recipient)
}

// CopyLastFrom appends an adopted entry at the end of recipient
func (ip *BPlusTreeInternalPage) CopyLastFrom(pair InternalPair, bpm *buffer.BufferPoolManager, recipient *BPlusTreeInternalPage) {
	recipient.array[recipient.GetSize()] = pair
	recipient.IncreaseSize(1)
	pairPage := bpm.FetchPage(pair.Child)
	common.SH_Assert(pairPage != nil, "CopyLastFrom: failed to fetch moved child")
	childNode := CastPageAsBPlusTreePage(pairPage)
	childNode.SetParentPageId(recipient.GetPageId())
	bpm.UnpinPage(pairPage.GetPageId(), true)
}

// MoveLastToFrontOf moves this page's last entry to the front of recipient
// (its right sibling), rotating the separator through the parent
func (ip *BPlusTreeInternalPage) MoveLastToFrontOf(recipient *BPlusTreeInternalPage, middleKey index_common.GenericKey, bpm *buffer.BufferPoolManager) {
	lastPair := ip.array[ip.GetSize()-1]
	lastPair.Key = middleKey
	ip.IncreaseSize(-1)
	recipient.CopyFirstFrom(lastPair, bpm)
}

// CopyFirstFrom prepends an adopted entry. The incoming child becomes the
// new dummy-keyed first slot and the old first slot keeps the rotated key.
func (ip *BPlusTreeInternalPage) CopyFirstFrom(pair InternalPair, bpm *buffer.BufferPoolManager) {
	for i := ip.GetSize(); i > 0; i-- {
		ip.array[i] = ip.array[i-1]
	}
	ip.array[0].Child = pair.Child
	ip.array[1].Key = pair.Key
	ip.IncreaseSize(1)

	pairPage := bpm.FetchPage(pair.Child)
	common.SH_Assert(pairPage != nil, "CopyFirstFrom: failed to fetch moved child")
	childNode := CastPageAsBPlusTreePage(pairPage)
	childNode.SetParentPageId(ip.GetPageId())
	bpm.UnpinPage(pairPage.GetPageId(), true)
}
