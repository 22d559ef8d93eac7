package index_page

import (
	"unsafe"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/index/index_common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

// LeafPair is one key/record entry of a leaf page
type LeafPair struct {
	Key index_common.GenericKey
	Rid page.RID
}

const sizeLeafPair = int32(unsafe.Sizeof(LeafPair{}))

// LeafArraySize is the physical entry capacity of a leaf page
const LeafArraySize = (common.PageSize - 24) / 16

/**
 * BPlusTreeLeafPage stores indexed key/record-id pairs in key order and links
 * to its right sibling for range scans.
 *
 * Leaf page format (keys are stored in order):
 *  -----------------------------------------------------------------------
 * | HEADER (20) | NextPageId (4) | KEY(1)+RID(1) | ... | KEY(n)+RID(n) |
 *  -----------------------------------------------------------------------
 */
type BPlusTreeLeafPage struct {
	BPlusTreePage
	nextPageId types.PageID
	array      [LeafArraySize]LeafPair
}

// CastPageAsLeafPage casts a fetched page to a leaf node page
func CastPageAsLeafPage(p *page.Page) *BPlusTreeLeafPage {
	return (*BPlusTreeLeafPage)(unsafe.Pointer(p.Data()))
}

// Init sets up the header after the page is allocated
func (lp *BPlusTreeLeafPage) Init(pageId types.PageID, parentId types.PageID, maxSize int32) {
	common.SH_Assert(maxSize <= LeafArraySize, "leaf max size exceeds page capacity")
	lp.SetPageType(LEAF_PAGE)
	lp.SetSize(0)
	lp.SetPageId(pageId)
	lp.SetParentPageId(parentId)
	lp.SetMaxSize(maxSize)
	lp.nextPageId = types.InvalidPageID
}

func (lp *BPlusTreeLeafPage) GetNextPageId() types.PageID {
	return lp.nextPageId
}

func (lp *BPlusTreeLeafPage) SetNextPageId(nextPageId types.PageID) {
	lp.nextPageId = nextPageId
}

func (lp *BPlusTreeLeafPage) KeyAt(index int32) index_common.GenericKey {
	return lp.array[index].Key
}

// GetItem returns the key/record pair at index
func (lp *BPlusTreeLeafPage) GetItem(index int32) (index_common.GenericKey, page.RID) {
	return lp.array[index].Key, lp.array[index].Rid
}

// KeyIndex returns the index of the first entry whose key is >= key, or the
// current size when every stored key is smaller.
func (lp *BPlusTreeLeafPage) KeyIndex(key index_common.GenericKey, cmp index_common.KeyComparator) int32 {
	lo := int32(0)
	hi := lp.GetSize()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(lp.array[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup finds the record stored under key
func (lp *BPlusTreeLeafPage) Lookup(key index_common.GenericKey, cmp index_common.KeyComparator) (page.RID, bool) {
	idx := lp.KeyIndex(key, cmp)
	if idx < lp.GetSize() && cmp(lp.array[idx].Key, key) == 0 {
		return lp.array[idx].Rid, true
	}
	return page.RID{}, false
}

// Insert adds key/rid keeping the array sorted and returns the new size.
// A duplicate key leaves the page untouched.
func (lp *BPlusTreeLeafPage) Insert(key index_common.GenericKey, rid page.RID, cmp index_common.KeyComparator) int32 {
	idx := lp.KeyIndex(key, cmp)
	if idx < lp.GetSize() && cmp(lp.array[idx].Key, key) == 0 {
		return lp.GetSize()
	}
	for i := lp.GetSize(); i > idx; i-- {
		lp.array[i] = lp.array[i-1]
	}
	lp.array[idx] = LeafPair{key, rid}
	lp.IncreaseSize(1)
	return lp.GetSize()
}

// RemoveAndDeleteRecord removes the entry stored under key and returns the
// new size. A missing key leaves the page untouched.
func (lp *BPlusTreeLeafPage) RemoveAndDeleteRecord(key index_common.GenericKey, cmp index_common.KeyComparator) int32 {
	idx := lp.KeyIndex(key, cmp)
	if idx >= lp.GetSize() || cmp(lp.array[idx].Key, key) != 0 {
		return lp.GetSize()
	}
	for i := idx; i < lp.GetSize()-1; i++ {
		lp.array[i] = lp.array[i+1]
	}
	lp.IncreaseSize(-1)
	return lp.GetSize()
}

// MoveHalfTo moves the upper half of the entries to an empty recipient.
// The lower ceil(size/2) entries stay put.
func (lp *BPlusTreeLeafPage) MoveHalfTo(recipient *BPlusTreeLeafPage) {
	moveCnt := lp.GetSize() / 2
	moveStart := lp.GetSize() - moveCnt
	for i := int32(0); i < moveCnt; i++ {
		recipient.array[i] = lp.array[moveStart+i]
	}
	recipient.SetSize(moveCnt)
	lp.SetSize(moveStart)
}

// MoveAllTo appends every entry to the recipient (the left sibling) and
// hands over the next-leaf link
func (lp *BPlusTreeLeafPage) MoveAllTo(recipient *BPlusTreeLeafPage) {
	base := recipient.GetSize()
	for i := int32(0); i < lp.GetSize(); i++ {
		recipient.array[base+i] = lp.array[i]
	}
	recipient.IncreaseSize(lp.GetSize())
	recipient.SetNextPageId(lp.GetNextPageId())
	lp.SetSize(0)
}

// MoveFirstToEndOf moves this page's first entry to the end of recipient
// (its left sibling)
func (lp *BPlusTreeLeafPage) MoveFirstToEndOf(recipient *BPlusTreeLeafPage) {
	first := lp.array[0]
	for i := int32(0); i < lp.GetSize()-1; i++ {
		lp.array[i] = lp.array[i+1]
	}
	lp.IncreaseSize(-1)
	recipient.array[recipient.GetSize()] = first
	recipient.IncreaseSize(1)
}

// MoveLastToFrontOf moves this page's last entry to the front of recipient
// (its right sibling)
func (lp *BPlusTreeLeafPage) MoveLastToFrontOf(recipient *BPlusTreeLeafPage) {
	last := lp.array[lp.GetSize()-1]
	lp.IncreaseSize(-1)
	for i := recipient.GetSize(); i > 0; i-- {
		recipient.array[i] = recipient.array[i-1]
	}
	recipient.array[0] = last
	recipient.IncreaseSize(1)
}
