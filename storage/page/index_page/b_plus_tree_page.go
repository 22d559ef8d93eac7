package index_page

import (
	"unsafe"

	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

// IndexPageType tags the kind of a B+tree node page
type IndexPageType int32

const (
	INVALID_INDEX_PAGE IndexPageType = iota
	LEAF_PAGE
	INTERNAL_PAGE
)

/**
 * BPlusTreePage is the header both kinds of B+tree node page start with.
 * It is cast directly onto the first bytes of a buffer pool page.
 *
 * Header format (size in byte, 20 bytes in total):
 * ----------------------------------------------------------------------
 * | PageType (4) | CurrentSize (4) | PageId (4) | ParentPageId (4) | MaxSize (4) |
 * ----------------------------------------------------------------------
 */
type BPlusTreePage struct {
	pageType     IndexPageType
	size         int32
	pageId       types.PageID
	parentPageId types.PageID
	maxSize      int32
}

const sizeBPlusTreePageHeader = int32(unsafe.Sizeof(BPlusTreePage{}))

// CastPageAsBPlusTreePage reads the common node header of a fetched page
func CastPageAsBPlusTreePage(p *page.Page) *BPlusTreePage {
	return (*BPlusTreePage)(unsafe.Pointer(p.Data()))
}

func (bp *BPlusTreePage) IsLeafPage() bool {
	return bp.pageType == LEAF_PAGE
}

func (bp *BPlusTreePage) IsRootPage() bool {
	return bp.parentPageId == types.InvalidPageID
}

func (bp *BPlusTreePage) SetPageType(pageType IndexPageType) {
	bp.pageType = pageType
}

func (bp *BPlusTreePage) GetSize() int32 {
	return bp.size
}

func (bp *BPlusTreePage) SetSize(size int32) {
	bp.size = size
}

func (bp *BPlusTreePage) IncreaseSize(amount int32) {
	bp.size += amount
}

func (bp *BPlusTreePage) GetMaxSize() int32 {
	return bp.maxSize
}

func (bp *BPlusTreePage) SetMaxSize(maxSize int32) {
	bp.maxSize = maxSize
}

// GetMinSize returns the smallest size a non root node may shrink to
func (bp *BPlusTreePage) GetMinSize() int32 {
	return (bp.maxSize + 1) / 2
}

func (bp *BPlusTreePage) GetPageId() types.PageID {
	return bp.pageId
}

func (bp *BPlusTreePage) SetPageId(pageId types.PageID) {
	bp.pageId = pageId
}

func (bp *BPlusTreePage) GetParentPageId() types.PageID {
	return bp.parentPageId
}

func (bp *BPlusTreePage) SetParentPageId(parentPageId types.PageID) {
	bp.parentPageId = parentPageId
}
