package page

import (
	"unsafe"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/types"
	"github.com/spaolacci/murmur3"
)

// HeaderPageArraySize is the number of index records the header page can hold
const HeaderPageArraySize = (common.PageSize - 4) / 8

// HeaderRecord maps an index name to the page id of its root. Names are
// stored as murmur3 hashes so records stay fixed size.
//
// Record format (size in byte, 8 bytes in total):
// ----------------------------------
// | NameHash (4) | RootPageId (4) |
// ----------------------------------
type HeaderRecord struct {
	nameHash   uint32
	rootPageId types.PageID
}

/**
 * HeaderPage lives at page id 0 and persists the (index name -> root page id)
 * mapping for every index in the database.
 *
 * Header format (size in byte):
 * -----------------------------------------------------------
 * | RecordCount (4) | Record(1) (8) | ... | Record(n) (8) |
 * -----------------------------------------------------------
 */
type HeaderPage struct {
	recordCount int32
	records     [HeaderPageArraySize]HeaderRecord
}

// CastPageAsHeaderPage casts a fetched buffer pool page to a header page
func CastPageAsHeaderPage(p *Page) *HeaderPage {
	return (*HeaderPage)(unsafe.Pointer(p.Data()))
}

func hashIndexName(name string) uint32 {
	return murmur3.Sum32([]byte(name))
}

func (hp *HeaderPage) find(name string) int32 {
	h := hashIndexName(name)
	for i := int32(0); i < hp.recordCount; i++ {
		if hp.records[i].nameHash == h {
			return i
		}
	}
	return -1
}

// InsertRecord adds a record for name. Returns false when the name is already
// registered or the page is full.
func (hp *HeaderPage) InsertRecord(name string, rootPageId types.PageID) bool {
	if hp.find(name) != -1 {
		return false
	}
	if hp.recordCount >= HeaderPageArraySize {
		return false
	}
	hp.records[hp.recordCount] = HeaderRecord{hashIndexName(name), rootPageId}
	hp.recordCount++
	return true
}

// UpdateRecord rewrites the root page id recorded for name
func (hp *HeaderPage) UpdateRecord(name string, rootPageId types.PageID) bool {
	idx := hp.find(name)
	if idx == -1 {
		return false
	}
	hp.records[idx].rootPageId = rootPageId
	return true
}

// DeleteRecord removes the record for name
func (hp *HeaderPage) DeleteRecord(name string) bool {
	idx := hp.find(name)
	if idx == -1 {
		return false
	}
	for i := idx; i < hp.recordCount-1; i++ {
		hp.records[i] = hp.records[i+1]
	}
	hp.recordCount--
	return true
}

// GetRootId looks up the root page id recorded for name
func (hp *HeaderPage) GetRootId(name string) (types.PageID, bool) {
	idx := hp.find(name)
	if idx == -1 {
		return types.InvalidPageID, false
	}
	return hp.records[idx].rootPageId, true
}

// GetRecordCount returns the number of registered indexes
func (hp *HeaderPage) GetRecordCount() int32 {
	return hp.recordCount
}
