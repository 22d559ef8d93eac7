package page

import (
	"fmt"

	"github.com/kujiradb/kujiradb/types"
)

// RID is the record identifier for the given page identifier and slot number
type RID struct {
	PageId  types.PageID
	SlotNum uint32
}

// NewRID creates a new record identifier
func NewRID(pageId types.PageID, slot uint32) *RID {
	return &RID{pageId, slot}
}

// Set sets the record identifier
func (r *RID) Set(pageId types.PageID, slot uint32) {
	r.PageId = pageId
	r.SlotNum = slot
}

// GetPageId gets the page id
func (r *RID) GetPageId() types.PageID {
	return r.PageId
}

// GetSlotNum gets the slot number
func (r *RID) GetSlotNum() uint32 {
	return r.SlotNum
}

func (r *RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageId, r.SlotNum)
}
