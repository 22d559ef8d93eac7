package index_page

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kujiradb/kujiradb/storage/index/index_common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

func key(v int64) index_common.GenericKey {
	return index_common.NewGenericKeyFromInt64(v)
}

func rid(v int64) page.RID {
	return page.RID{PageId: types.PageID(int32(v)), SlotNum: uint32(v)}
}

func newLeaf(pageId types.PageID, maxSize int32) *BPlusTreeLeafPage {
	leaf := CastPageAsLeafPage(page.NewEmpty(pageId))
	leaf.Init(pageId, types.InvalidPageID, maxSize)
	return leaf
}

func TestLeafPageInsertKeepsOrder(t *testing.T) {
	cmp := index_common.Int64Comparator
	leaf := newLeaf(types.PageID(2), 16)

	for _, v := range []int64{30, 10, 50, 20, 40} {
		leaf.Insert(key(v), rid(v), cmp)
	}
	assert.Equal(t, int32(5), leaf.GetSize())
	for i, want := range []int64{10, 20, 30, 40, 50} {
		assert.Equal(t, want, leaf.KeyAt(int32(i)).ToInt64())
	}

	// duplicate insert leaves the page untouched
	assert.Equal(t, int32(5), leaf.Insert(key(30), rid(30), cmp))

	r, ok := leaf.Lookup(key(40), cmp)
	assert.True(t, ok)
	assert.Equal(t, rid(40), r)
	_, ok = leaf.Lookup(key(45), cmp)
	assert.False(t, ok)

	assert.Equal(t, int32(4), leaf.RemoveAndDeleteRecord(key(30), cmp))
	_, ok = leaf.Lookup(key(30), cmp)
	assert.False(t, ok)
	// removing an absent key is a no-op
	assert.Equal(t, int32(4), leaf.RemoveAndDeleteRecord(key(30), cmp))
}

func TestLeafPageMoveHalfTo(t *testing.T) {
	cmp := index_common.Int64Comparator
	leaf := newLeaf(types.PageID(2), 16)
	for v := int64(1); v <= 5; v++ {
		leaf.Insert(key(v), rid(v), cmp)
	}

	sibling := newLeaf(types.PageID(3), 16)
	leaf.MoveHalfTo(sibling)

	// the lower ceil(5/2)=3 entries stay, the upper 2 move
	assert.Equal(t, int32(3), leaf.GetSize())
	assert.Equal(t, int32(2), sibling.GetSize())
	assert.Equal(t, int64(4), sibling.KeyAt(0).ToInt64())
	assert.Equal(t, int64(5), sibling.KeyAt(1).ToInt64())
}

func TestLeafPageRedistributeMoves(t *testing.T) {
	cmp := index_common.Int64Comparator
	left := newLeaf(types.PageID(2), 16)
	right := newLeaf(types.PageID(3), 16)
	for _, v := range []int64{10, 20, 30} {
		left.Insert(key(v), rid(v), cmp)
	}
	for _, v := range []int64{40, 50} {
		right.Insert(key(v), rid(v), cmp)
	}

	// borrow from the left sibling into the front of the right node
	left.MoveLastToFrontOf(right)
	assert.Equal(t, int32(2), left.GetSize())
	assert.Equal(t, int32(3), right.GetSize())
	assert.Equal(t, int64(30), right.KeyAt(0).ToInt64())

	// and back again
	right.MoveFirstToEndOf(left)
	assert.Equal(t, int32(3), left.GetSize())
	assert.Equal(t, int64(30), left.KeyAt(2).ToInt64())
}

func TestInternalPageLookup(t *testing.T) {
	cmp := index_common.Int64Comparator
	internal := CastPageAsInternalPage(page.NewEmpty(types.PageID(5)))
	internal.Init(types.PageID(5), types.InvalidPageID, 16)

	// children: (-inf,10) -> 2, [10,20) -> 3, [20,+inf) -> 4
	internal.PopulateNewRoot(types.PageID(2), key(10), types.PageID(3))
	internal.InsertNodeAfter(types.PageID(3), key(20), types.PageID(4))
	assert.Equal(t, int32(3), internal.GetSize())

	assert.Equal(t, types.PageID(2), internal.Lookup(key(5), cmp))
	assert.Equal(t, types.PageID(3), internal.Lookup(key(10), cmp))
	assert.Equal(t, types.PageID(3), internal.Lookup(key(15), cmp))
	assert.Equal(t, types.PageID(4), internal.Lookup(key(20), cmp))
	assert.Equal(t, types.PageID(4), internal.Lookup(key(99), cmp))

	assert.Equal(t, int32(1), internal.ValueIndex(types.PageID(3)))
	assert.Equal(t, int32(-1), internal.ValueIndex(types.PageID(42)))

	internal.Remove(1)
	assert.Equal(t, int32(2), internal.GetSize())
	assert.Equal(t, types.PageID(2), internal.Lookup(key(15), cmp))
	assert.Equal(t, types.PageID(4), internal.Lookup(key(25), cmp))
}
