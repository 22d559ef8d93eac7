package index

import (
	"bufio"
	"os"
	"strconv"

	"github.com/sasha-s/go-deadlock"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/buffer"
	"github.com/kujiradb/kujiradb/storage/index/index_common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/storage/page/index_page"
	"github.com/kujiradb/kujiradb/types"
)

type opType int32

const (
	opSearch opType = iota
	opInsert
	opRemove
)

// opContext tracks the pages a mutating descent still holds write latched,
// root first. The tree level latch counts as the root's parent and is
// released together with the latched ancestors once a child proves safe.
type opContext struct {
	latched       []*page.Page
	treeLatchHeld bool
}

func (ctx *opContext) push(p *page.Page) {
	ctx.latched = append(ctx.latched, p)
}

// pop removes and returns the most recently latched page
func (ctx *opContext) pop() *page.Page {
	last := len(ctx.latched) - 1
	p := ctx.latched[last]
	ctx.latched = ctx.latched[:last]
	return p
}

/**
 * BPlusTree is a concurrent B+tree index over buffer pool pages. Point
 * lookups descend with read latch crabbing; inserts and removes descend with
 * write latches, releasing every held ancestor as soon as a child is proven
 * safe for the pending operation. All latches are acquired top down.
 */
type BPlusTree struct {
	indexName       string
	rootPageId      types.PageID
	bpm             *buffer.BufferPoolManager
	comparator      index_common.KeyComparator
	leafMaxSize     int32
	internalMaxSize int32
	// guards rootPageId and empty tree transitions. Held by mutating
	// descents until the root is proven safe.
	latch deadlock.Mutex
}

// NewBPlusTree creates a B+tree handle, registering indexName on the header
// page when it is not known there yet. A previously persisted root is picked
// up from the header page.
func NewBPlusTree(indexName string, bpm *buffer.BufferPoolManager, comparator index_common.KeyComparator,
	leafMaxSize int32, internalMaxSize int32) *BPlusTree {
	if leafMaxSize == 0 {
		leafMaxSize = index_page.LeafArraySize
	}
	if internalMaxSize == 0 {
		internalMaxSize = index_page.InternalArraySize
	}
	t := &BPlusTree{
		indexName:       indexName,
		rootPageId:      types.InvalidPageID,
		bpm:             bpm,
		comparator:      comparator,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}

	headerPage := bpm.FetchPage(common.HeaderPageID)
	common.SH_Assert(headerPage != nil, "NewBPlusTree: failed to fetch header page")
	headerPage.WLatch()
	header := page.CastPageAsHeaderPage(headerPage)
	if rootPageId, ok := header.GetRootId(indexName); ok {
		t.rootPageId = rootPageId
		headerPage.WUnlatch()
		bpm.UnpinPage(common.HeaderPageID, false)
	} else {
		header.InsertRecord(indexName, types.InvalidPageID)
		headerPage.WUnlatch()
		bpm.UnpinPage(common.HeaderPageID, true)
	}
	return t
}

// IsEmpty decides whether the tree has any entry
func (t *BPlusTree) IsEmpty() bool {
	t.latch.Lock()
	defer t.latch.Unlock()
	return t.rootPageId == types.InvalidPageID
}

// updateRootPageId records the current root page id for this index on the
// header page. Callers must be serialized by the tree latch.
func (t *BPlusTree) updateRootPageId() {
	headerPage := t.bpm.FetchPage(common.HeaderPageID)
	common.SH_Assert(headerPage != nil, "updateRootPageId: failed to fetch header page")
	headerPage.WLatch()
	header := page.CastPageAsHeaderPage(headerPage)
	header.UpdateRecord(t.indexName, t.rootPageId)
	headerPage.WUnlatch()
	t.bpm.UnpinPage(common.HeaderPageID, true)
}

// isSafe decides whether node will neither split nor rebalance under op, so
// that every latch above it can be released during the descent
func (t *BPlusTree) isSafe(node *index_page.BPlusTreePage, op opType) bool {
	switch op {
	case opInsert:
		return node.GetSize()+1 < node.GetMaxSize()
	case opRemove:
		if node.IsRootPage() {
			if node.IsLeafPage() {
				return node.GetSize() > 1
			}
			return node.GetSize() > 2
		}
		return node.GetSize()-1 >= node.GetMinSize()
	default:
		return true
	}
}

// releaseAncestors unlatches and unpins every held page except the newest
// one, and drops the tree latch. Released pages were not modified.
func (t *BPlusTree) releaseAncestors(ctx *opContext) {
	for i := 0; i < len(ctx.latched)-1; i++ {
		p := ctx.latched[i]
		p.WUnlatch()
		t.bpm.UnpinPage(p.GetPageId(), false)
	}
	ctx.latched = ctx.latched[len(ctx.latched)-1:]
	if ctx.treeLatchHeld {
		t.latch.Unlock()
		ctx.treeLatchHeld = false
	}
}

// releaseAll unlatches and unpins everything still held by the descent
func (t *BPlusTree) releaseAll(ctx *opContext, dirty bool) {
	for i := len(ctx.latched) - 1; i >= 0; i-- {
		p := ctx.latched[i]
		p.WUnlatch()
		t.bpm.UnpinPage(p.GetPageId(), dirty)
	}
	ctx.latched = ctx.latched[:0]
	if ctx.treeLatchHeld {
		t.latch.Unlock()
		ctx.treeLatchHeld = false
	}
}

// findLeafPage descends with read latch crabbing and returns the leaf whose
// key range contains key (or the leftmost leaf), read latched and pinned.
// The caller must hold the tree latch; it is released once the root is
// latched.
func (t *BPlusTree) findLeafPage(key index_common.GenericKey, leftMost bool) *page.Page {
	curPage := t.bpm.FetchPage(t.rootPageId)
	if curPage == nil {
		t.latch.Unlock()
		common.ShPrintf(common.ERROR, "findLeafPage: buffer pool is out of frames\n")
		return nil
	}
	curPage.RLatch()
	t.latch.Unlock()

	for {
		node := index_page.CastPageAsBPlusTreePage(curPage)
		if node.IsLeafPage() {
			return curPage
		}
		internal := index_page.CastPageAsInternalPage(curPage)
		var childPageId types.PageID
		if leftMost {
			childPageId = internal.ValueAt(0)
		} else {
			childPageId = internal.Lookup(key, t.comparator)
		}
		childPage := t.bpm.FetchPage(childPageId)
		if childPage == nil {
			curPage.RUnlatch()
			t.bpm.UnpinPage(curPage.GetPageId(), false)
			common.ShPrintf(common.ERROR, "findLeafPage: buffer pool is out of frames\n")
			return nil
		}
		childPage.RLatch()
		curPage.RUnlatch()
		t.bpm.UnpinPage(curPage.GetPageId(), false)
		curPage = childPage
	}
}

// findLeafForWrite descends with write latch crabbing for op, keeping unsafe
// ancestors latched in ctx. The leaf ends up at the top of ctx.
func (t *BPlusTree) findLeafForWrite(key index_common.GenericKey, op opType, ctx *opContext) *page.Page {
	curPage := t.bpm.FetchPage(t.rootPageId)
	if curPage == nil {
		t.releaseAll(ctx, false)
		common.ShPrintf(common.ERROR, "findLeafForWrite: buffer pool is out of frames\n")
		return nil
	}
	curPage.WLatch()
	ctx.push(curPage)
	if t.isSafe(index_page.CastPageAsBPlusTreePage(curPage), op) {
		t.releaseAncestors(ctx)
	}

	for {
		node := index_page.CastPageAsBPlusTreePage(curPage)
		if node.IsLeafPage() {
			return curPage
		}
		internal := index_page.CastPageAsInternalPage(curPage)
		childPage := t.bpm.FetchPage(internal.Lookup(key, t.comparator))
		if childPage == nil {
			t.releaseAll(ctx, false)
			common.ShPrintf(common.ERROR, "findLeafForWrite: buffer pool is out of frames\n")
			return nil
		}
		childPage.WLatch()
		ctx.push(childPage)
		if t.isSafe(index_page.CastPageAsBPlusTreePage(childPage), op) {
			t.releaseAncestors(ctx)
		}
		curPage = childPage
	}
}

// GetValue returns the record id stored under key
func (t *BPlusTree) GetValue(key index_common.GenericKey) (page.RID, bool) {
	t.latch.Lock()
	if t.rootPageId == types.InvalidPageID {
		t.latch.Unlock()
		return page.RID{}, false
	}
	leafPage := t.findLeafPage(key, false)
	if leafPage == nil {
		return page.RID{}, false
	}
	leaf := index_page.CastPageAsLeafPage(leafPage)
	rid, ok := leaf.Lookup(key, t.comparator)
	leafPage.RUnlatch()
	t.bpm.UnpinPage(leafPage.GetPageId(), false)
	return rid, ok
}

// Insert adds a key/record pair. Returns false when key is already present
// or no buffer pool frame could be obtained.
func (t *BPlusTree) Insert(key index_common.GenericKey, rid page.RID) bool {
	t.latch.Lock()
	if t.rootPageId == types.InvalidPageID {
		ok := t.startNewTree(key, rid)
		t.latch.Unlock()
		return ok
	}

	ctx := &opContext{treeLatchHeld: true}
	leafPage := t.findLeafForWrite(key, opInsert, ctx)
	if leafPage == nil {
		return false
	}
	leaf := index_page.CastPageAsLeafPage(leafPage)

	if _, exist := leaf.Lookup(key, t.comparator); exist {
		t.releaseAll(ctx, false)
		return false
	}

	afterInsertSize := leaf.Insert(key, rid, t.comparator)
	if afterInsertSize < leaf.GetMaxSize() {
		t.releaseAll(ctx, true)
		return true
	}

	// leaf overflow: split and push the separator into the parent
	siblingPage := t.splitLeaf(leafPage)
	if siblingPage == nil {
		t.releaseAll(ctx, true)
		return false
	}
	sibling := index_page.CastPageAsLeafPage(siblingPage)
	middleKey := sibling.KeyAt(0)
	ctx.pop()
	if !t.insertIntoParent(leafPage, middleKey, siblingPage, ctx) {
		t.releaseAll(ctx, true)
		return false
	}
	t.releaseAll(ctx, true)
	return true
}

// startNewTree allocates a root leaf holding the first entry. Caller holds
// the tree latch.
func (t *BPlusTree) startNewTree(key index_common.GenericKey, rid page.RID) bool {
	rootPage := t.bpm.NewPage()
	if rootPage == nil {
		common.ShPrintf(common.ERROR, "startNewTree: buffer pool is out of frames\n")
		return false
	}
	root := index_page.CastPageAsLeafPage(rootPage)
	root.Init(rootPage.GetPageId(), types.InvalidPageID, t.leafMaxSize)
	root.Insert(key, rid, t.comparator)
	t.rootPageId = rootPage.GetPageId()
	t.updateRootPageId()
	t.bpm.UnpinPage(rootPage.GetPageId(), true)
	return true
}

// splitLeaf allocates a write latched sibling to the right of leafPage and
// moves the upper half of the entries over
func (t *BPlusTree) splitLeaf(leafPage *page.Page) *page.Page {
	siblingPage := t.bpm.NewPage()
	if siblingPage == nil {
		common.ShPrintf(common.ERROR, "splitLeaf: buffer pool is out of frames\n")
		return nil
	}
	siblingPage.WLatch()
	leaf := index_page.CastPageAsLeafPage(leafPage)
	sibling := index_page.CastPageAsLeafPage(siblingPage)
	sibling.Init(siblingPage.GetPageId(), leaf.GetParentPageId(), t.leafMaxSize)
	leaf.MoveHalfTo(sibling)
	sibling.SetNextPageId(leaf.GetNextPageId())
	leaf.SetNextPageId(sibling.GetPageId())
	return siblingPage
}

// splitInternal allocates a write latched sibling of internalPage and moves
// the upper half of the entries over, re-parenting the moved children
func (t *BPlusTree) splitInternal(internalPage *page.Page) *page.Page {
	siblingPage := t.bpm.NewPage()
	if siblingPage == nil {
		common.ShPrintf(common.ERROR, "splitInternal: buffer pool is out of frames\n")
		return nil
	}
	siblingPage.WLatch()
	node := index_page.CastPageAsInternalPage(internalPage)
	sibling := index_page.CastPageAsInternalPage(siblingPage)
	sibling.Init(siblingPage.GetPageId(), node.GetParentPageId(), t.internalMaxSize)
	node.MoveHalfTo(sibling, t.bpm)
	return siblingPage
}

// insertIntoParent links newPage (right sibling of oldPage) under their
// parent, splitting upward as long as parents overflow. Both pages are write
// latched and pinned on entry and released here on every path.
func (t *BPlusTree) insertIntoParent(oldPage *page.Page, key index_common.GenericKey, newPage *page.Page, ctx *opContext) bool {
	oldNode := index_page.CastPageAsBPlusTreePage(oldPage)
	newNode := index_page.CastPageAsBPlusTreePage(newPage)

	if oldNode.IsRootPage() {
		common.SH_Assert(ctx.treeLatchHeld, "insertIntoParent: root split without tree latch")
		newRootPage := t.bpm.NewPage()
		if newRootPage == nil {
			common.ShPrintf(common.ERROR, "insertIntoParent: buffer pool is out of frames\n")
			t.releasePair(oldPage, newPage)
			return false
		}
		newRoot := index_page.CastPageAsInternalPage(newRootPage)
		newRoot.Init(newRootPage.GetPageId(), types.InvalidPageID, t.internalMaxSize)
		newRoot.PopulateNewRoot(oldNode.GetPageId(), key, newNode.GetPageId())
		oldNode.SetParentPageId(newRootPage.GetPageId())
		newNode.SetParentPageId(newRootPage.GetPageId())
		t.rootPageId = newRootPage.GetPageId()
		t.updateRootPageId()
		t.releasePair(oldPage, newPage)
		t.bpm.UnpinPage(newRootPage.GetPageId(), true)
		return true
	}

	parentPage := ctx.pop()
	common.SH_Assert(parentPage.GetPageId() == oldNode.GetParentPageId(),
		"insertIntoParent: latched ancestor is not the split node's parent")
	parent := index_page.CastPageAsInternalPage(parentPage)
	afterInsertSize := parent.InsertNodeAfter(oldNode.GetPageId(), key, newNode.GetPageId())
	t.releasePair(oldPage, newPage)

	if afterInsertSize < parent.GetMaxSize() {
		parentPage.WUnlatch()
		t.bpm.UnpinPage(parentPage.GetPageId(), true)
		return true
	}

	parentSiblingPage := t.splitInternal(parentPage)
	if parentSiblingPage == nil {
		parentPage.WUnlatch()
		t.bpm.UnpinPage(parentPage.GetPageId(), true)
		return false
	}
	parentSibling := index_page.CastPageAsInternalPage(parentSiblingPage)
	return t.insertIntoParent(parentPage, parentSibling.KeyAt(0), parentSiblingPage, ctx)
}

// releasePair unlatches and unpins a split node and its new sibling
func (t *BPlusTree) releasePair(oldPage *page.Page, newPage *page.Page) {
	oldPage.WUnlatch()
	t.bpm.UnpinPage(oldPage.GetPageId(), true)
	newPage.WUnlatch()
	t.bpm.UnpinPage(newPage.GetPageId(), true)
}

// Remove deletes the entry stored under key, rebalancing the tree when the
// leaf underflows. Removing an absent key is a no-op.
func (t *BPlusTree) Remove(key index_common.GenericKey) {
	t.latch.Lock()
	if t.rootPageId == types.InvalidPageID {
		t.latch.Unlock()
		return
	}

	ctx := &opContext{treeLatchHeld: true}
	leafPage := t.findLeafForWrite(key, opRemove, ctx)
	if leafPage == nil {
		return
	}
	leaf := index_page.CastPageAsLeafPage(leafPage)

	if _, exist := leaf.Lookup(key, t.comparator); !exist {
		t.releaseAll(ctx, false)
		return
	}

	afterDeleteSize := leaf.RemoveAndDeleteRecord(key, t.comparator)
	if afterDeleteSize >= leaf.GetMinSize() && !leaf.IsRootPage() {
		t.releaseAll(ctx, true)
		return
	}
	if leaf.IsRootPage() && afterDeleteSize >= 1 {
		t.releaseAll(ctx, true)
		return
	}

	ctx.pop()
	t.coalesceOrRedistribute(leafPage, ctx)
	t.releaseAll(ctx, true)
}

// coalesceOrRedistribute rebalances nPage after an underflow, either by
// merging it with a sibling or by borrowing one entry from it. nPage is
// write latched and pinned on entry and released (and possibly deleted)
// here. The node's parent must be the newest page still held in ctx.
func (t *BPlusTree) coalesceOrRedistribute(nPage *page.Page, ctx *opContext) {
	node := index_page.CastPageAsBPlusTreePage(nPage)
	if node.IsRootPage() {
		t.adjustRoot(nPage)
		return
	}

	parentPage := ctx.pop()
	common.SH_Assert(parentPage.GetPageId() == node.GetParentPageId(),
		"coalesceOrRedistribute: latched ancestor is not the node's parent")
	parent := index_page.CastPageAsInternalPage(parentPage)

	index := parent.ValueIndex(node.GetPageId())
	common.SH_Assert(index != -1, "coalesceOrRedistribute: node is not a child of its parent")

	if parent.GetSize() < 2 {
		// degenerate fan-out: the node has no sibling to merge with or
		// borrow from, so it stays underfull and the parent rebalances
		nPage.WUnlatch()
		t.bpm.UnpinPage(nPage.GetPageId(), true)
		t.coalesceOrRedistribute(parentPage, ctx)
		return
	}

	siblingIndex := index - 1
	if index == 0 {
		siblingIndex = 1
	}
	siblingPage := t.bpm.FetchPage(parent.ValueAt(siblingIndex))
	common.SH_Assert(siblingPage != nil, "coalesceOrRedistribute: failed to fetch sibling page")
	siblingPage.WLatch()
	sibling := index_page.CastPageAsBPlusTreePage(siblingPage)

	if sibling.GetSize()+node.GetSize() < node.GetMaxSize() {
		// coalesce: always merge the right node into the left one so the
		// appended entries stay in key order
		if index == 0 {
			nPage, siblingPage = siblingPage, nPage
			node, sibling = sibling, node
			index = 1
		}
		middleKey := parent.KeyAt(index)
		if node.IsLeafPage() {
			index_page.CastPageAsLeafPage(nPage).MoveAllTo(index_page.CastPageAsLeafPage(siblingPage))
		} else {
			index_page.CastPageAsInternalPage(nPage).MoveAllTo(index_page.CastPageAsInternalPage(siblingPage), middleKey, t.bpm)
		}
		parent.Remove(index)

		emptiedPageId := nPage.GetPageId()
		siblingPage.WUnlatch()
		t.bpm.UnpinPage(siblingPage.GetPageId(), true)
		nPage.WUnlatch()
		t.bpm.UnpinPage(emptiedPageId, true)
		t.bpm.DeletePage(emptiedPageId)

		if parent.GetSize() < parent.GetMinSize() || (parent.IsRootPage() && parent.GetSize() < 2) {
			t.coalesceOrRedistribute(parentPage, ctx)
		} else {
			parentPage.WUnlatch()
			t.bpm.UnpinPage(parentPage.GetPageId(), true)
		}
		return
	}

	// redistribute: borrow one entry from the sibling and refresh the
	// separator in the parent
	if index == 0 {
		middleKey := parent.KeyAt(1)
		parent.SetKeyAt(1, keyAtOf(siblingPage, 1))
		if node.IsLeafPage() {
			index_page.CastPageAsLeafPage(siblingPage).MoveFirstToEndOf(index_page.CastPageAsLeafPage(nPage))
		} else {
			index_page.CastPageAsInternalPage(siblingPage).MoveFirstToEndOf(index_page.CastPageAsInternalPage(nPage), middleKey, t.bpm)
		}
	} else {
		middleKey := parent.KeyAt(index)
		parent.SetKeyAt(index, keyAtOf(siblingPage, sibling.GetSize()-1))
		if node.IsLeafPage() {
			index_page.CastPageAsLeafPage(siblingPage).MoveLastToFrontOf(index_page.CastPageAsLeafPage(nPage))
		} else {
			index_page.CastPageAsInternalPage(siblingPage).MoveLastToFrontOf(index_page.CastPageAsInternalPage(nPage), middleKey, t.bpm)
		}
	}
	siblingPage.WUnlatch()
	t.bpm.UnpinPage(siblingPage.GetPageId(), true)
	nPage.WUnlatch()
	t.bpm.UnpinPage(nPage.GetPageId(), true)
	parentPage.WUnlatch()
	t.bpm.UnpinPage(parentPage.GetPageId(), true)
}

// keyAtOf reads a key slot regardless of the node kind behind p
func keyAtOf(p *page.Page, index int32) index_common.GenericKey {
	if index_page.CastPageAsBPlusTreePage(p).IsLeafPage() {
		return index_page.CastPageAsLeafPage(p).KeyAt(index)
	}
	return index_page.CastPageAsInternalPage(p).KeyAt(index)
}

// adjustRoot handles the two underflow cases only the root can reach: a leaf
// root that emptied out, and an internal root left with a single child.
// rootPage is write latched and pinned on entry and released here. The tree
// latch is still held because an unsafe root is never released early.
func (t *BPlusTree) adjustRoot(rootPage *page.Page) {
	rootNode := index_page.CastPageAsBPlusTreePage(rootPage)

	if rootNode.IsLeafPage() {
		if rootNode.GetSize() == 0 {
			// the whole tree emptied out
			oldRootId := rootPage.GetPageId()
			t.rootPageId = types.InvalidPageID
			t.updateRootPageId()
			rootPage.WUnlatch()
			t.bpm.UnpinPage(oldRootId, true)
			t.bpm.DeletePage(oldRootId)
			return
		}
		rootPage.WUnlatch()
		t.bpm.UnpinPage(rootPage.GetPageId(), true)
		return
	}

	if rootNode.GetSize() == 1 {
		// promote the only child as the new root
		rootInternal := index_page.CastPageAsInternalPage(rootPage)
		childPageId := rootInternal.RemoveAndReturnOnlyChild()
		childPage := t.bpm.FetchPage(childPageId)
		common.SH_Assert(childPage != nil, "adjustRoot: failed to fetch the only child")
		childPage.WLatch()
		child := index_page.CastPageAsBPlusTreePage(childPage)
		child.SetParentPageId(types.InvalidPageID)
		t.rootPageId = childPageId
		t.updateRootPageId()
		childPage.WUnlatch()
		t.bpm.UnpinPage(childPageId, true)

		oldRootId := rootPage.GetPageId()
		rootPage.WUnlatch()
		t.bpm.UnpinPage(oldRootId, true)
		t.bpm.DeletePage(oldRootId)
		return
	}
	rootPage.WUnlatch()
	t.bpm.UnpinPage(rootPage.GetPageId(), true)
}

// InsertFromFile reads whitespace separated int64 keys from fileName and
// inserts each of them, using the key value as the record's page id.
// Used by bulk tests.
func (t *BPlusTree) InsertFromFile(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		key, err := strconv.ParseInt(scanner.Text(), 10, 64)
		if err != nil {
			return err
		}
		rid := page.RID{PageId: types.PageID(int32(key)), SlotNum: uint32(key)}
		t.Insert(index_common.NewGenericKeyFromInt64(key), rid)
	}
	return scanner.Err()
}

// RemoveFromFile reads whitespace separated int64 keys from fileName and
// removes each of them. Used by bulk tests.
func (t *BPlusTree) RemoveFromFile(fileName string) error {
	f, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		key, err := strconv.ParseInt(scanner.Text(), 10, 64)
		if err != nil {
			return err
		}
		t.Remove(index_common.NewGenericKeyFromInt64(key))
	}
	return scanner.Err()
}
