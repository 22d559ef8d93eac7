package access

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-collections/collections/stack"
	pair "github.com/notEpsilon/go-pair"
	"github.com/sasha-s/go-deadlock"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

type LockMode int32

const (
	SHARED LockMode = iota
	EXCLUSIVE
)

type LockRequest struct {
	txnID    types.TxnID
	lockMode LockMode
	granted  bool
}

func NewLockRequest(txnID types.TxnID, lockMode LockMode) *LockRequest {
	return &LockRequest{txnID, lockMode, false}
}

// LockRequestQueue holds the granted and waiting requests on one RID, in
// arrival order (modulo upgrades). Waiters block on cv, which shares the
// manager latch.
type LockRequestQueue struct {
	requests []*LockRequest
	cv       *sync.Cond
	// only one transaction may upgrade its lock on a RID at a time
	upgrading bool
}

/**
 * LockManager handles transactions asking for row locks on records.
 *
 * [LOCK_NOTE]: For all locking functions, we:
 * 1. return false if the transaction is aborted; and
 * 2. block on wait, return true when the lock request is granted; and
 * 3. it is undefined behavior to try locking an already locked RID in the
 *    same transaction, i.e. the transaction is responsible for keeping track
 *    of its current locks.
 */
type LockManager struct {
	mutex deadlock.Mutex

	enableCycleDetection int32
	detectorDone         chan struct{}

	/** Lock table for lock requests. */
	lockTable map[page.RID]*LockRequestQueue
	/** Waits-for graph representation, rebuilt on every detection pass. */
	waitsFor map[types.TxnID][]types.TxnID
}

// NewLockManager creates a lock manager. Deadlock detection is launched
// separately with StartCycleDetection.
func NewLockManager() *LockManager {
	return &LockManager{
		lockTable: make(map[page.RID]*LockRequestQueue),
		waitsFor:  make(map[types.TxnID][]types.TxnID),
	}
}

// StartCycleDetection launches the background cycle detection goroutine
func (lm *LockManager) StartCycleDetection() {
	if atomic.CompareAndSwapInt32(&lm.enableCycleDetection, 0, 1) {
		lm.detectorDone = make(chan struct{})
		go func() {
			defer close(lm.detectorDone)
			lm.RunCycleDetection()
		}()
	}
}

// StopCycleDetection shuts the background detector down and waits for it
func (lm *LockManager) StopCycleDetection() {
	if atomic.CompareAndSwapInt32(&lm.enableCycleDetection, 1, 0) {
		<-lm.detectorDone
	}
}

func (lm *LockManager) getQueue(rid *page.RID) *LockRequestQueue {
	q, ok := lm.lockTable[*rid]
	if !ok {
		q = &LockRequestQueue{requests: make([]*LockRequest, 0), cv: sync.NewCond(&lm.mutex)}
		lm.lockTable[*rid] = q
	}
	return q
}

func (q *LockRequestQueue) removeRequest(txnID types.TxnID) bool {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

/**
* Acquire a lock on RID in shared mode. See [LOCK_NOTE].
* @param txn the transaction requesting the shared lock
* @param rid the RID to be locked in shared mode
* @return true if the lock is granted, false otherwise
 */
func (lm *LockManager) LockShared(txn *Transaction, rid *page.RID) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if txn.GetIsolationLevel() == READ_UNCOMMITTED {
		txn.SetState(ABORTED)
		return false
	}
	if txn.GetState() == SHRINKING {
		txn.SetState(ABORTED)
		return false
	}

	q := lm.getQueue(rid)
	req := NewLockRequest(txn.GetTransactionId(), SHARED)
	q.requests = append(q.requests, req)

	for {
		if txn.GetState() == ABORTED {
			q.removeRequest(req.txnID)
			q.cv.Broadcast()
			return false
		}
		// grantable when no exclusive request sits ahead of ours
		grantable := false
		for _, r := range q.requests {
			if r.txnID == req.txnID {
				grantable = true
				break
			}
			if r.lockMode == EXCLUSIVE {
				break
			}
		}
		if grantable {
			break
		}
		q.cv.Wait()
	}

	req.granted = true
	txn.GetSharedLockSet().Add(*rid)
	return true
}

/**
* Acquire a lock on RID in exclusive mode. See [LOCK_NOTE].
* @param txn the transaction requesting the exclusive lock
* @param rid the RID to be locked in exclusive mode
* @return true if the lock is granted, false otherwise
 */
func (lm *LockManager) LockExclusive(txn *Transaction, rid *page.RID) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if txn.GetState() == SHRINKING {
		txn.SetState(ABORTED)
		return false
	}

	q := lm.getQueue(rid)
	req := NewLockRequest(txn.GetTransactionId(), EXCLUSIVE)
	q.requests = append(q.requests, req)

	for {
		if txn.GetState() == ABORTED {
			q.removeRequest(req.txnID)
			q.cv.Broadcast()
			return false
		}
		// an exclusive lock is granted only at the head of the queue
		if q.requests[0].txnID == req.txnID {
			break
		}
		q.cv.Wait()
	}

	req.granted = true
	txn.GetExclusiveLockSet().Add(*rid)
	return true
}

/**
* Upgrade a lock from a shared lock to an exclusive lock.
* @param txn the transaction requesting the lock upgrade
* @param rid the RID that should already be locked in shared mode by the
*        requesting transaction
* @return true if the upgrade is successful, false otherwise
 */
func (lm *LockManager) LockUpgrade(txn *Transaction, rid *page.RID) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if txn.GetState() == SHRINKING || txn.GetState() == ABORTED {
		return false
	}

	q := lm.getQueue(rid)
	if q.upgrading {
		return false
	}

	srcIdx := -1
	for i, r := range q.requests {
		if r.txnID == txn.GetTransactionId() {
			srcIdx = i
			break
		}
	}
	if srcIdx == -1 {
		return false
	}
	q.upgrading = true

	// turn our request exclusive and move it ahead of the other waiters:
	// it lines up right behind the requests that are already granted
	req := q.requests[srcIdx]
	req.lockMode = EXCLUSIVE
	req.granted = false
	q.requests = append(q.requests[:srcIdx], q.requests[srcIdx+1:]...)
	insertIdx := len(q.requests)
	for i, r := range q.requests {
		if r.lockMode == EXCLUSIVE || !r.granted {
			insertIdx = i
			break
		}
	}
	q.requests = append(q.requests, nil)
	copy(q.requests[insertIdx+1:], q.requests[insertIdx:])
	q.requests[insertIdx] = req

	for {
		if txn.GetState() == ABORTED {
			q.upgrading = false
			q.removeRequest(req.txnID)
			q.cv.Broadcast()
			return false
		}
		if q.requests[0].txnID == req.txnID {
			break
		}
		q.cv.Wait()
	}

	req.granted = true
	q.upgrading = false
	txn.GetSharedLockSet().Remove(*rid)
	txn.GetExclusiveLockSet().Add(*rid)
	return true
}

/**
* Release the lock held by the transaction.
* @param txn the transaction releasing the lock, it should actually hold the lock
* @param rid the RID that is locked by the transaction
* @return true if the unlock is successful, false otherwise
 */
func (lm *LockManager) Unlock(txn *Transaction, rid *page.RID) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	q, ok := lm.lockTable[*rid]
	if !ok {
		return false
	}
	if !q.removeRequest(txn.GetTransactionId()) {
		return false
	}

	if txn.GetState() == GROWING {
		txn.SetState(SHRINKING)
	}
	txn.GetSharedLockSet().Remove(*rid)
	txn.GetExclusiveLockSet().Remove(*rid)
	q.cv.Broadcast()
	return true
}

// UnlockAll drops every lock txn still holds without touching its state.
// Called by the transaction manager on commit and abort.
func (lm *LockManager) UnlockAll(txn *Transaction) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	release := func(rid page.RID) {
		if q, ok := lm.lockTable[rid]; ok {
			if q.removeRequest(txn.GetTransactionId()) {
				q.cv.Broadcast()
			}
		}
	}
	for _, rid := range txn.GetSharedLockSet().ToSlice() {
		release(rid)
	}
	for _, rid := range txn.GetExclusiveLockSet().ToSlice() {
		release(rid)
	}
	txn.GetSharedLockSet().Clear()
	txn.GetExclusiveLockSet().Clear()
}

/*** Graph API ***/

/** Adds an edge from t1 -> t2, meaning t1 waits for t2. */
func (lm *LockManager) AddEdge(t1 types.TxnID, t2 types.TxnID) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.addEdgeLocked(t1, t2)
}

func (lm *LockManager) addEdgeLocked(t1 types.TxnID, t2 types.TxnID) {
	for _, t := range lm.waitsFor[t1] {
		if t == t2 {
			return
		}
	}
	lm.waitsFor[t1] = append(lm.waitsFor[t1], t2)
}

/** Removes the edge from t1 -> t2. */
func (lm *LockManager) RemoveEdge(t1 types.TxnID, t2 types.TxnID) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.removeEdgeLocked(t1, t2)
}

func (lm *LockManager) removeEdgeLocked(t1 types.TxnID, t2 types.TxnID) {
	adj := lm.waitsFor[t1]
	for i, t := range adj {
		if t == t2 {
			lm.waitsFor[t1] = append(adj[:i], adj[i+1:]...)
			return
		}
	}
}

/**
* Checks if the graph has a cycle, returning the youngest transaction in the
* cycle if so.
* @param[out] txnID will contain the youngest transaction id of the cycle
* @return false if the graph has no cycle, otherwise stores the youngest
*         transaction id of the cycle to txnID
 */
func (lm *LockManager) HasCycle(txnID *types.TxnID) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	return lm.hasCycleLocked(txnID)
}

type dfsFrame struct {
	txn       types.TxnID
	neighbors []types.TxnID
	idx       int
}

func (lm *LockManager) sortedNeighbors(t types.TxnID) []types.TxnID {
	nbrs := make([]types.TxnID, len(lm.waitsFor[t]))
	copy(nbrs, lm.waitsFor[t])
	sort.Slice(nbrs, func(i, j int) bool { return nbrs[i] < nbrs[j] })
	return nbrs
}

// hasCycleLocked runs a deterministic depth first search over the wait-for
// graph: start vertices and neighbors are visited in ascending txn id order,
// so repeated passes over the same graph find the same cycle.
func (lm *LockManager) hasCycleLocked(txnID *types.TxnID) bool {
	vertices := make([]types.TxnID, 0, len(lm.waitsFor))
	for t := range lm.waitsFor {
		vertices = append(vertices, t)
	}
	if len(vertices) == 0 {
		return false
	}
	sort.Slice(vertices, func(i, j int) bool { return vertices[i] < vertices[j] })

	visited := make(map[types.TxnID]bool)
	for _, v := range vertices {
		if visited[v] {
			continue
		}
		onPath := make(map[types.TxnID]bool)
		path := make([]types.TxnID, 0)

		st := stack.New()
		st.Push(&dfsFrame{v, lm.sortedNeighbors(v), 0})
		visited[v] = true
		onPath[v] = true
		path = append(path, v)

		for st.Len() > 0 {
			f := st.Peek().(*dfsFrame)
			if f.idx < len(f.neighbors) {
				w := f.neighbors[f.idx]
				f.idx++
				if onPath[w] {
					// back edge: the cycle consists of the path suffix
					// starting at w; abort its youngest member
					youngest := w
					for i := len(path) - 1; i >= 0 && path[i] != w; i-- {
						if path[i] > youngest {
							youngest = path[i]
						}
					}
					*txnID = youngest
					return true
				}
				if !visited[w] {
					visited[w] = true
					onPath[w] = true
					path = append(path, w)
					st.Push(&dfsFrame{w, lm.sortedNeighbors(w), 0})
				}
				continue
			}
			st.Pop()
			onPath[f.txn] = false
			path = path[:len(path)-1]
		}
	}
	return false
}

/** @return the set of all edges in the graph. Used by tests. */
func (lm *LockManager) GetEdgeList() []pair.Pair[types.TxnID, types.TxnID] {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	edges := make([]pair.Pair[types.TxnID, types.TxnID], 0)
	for t1, adj := range lm.waitsFor {
		for _, t2 := range adj {
			edges = append(edges, pair.Pair[types.TxnID, types.TxnID]{First: t1, Second: t2})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].First != edges[j].First {
			return edges[i].First < edges[j].First
		}
		return edges[i].Second < edges[j].Second
	})
	return edges
}

// buildWaitsForGraphLocked rebuilds the wait-for graph from the lock table:
// every waiting request waits for every granted request on the same RID.
// Edges touching an already aborted transaction are skipped.
func (lm *LockManager) buildWaitsForGraphLocked() {
	lm.waitsFor = make(map[types.TxnID][]types.TxnID)
	for _, q := range lm.lockTable {
		granted := make([]types.TxnID, 0)
		waiting := make([]types.TxnID, 0)
		for _, r := range q.requests {
			txn := GetTransaction(r.txnID)
			if txn != nil && txn.GetState() == ABORTED {
				continue
			}
			if r.granted {
				granted = append(granted, r.txnID)
			} else {
				waiting = append(waiting, r.txnID)
			}
		}
		for _, w := range waiting {
			for _, g := range granted {
				lm.addEdgeLocked(w, g)
			}
		}
	}
}

func (lm *LockManager) removeVertexLocked(t types.TxnID) {
	delete(lm.waitsFor, t)
	for t1 := range lm.waitsFor {
		lm.removeEdgeLocked(t1, t)
	}
}

func (lm *LockManager) broadcastAllLocked() {
	for _, q := range lm.lockTable {
		q.cv.Broadcast()
	}
}

/** Runs cycle detection in the background until StopCycleDetection. */
func (lm *LockManager) RunCycleDetection() {
	for atomic.LoadInt32(&lm.enableCycleDetection) == 1 {
		time.Sleep(common.CycleDetectionInterval)

		lm.mutex.Lock()
		lm.buildWaitsForGraphLocked()
		for {
			var victim types.TxnID
			if !lm.hasCycleLocked(&victim) {
				break
			}
			common.ShPrintf(common.DEBUG_INFO, "RunCycleDetection: aborting txn %d to break a deadlock\n", victim)
			if txn := GetTransaction(victim); txn != nil {
				txn.SetState(ABORTED)
			}
			lm.removeVertexLocked(victim)
			lm.broadcastAllLocked()
		}
		lm.mutex.Unlock()
	}
}
