package access

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

func init() {
	common.CycleDetectionInterval = 50 * time.Millisecond
}

func newLockTestSetup() (*LockManager, *TransactionManager) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	return lm, tm
}

func TestSharedLockUnlock(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	txn := tm.Begin(REPEATABLE_READ)
	rid := page.NewRID(1, 0)

	assert.True(t, lm.LockShared(txn, rid))
	assert.True(t, txn.IsSharedLocked(rid))
	assert.Equal(t, GROWING, txn.GetState())

	assert.True(t, lm.Unlock(txn, rid))
	assert.False(t, txn.IsSharedLocked(rid))
	assert.Equal(t, SHRINKING, txn.GetState())
}

func TestTwoPhaseLockingMonotonicity(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	txn := tm.Begin(REPEATABLE_READ)
	r1 := page.NewRID(1, 0)
	r2 := page.NewRID(1, 1)

	require.True(t, lm.LockExclusive(txn, r1))
	require.True(t, lm.Unlock(txn, r1))
	assert.Equal(t, SHRINKING, txn.GetState())

	// Scenario: once a transaction unlocked anything, no further lock
	// acquisition succeeds and the transaction aborts.
	assert.False(t, lm.LockShared(txn, r2))
	assert.Equal(t, ABORTED, txn.GetState())
}

func TestReadUncommittedForbidsSharedLocks(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	txn := tm.Begin(READ_UNCOMMITTED)
	rid := page.NewRID(1, 0)

	assert.False(t, lm.LockShared(txn, rid))
	assert.Equal(t, ABORTED, txn.GetState())
}

func TestUnlockWithoutLockFails(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	txn := tm.Begin(REPEATABLE_READ)
	assert.False(t, lm.Unlock(txn, page.NewRID(3, 3)))
}

func TestSharedWaitsBehindExclusive(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	t1 := tm.Begin(REPEATABLE_READ)
	t2 := tm.Begin(REPEATABLE_READ)
	t3 := tm.Begin(REPEATABLE_READ)
	rid := page.NewRID(1, 0)

	// Scenario: T1 holds X on the rid; shared requests from T2 and T3 queue
	// up behind it.
	require.True(t, lm.LockExclusive(t1, rid))

	var wg sync.WaitGroup
	granted := make(chan types.TxnID, 2)
	for _, txn := range []*Transaction{t2, t3} {
		wg.Add(1)
		go func(txn *Transaction) {
			defer wg.Done()
			if lm.LockShared(txn, rid) {
				granted <- txn.GetTransactionId()
			}
		}(txn)
	}

	// the shared requests must still be blocked
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, len(granted))
	assert.False(t, t2.IsSharedLocked(rid))
	assert.False(t, t3.IsSharedLocked(rid))

	// Scenario: T1 unlocks, both shared requests are granted together.
	require.True(t, lm.Unlock(t1, rid))
	wg.Wait()
	assert.Equal(t, 2, len(granted))
	assert.True(t, t2.IsSharedLocked(rid))
	assert.True(t, t3.IsSharedLocked(rid))
}

func TestLockUpgrade(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	t1 := tm.Begin(REPEATABLE_READ)
	t2 := tm.Begin(REPEATABLE_READ)
	rid := page.NewRID(1, 0)

	require.True(t, lm.LockShared(t1, rid))
	require.True(t, lm.LockShared(t2, rid))

	// Scenario: T1 upgrades while T2 still shares the rid. The upgrade
	// blocks until T2 unlocks.
	upgraded := make(chan bool, 1)
	go func() {
		upgraded <- lm.LockUpgrade(t1, rid)
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case <-upgraded:
		t.Fatal("upgrade completed while another shared holder remained")
	default:
	}

	require.True(t, lm.Unlock(t2, rid))
	assert.True(t, <-upgraded)
	assert.True(t, t1.IsExclusiveLocked(rid))
	assert.False(t, t1.IsSharedLocked(rid))
}

func TestConcurrentUpgradeRejected(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	t1 := tm.Begin(REPEATABLE_READ)
	t2 := tm.Begin(REPEATABLE_READ)
	rid := page.NewRID(1, 0)

	require.True(t, lm.LockShared(t1, rid))
	require.True(t, lm.LockShared(t2, rid))

	// Scenario: T1's upgrade is pending; T2's concurrent upgrade attempt is
	// rejected because only one upgrade per rid may be in flight.
	firstResult := make(chan bool, 1)
	go func() {
		firstResult <- lm.LockUpgrade(t1, rid)
	}()
	time.Sleep(100 * time.Millisecond)

	assert.False(t, lm.LockUpgrade(t2, rid))

	require.True(t, lm.Unlock(t2, rid))
	assert.True(t, <-firstResult)
}

func TestDeadlockDetectionAbortsYoungest(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	t1 := tm.Begin(REPEATABLE_READ) // older
	t2 := tm.Begin(REPEATABLE_READ) // younger
	r1 := page.NewRID(1, 0)
	r2 := page.NewRID(2, 0)

	lm.StartCycleDetection()

	require.True(t, lm.LockExclusive(t1, r1))
	require.True(t, lm.LockExclusive(t2, r2))

	// Scenario: T1 waits for R2 while T2 waits for R1. Within one cycle
	// detection interval the younger transaction is aborted; the older one
	// obtains its lock.
	t1Result := make(chan bool, 1)
	t2Result := make(chan bool, 1)
	go func() {
		t1Result <- lm.LockExclusive(t1, r2)
	}()
	// give T1's request time to enqueue so the wait-for cycle is closed by T2
	time.Sleep(20 * time.Millisecond)
	go func() {
		t2Result <- lm.LockExclusive(t2, r1)
	}()

	select {
	case ok := <-t2Result:
		assert.False(t, ok, "the younger transaction must lose its lock request")
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock was not resolved in time")
	}
	assert.Equal(t, ABORTED, t2.GetState())

	// the aborted transaction rolls back, releasing R2 to the survivor
	tm.Abort(t2)

	select {
	case ok := <-t1Result:
		assert.True(t, ok, "the older transaction must make progress")
	case <-time.After(5 * time.Second):
		t.Fatal("survivor did not obtain its lock")
	}
	tm.Commit(t1)
}

func TestCommitReleasesLocks(t *testing.T) {
	lm, tm := newLockTestSetup()
	defer lm.StopCycleDetection()

	t1 := tm.Begin(REPEATABLE_READ)
	t2 := tm.Begin(REPEATABLE_READ)
	rid := page.NewRID(1, 0)

	require.True(t, lm.LockExclusive(t1, rid))

	acquired := make(chan bool, 1)
	go func() {
		acquired <- lm.LockExclusive(t2, rid)
	}()
	time.Sleep(50 * time.Millisecond)

	tm.Commit(t1)
	assert.True(t, <-acquired)
	assert.Equal(t, COMMITTED, t1.GetState())
	assert.Equal(t, 0, t1.GetExclusiveLockSet().Cardinality())
}

func TestWaitForGraphAPI(t *testing.T) {
	lm, _ := newLockTestSetup()
	defer lm.StopCycleDetection()

	lm.AddEdge(0, 1)
	lm.AddEdge(1, 2)
	lm.AddEdge(2, 0)
	lm.AddEdge(2, 0) // duplicate edges collapse

	edges := lm.GetEdgeList()
	require.Len(t, edges, 3)
	assert.Equal(t, types.TxnID(0), edges[0].First)
	assert.Equal(t, types.TxnID(1), edges[0].Second)

	// Scenario: 0 -> 1 -> 2 -> 0 is a cycle; its youngest member is 2.
	var victim types.TxnID
	require.True(t, lm.HasCycle(&victim))
	assert.Equal(t, types.TxnID(2), victim)

	// Scenario: breaking the cycle clears the detector.
	lm.RemoveEdge(2, 0)
	assert.False(t, lm.HasCycle(&victim))
}

func TestHasCycleOnEmptyGraph(t *testing.T) {
	lm, _ := newLockTestSetup()
	defer lm.StopCycleDetection()

	var victim types.TxnID
	assert.False(t, lm.HasCycle(&victim))
}
