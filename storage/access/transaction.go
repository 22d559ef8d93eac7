package access

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kujiradb/kujiradb/storage/page"
	"github.com/kujiradb/kujiradb/types"
)

/**
 * Transaction states:
 *
 *     _________________________
 *    |                         v
 * GROWING -> SHRINKING -> COMMITTED   ABORTED
 *    |__________|________________________^
 *
 **/

type TransactionState int32

const (
	GROWING TransactionState = iota
	SHRINKING
	COMMITTED
	ABORTED
)

type IsolationLevel int32

const (
	READ_UNCOMMITTED IsolationLevel = iota
	READ_COMMITTED
	REPEATABLE_READ
)

/**
 * Transaction tracks information related to a transaction.
 */
type Transaction struct {
	/** The current transaction state. Stored atomically: the deadlock
	detector aborts transactions from its own goroutine. */
	state int32

	isolationLevel IsolationLevel

	/** The id of this transaction. Lower ids belong to older transactions. */
	txn_id types.TxnID

	/** LockManager: the set of shared-locked tuples held by this transaction. */
	shared_lock_set mapset.Set[page.RID]
	/** LockManager: the set of exclusive-locked tuples held by this transaction. */
	exclusive_lock_set mapset.Set[page.RID]
}

func NewTransaction(txn_id types.TxnID, isolationLevel IsolationLevel) *Transaction {
	return &Transaction{
		int32(GROWING),
		isolationLevel,
		txn_id,
		mapset.NewSet[page.RID](),
		mapset.NewSet[page.RID](),
	}
}

/** @return the id of this transaction */
func (txn *Transaction) GetTransactionId() types.TxnID { return txn.txn_id }

/** @return the isolation level this transaction runs under */
func (txn *Transaction) GetIsolationLevel() IsolationLevel { return txn.isolationLevel }

/** @return the set of resources under a shared lock */
func (txn *Transaction) GetSharedLockSet() mapset.Set[page.RID] { return txn.shared_lock_set }

/** @return the set of resources under an exclusive lock */
func (txn *Transaction) GetExclusiveLockSet() mapset.Set[page.RID] { return txn.exclusive_lock_set }

/** @return true if rid is shared locked by this transaction */
func (txn *Transaction) IsSharedLocked(rid *page.RID) bool {
	return txn.shared_lock_set.Contains(*rid)
}

/** @return true if rid is exclusively locked by this transaction */
func (txn *Transaction) IsExclusiveLocked(rid *page.RID) bool {
	return txn.exclusive_lock_set.Contains(*rid)
}

/** @return the current state of the transaction */
func (txn *Transaction) GetState() TransactionState {
	return TransactionState(atomic.LoadInt32(&txn.state))
}

/**
* Set the state of the transaction.
* @param state new state
 */
func (txn *Transaction) SetState(state TransactionState) {
	atomic.StoreInt32(&txn.state, int32(state))
}
