package access

import (
	"sync"

	"github.com/kujiradb/kujiradb/types"
)

/**
 * TransactionManager keeps track of all the transactions running in the system.
 */
type TransactionManager struct {
	next_txn_id  types.TxnID
	lock_manager *LockManager
	mutex        *sync.Mutex
}

var txn_map map[types.TxnID]*Transaction = make(map[types.TxnID]*Transaction)
var txn_map_mutex = new(sync.Mutex)

func NewTransactionManager(lock_manager *LockManager) *TransactionManager {
	return &TransactionManager{0, lock_manager, new(sync.Mutex)}
}

// Begin starts a new transaction under the given isolation level. Ids are
// handed out monotonically, so a larger id always belongs to a younger
// transaction.
func (tm *TransactionManager) Begin(isolationLevel IsolationLevel) *Transaction {
	tm.mutex.Lock()
	txn := NewTransaction(tm.next_txn_id, isolationLevel)
	tm.next_txn_id++
	tm.mutex.Unlock()

	txn_map_mutex.Lock()
	txn_map[txn.GetTransactionId()] = txn
	txn_map_mutex.Unlock()

	return txn
}

// Commit commits txn and releases every lock it still holds
func (tm *TransactionManager) Commit(txn *Transaction) {
	txn.SetState(COMMITTED)
	tm.lock_manager.UnlockAll(txn)
}

// Abort aborts txn and releases every lock it still holds
func (tm *TransactionManager) Abort(txn *Transaction) {
	txn.SetState(ABORTED)
	tm.lock_manager.UnlockAll(txn)
}

// GetTransaction resolves a transaction id to its handle. Used by the
// deadlock detector to abort cycle members.
func GetTransaction(txn_id types.TxnID) *Transaction {
	txn_map_mutex.Lock()
	defer txn_map_mutex.Unlock()
	return txn_map[txn_id]
}
