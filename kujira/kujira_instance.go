package kujira

import (
	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/storage/access"
	"github.com/kujiradb/kujiradb/storage/buffer"
	"github.com/kujiradb/kujiradb/storage/disk"
)

// KujiraInstance bundles the storage-and-concurrency core: disk manager,
// buffer pool, lock manager with running deadlock detection, and the
// transaction manager. Construction and shutdown are explicit.
type KujiraInstance struct {
	disk_manager        disk.DiskManager
	bpm                 *buffer.BufferPoolManager
	lock_manager        *access.LockManager
	transaction_manager *access.TransactionManager
}

// NewKujiraInstance wires the core on top of dbFilename with a buffer pool
// of poolSize frames
func NewKujiraInstance(dbFilename string, poolSize uint32) *KujiraInstance {
	disk_manager := disk.NewDiskManagerImpl(dbFilename)
	return newInstance(disk_manager, poolSize)
}

// NewKujiraInstanceForTesting wires the core on top of an in-memory disk
// manager. Nothing survives Finalize.
func NewKujiraInstanceForTesting(dbFilename string, poolSize uint32) *KujiraInstance {
	disk_manager := disk.NewVirtualDiskManagerImpl(dbFilename)
	return newInstance(disk_manager, poolSize)
}

func newInstance(disk_manager disk.DiskManager, poolSize uint32) *KujiraInstance {
	if poolSize == 0 {
		poolSize = common.BufferPoolMaxFrameNum
	}
	bpm := buffer.NewBufferPoolManager(poolSize, disk_manager)
	lock_manager := access.NewLockManager()
	lock_manager.StartCycleDetection()
	transaction_manager := access.NewTransactionManager(lock_manager)
	return &KujiraInstance{disk_manager, bpm, lock_manager, transaction_manager}
}

func (ki *KujiraInstance) GetDiskManager() disk.DiskManager {
	return ki.disk_manager
}

func (ki *KujiraInstance) GetBufferPoolManager() *buffer.BufferPoolManager {
	return ki.bpm
}

func (ki *KujiraInstance) GetLockManager() *access.LockManager {
	return ki.lock_manager
}

func (ki *KujiraInstance) GetTransactionManager() *access.TransactionManager {
	return ki.transaction_manager
}

// Finalize flushes every dirty page, joins the cycle detection goroutine and
// shuts the disk manager down
func (ki *KujiraInstance) Finalize() {
	ki.bpm.FlushAllPages()
	ki.lock_manager.StopCycleDetection()
	ki.disk_manager.ShutDown()
}
