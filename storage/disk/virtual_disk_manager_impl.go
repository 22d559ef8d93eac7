package disk

import (
	"io"
	"strings"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/types"
)

// VirtualDiskManagerImpl keeps all pages on an in-memory file. It is used by
// tests and ephemeral databases which do not need data to survive shutdown.
type VirtualDiskManagerImpl struct {
	db           *memfile.File
	fileName     string
	log          *memfile.File
	fileName_log string
	nextPageID   types.PageID
	numWrites    uint64
	size         int64
	numFlushes   uint64
	dbFileMutex  *sync.Mutex
	// space of deallocated pages is reused by subsequent allocations
	reusableSpaceIDs []types.PageID
	spaceIDConvMap   map[types.PageID]types.PageID
	deallocedIDMap   map[types.PageID]bool
}

func NewVirtualDiskManagerImpl(dbFilename string) DiskManager {
	file := memfile.New(make([]byte, 0))

	period_idx := strings.LastIndex(dbFilename, ".")
	logfname_base := dbFilename[:period_idx]
	logfname := logfname_base + "." + "log"

	file_1 := memfile.New(make([]byte, 0))

	// page 0 is reserved for the header page and never handed out
	return &VirtualDiskManagerImpl{file, dbFilename, file_1, logfname, types.PageID(1), 0, int64(0), 0,
		new(sync.Mutex), make([]types.PageID, 0), make(map[types.PageID]types.PageID), make(map[types.PageID]bool)}
}

// ShutDown does nothing. The backing memory is released with the object.
func (d *VirtualDiskManagerImpl) ShutDown() {
}

// spaceID(pageID) conversion for reuse of file space which was allocated to
// a deallocated page
func (d *VirtualDiskManagerImpl) convToSpaceID(pageID types.PageID) (spaceID types.PageID) {
	if convedID, exist := d.spaceIDConvMap[pageID]; exist {
		return convedID
	}
	return pageID
}

// WritePage writes a page to the in-memory file
func (d *VirtualDiskManagerImpl) WritePage(pageId types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	offset := int64(d.convToSpaceID(pageId)) * int64(common.PageSize)
	d.db.WriteAt(pageData, offset)

	if offset >= d.size {
		d.size = offset + int64(len(pageData))
	}

	d.numWrites++
	return nil
}

// ReadPage reads a page from the in-memory file
func (d *VirtualDiskManagerImpl) ReadPage(pageID types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	if _, exist := d.deallocedIDMap[pageID]; exist {
		return types.DeallocatedPageErr
	}

	offset := int64(d.convToSpaceID(pageID)) * int64(common.PageSize)

	if offset >= d.size {
		// never written, behaves as a zero-filled page
		for i := range pageData {
			pageData[i] = 0
		}
		return nil
	}

	n, err := d.db.ReadAt(pageData, offset)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < len(pageData); i++ {
		pageData[i] = 0
	}
	return nil
}

// AllocatePage allocates a new page, reusing the space of deallocated pages
// when some exists
func (d *VirtualDiskManagerImpl) AllocatePage() types.PageID {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	ret := d.nextPageID
	if len(d.reusableSpaceIDs) > 0 {
		reuseID := d.reusableSpaceIDs[0]
		d.reusableSpaceIDs = d.reusableSpaceIDs[1:]
		d.spaceIDConvMap[ret] = reuseID
	}
	d.nextPageID++
	return ret
}

// DeallocatePage marks the page unreadable and queues its file space for
// reuse
func (d *VirtualDiskManagerImpl) DeallocatePage(pageID types.PageID) {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	d.deallocedIDMap[pageID] = true
	d.reusableSpaceIDs = append(d.reusableSpaceIDs, d.convToSpaceID(pageID))
	delete(d.spaceIDConvMap, pageID)
}

// GetNumWrites returns the number of page writes
func (d *VirtualDiskManagerImpl) GetNumWrites() uint64 {
	return d.numWrites
}

// Size returns the size of the in-memory file
func (d *VirtualDiskManagerImpl) Size() int64 {
	return d.size
}

// WriteLog appends the contents of the log into the in-memory log file
func (d *VirtualDiskManagerImpl) WriteLog(log_data []byte) {
	d.numFlushes += 1
	d.log.WriteAt(log_data, int64(len(d.log.Bytes())))
}
