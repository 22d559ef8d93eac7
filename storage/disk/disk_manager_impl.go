package disk

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/kujiradb/kujiradb/common"
	"github.com/kujiradb/kujiradb/types"
)

// DiskManagerImpl is the disk implementation of DiskManager
type DiskManagerImpl struct {
	db           *os.File
	fileName     string
	log          *os.File
	fileName_log string
	nextPageID   types.PageID
	numWrites    uint64
	size         int64
	numFlushes   uint64
	dbFileMutex  *sync.Mutex
}

// NewDiskManagerImpl returns a DiskManager instance backed by dbFilename
func NewDiskManagerImpl(dbFilename string) DiskManager {
	file, err := os.OpenFile(dbFilename, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		common.ShPrintf(common.FATAL, "can't open db file: %v\n", err)
		return nil
	}

	period_idx := strings.LastIndex(dbFilename, ".")
	logfname_base := dbFilename[:period_idx]
	logfname := logfname_base + "." + "log"
	file_1, err := os.OpenFile(logfname, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		common.ShPrintf(common.FATAL, "can't open log file: %v\n", err)
		return nil
	}

	fileInfo, err := file.Stat()
	if err != nil {
		common.ShPrintf(common.FATAL, "file info error: %v\n", err)
		return nil
	}

	fileSize := fileInfo.Size()
	nPages := fileSize / common.PageSize

	// page 0 is reserved for the header page and never handed out
	nextPageID := types.PageID(1)
	if nPages > 1 {
		nextPageID = types.PageID(int32(nPages))
	}

	return &DiskManagerImpl{file, dbFilename, file_1, logfname, nextPageID, 0, fileSize, 0, new(sync.Mutex)}
}

// ShutDown closes the database and log files
func (d *DiskManagerImpl) ShutDown() {
	d.db.Close()
	d.log.Close()
}

// WritePage writes a page to the database file
func (d *DiskManagerImpl) WritePage(pageId types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	offset := int64(pageId) * int64(common.PageSize)
	d.db.Seek(offset, io.SeekStart)
	bytesWritten, err := d.db.Write(pageData)
	if err != nil {
		return err
	}

	if bytesWritten != common.PageSize {
		return errors.New("bytes written not equals page size")
	}

	if offset >= d.size {
		d.size = offset + int64(bytesWritten)
	}

	d.numWrites++
	d.db.Sync()
	return nil
}

// ReadPage reads a page from the database file
func (d *DiskManagerImpl) ReadPage(pageID types.PageID, pageData []byte) error {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	offset := int64(pageID) * int64(common.PageSize)

	fileInfo, err := d.db.Stat()
	if err != nil {
		return errors.New("file info error")
	}

	if offset >= fileInfo.Size() {
		// never written, behaves as a zero-filled page
		for i := range pageData {
			pageData[i] = 0
		}
		return nil
	}

	d.db.Seek(offset, io.SeekStart)

	bytesRead, err := d.db.Read(pageData)
	if err != nil && err != io.EOF {
		return errors.New("I/O error while reading")
	}

	if bytesRead < common.PageSize {
		// partially written page, zero-fill the tail
		for i := bytesRead; i < common.PageSize; i++ {
			pageData[i] = 0
		}
	}
	return nil
}

// AllocatePage allocates a new page
// For now just keep an increasing counter
func (d *DiskManagerImpl) AllocatePage() types.PageID {
	d.dbFileMutex.Lock()
	defer d.dbFileMutex.Unlock()

	ret := d.nextPageID
	d.nextPageID++
	return ret
}

// DeallocatePage deallocates page
// Need bitmap in header page for tracking pages
// This does not actually need to do anything for now.
func (d *DiskManagerImpl) DeallocatePage(pageID types.PageID) {
}

// GetNumWrites returns the number of disk writes
func (d *DiskManagerImpl) GetNumWrites() uint64 {
	return d.numWrites
}

// Size returns the size of the file in disk
func (d *DiskManagerImpl) Size() int64 {
	return d.size
}

// ATTENTION: this method can be called only after calling of ShutDown method
func (d *DiskManagerImpl) RemoveDBFile() {
	os.Remove(d.fileName)
}

// ATTENTION: this method can be called only after calling of ShutDown method
func (d *DiskManagerImpl) RemoveLogFile() {
	os.Remove(d.fileName_log)
}

// WriteLog writes the contents of the log into the log file.
// Only returns when the sync is done, and only performs sequential writes.
func (d *DiskManagerImpl) WriteLog(log_data []byte) {
	d.numFlushes += 1
	_, err := d.log.Write(log_data)
	if err != nil {
		common.ShPrintf(common.ERROR, "I/O error while writing log\n")
		return
	}
	d.log.Sync()
}
