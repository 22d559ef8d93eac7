package common

import (
	"time"
)

// CycleDetectionInterval is the period of the lock manager's background
// deadlock detection pass.
var CycleDetectionInterval time.Duration = 50 * time.Millisecond

var EnableLogging bool = false
var EnableDebug bool = false

const (
	// the header page id
	HeaderPageID = 0
	// size of a data page in byte
	PageSize = 4096
	// default number of frames in the buffer pool
	BufferPoolMaxFrameNum = 32
)
