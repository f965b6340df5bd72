// Package fs is the slice of the file system the memory core talks to:
// files whose data lives in disk blocks reached through the buffer cache,
// and the group boundary that bounds how many blocks one transaction may
// dirty.
package fs

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// WriteChunk returns the most bytes one group may write to a file: a write
// dirties the inode, an indirect block and two bitmap blocks besides the data,
// and unaligned writes may straddle two data blocks.
func WriteChunk(maxOpBlocks, blockSize int) int {
	return ((maxOpBlocks - 1 - 1 - 2) / 2) * blockSize
}

// Log admits groups of writes while the log has room for each to dirty
// maxOpBlocks blocks. It implements mmap.Group.
type Log struct {
	mu          sync.Mutex
	cond        *sync.Cond
	logSize     int
	maxOpBlocks int
	outstanding int
	groups      uint64
}

// NewLog returns a log of logSize blocks for groups of up to maxOpBlocks.
func NewLog(logSize, maxOpBlocks int) (*Log, error) {
	if maxOpBlocks <= 4 || logSize < maxOpBlocks {
		return nil, fmt.Errorf("log of %d blocks cannot hold groups of %d blocks", logSize, maxOpBlocks)
	}
	l := &Log{logSize: logSize, maxOpBlocks: maxOpBlocks}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Begin waits until the log can take one more group.
func (l *Log) Begin() {
	l.mu.Lock()
	for (l.outstanding+1)*l.maxOpBlocks > l.logSize {
		l.cond.Wait()
	}
	l.outstanding++
	l.mu.Unlock()
}

// End closes a group opened by Begin.
func (l *Log) End() {
	l.mu.Lock()
	l.outstanding--
	if l.outstanding < 0 {
		l.mu.Unlock()
		panic("end_op: no outstanding group")
	}
	l.groups++
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Groups returns the number of groups completed.
func (l *Log) Groups() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.groups
}

// Outstanding returns the number of open groups.
func (l *Log) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}
