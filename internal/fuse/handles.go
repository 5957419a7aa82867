package fuse

import (
	"sync"

	"github.com/remotefs/remotefs/pkg/types"
)

// openFile is the state behind one kernel file handle. The path is not
// stored: it is resolved from the inode on every call so a rename while
// the file is open is followed.
type openFile struct {
	ino   uint64
	flags uint32

	// mu serialises read-modify-write cycles issued through this handle
	// and guards entries.
	mu sync.Mutex

	// entries is the listing a directory handle pages through. It is
	// refreshed whenever the kernel reads from offset zero. seq is the
	// tracker sequence the listing was taken at.
	entries []types.FileInfo
	seq     uint64
}

// handleTable hands out file handles. Numbers start at 1 and are never
// reused while the mount is alive.
type handleTable struct {
	mu         sync.RWMutex
	handles    map[uint64]*openFile
	nextHandle uint64
}

func newHandleTable() *handleTable {
	return &handleTable{
		handles:    make(map[uint64]*openFile),
		nextHandle: 1,
	}
}

// Allocate registers an open of ino and returns its handle.
func (ht *handleTable) Allocate(ino uint64, flags uint32) uint64 {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	fh := ht.nextHandle
	ht.nextHandle++
	ht.handles[fh] = &openFile{ino: ino, flags: flags}
	return fh
}

func (ht *handleTable) Get(fh uint64) (*openFile, bool) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	of, ok := ht.handles[fh]
	return of, ok
}

// Release frees fh. Releasing an unknown handle is a no-op.
func (ht *handleTable) Release(fh uint64) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	delete(ht.handles, fh)
}

// Len returns the number of open handles.
func (ht *handleTable) Len() int {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return len(ht.handles)
}
