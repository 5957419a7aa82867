// Package state maps kernel inode numbers to remote paths and caches the
// last known attributes of those paths.
package state

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// RootIno is the inode number the kernel uses for the mount root.
const RootIno uint64 = 1

// Attr is the cached view of one remote entry.
type Attr struct {
	IsDir bool
	Size  int64
	Mode  os.FileMode // permission bits only
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
}

// AttrFromInfo builds an Attr from a remote entry. Missing permission bits
// and timestamps are filled from the supplied defaults and now.
func AttrFromInfo(fi types.FileInfo, fileMode, dirMode os.FileMode) Attr {
	a := Attr{
		IsDir: fi.IsDir,
		Size:  fi.Size,
		Mode:  fi.Mode.Perm(),
		Mtime: fi.ModTime,
		Ctime: fi.ChTime,
	}
	if a.Mode == 0 {
		if a.IsDir {
			a.Mode = dirMode
		} else {
			a.Mode = fileMode
		}
	}
	if a.IsDir {
		a.Size = 0
	}
	now := time.Now()
	if a.Mtime.IsZero() {
		a.Mtime = now
	}
	if a.Ctime.IsZero() {
		a.Ctime = a.Mtime
	}
	a.Atime = a.Mtime
	return a
}

type record struct {
	ino     uint64
	path    string
	lookups uint64
	stale   bool
}

// Tracker is the shared inode/path table. Resolve and Lookup take the read
// lock; every mutation takes the write lock. No method performs I/O.
type Tracker struct {
	mu      sync.RWMutex
	nextIno uint64
	byIno   map[uint64]*record
	byPath  map[string]*record

	// attrs is nil when attribute caching is disabled.
	attrs *expirable.LRU[string, Attr]

	// seq advances on every invalidation so fetches that raced with a
	// mutation can be discarded by FillAttr.
	seqMu sync.Mutex
	seq   uint64
}

// NewTracker returns a tracker holding only the root. A non-positive ttl
// disables attribute caching.
func NewTracker(ttl time.Duration, maxEntries int) *Tracker {
	root := &record{ino: RootIno, path: "/", lookups: 1}
	t := &Tracker{
		nextIno: RootIno + 1,
		byIno:   map[uint64]*record{RootIno: root},
		byPath:  map[string]*record{"/": root},
	}
	if ttl > 0 {
		if maxEntries <= 0 {
			maxEntries = 100000
		}
		t.attrs = expirable.NewLRU[string, Attr](maxEntries, nil, ttl)
	}
	return t
}

// Resolve returns the current path of ino. Unknown and tombstoned inodes
// fail with StaleHandle.
func (t *Tracker) Resolve(ino uint64) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byIno[ino]
	if !ok || rec.stale {
		return "", errors.Newf(errors.ErrCodeStaleHandle, "inode %d is not tracked", ino).
			WithComponent("state").WithOperation("resolve")
	}
	return rec.path, nil
}

// Lookup returns the inode tracked for path without allocating one.
func (t *Tracker) Lookup(path string) (uint64, bool) {
	path = utils.CleanRemotePath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byPath[path]
	if !ok {
		return 0, false
	}
	return rec.ino, true
}

// Intern returns the inode for path, allocating one if the path is not yet
// tracked, and counts one kernel lookup against it.
func (t *Tracker) Intern(path string) uint64 {
	path = utils.CleanRemotePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.byPath[path]; ok {
		rec.lookups++
		return rec.ino
	}

	rec := &record{ino: t.nextIno, path: path, lookups: 1}
	t.nextIno++
	t.byIno[rec.ino] = rec
	t.byPath[path] = rec
	return rec.ino
}

// Forget drops nlookup kernel references to ino and frees the record once
// none remain. The root is never freed.
func (t *Tracker) Forget(ino, nlookup uint64) {
	if ino == RootIno {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byIno[ino]
	if !ok {
		return
	}
	if nlookup >= rec.lookups {
		rec.lookups = 0
	} else {
		rec.lookups -= nlookup
	}
	if rec.lookups > 0 {
		return
	}

	delete(t.byIno, ino)
	if rec.stale {
		return
	}
	if owner := t.byPath[rec.path]; owner != rec {
		panic(fmt.Sprintf("state: inode %d claims %q but the path table maps it elsewhere", ino, rec.path))
	}
	delete(t.byPath, rec.path)
}

// Rename moves the mapping of oldPath, and of everything tracked below it,
// to newPath while keeping the inode numbers. An inode previously tracked at
// newPath is retired. Cached attributes of both subtrees are dropped.
func (t *Tracker) Rename(oldPath, newPath string) error {
	oldPath = utils.CleanRemotePath(oldPath)
	newPath = utils.CleanRemotePath(newPath)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byPath[oldPath]
	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "path %s is not tracked", oldPath).
			WithComponent("state").WithOperation("rename")
	}
	if oldPath == newPath {
		return nil
	}
	if oldPath == "/" || utils.IsDescendant(newPath, oldPath) {
		return errors.Newf(errors.ErrCodeInvalidArgument, "cannot move %s below itself", oldPath).
			WithComponent("state").WithOperation("rename")
	}

	t.retireLocked(newPath)

	moved := []*record{rec}
	for p, r := range t.byPath {
		if utils.IsDescendant(p, oldPath) {
			moved = append(moved, r)
		}
	}
	for _, r := range moved {
		delete(t.byPath, r.path)
	}
	for _, r := range moved {
		r.path = utils.RebasePath(r.path, oldPath, newPath)
		t.byPath[r.path] = r
	}

	t.invalidateSubtree(oldPath)
	t.invalidateSubtree(newPath)
	return nil
}

// Retire tombstones the inode at path and every inode below it. The inode
// numbers stay allocated until the kernel forgets them, but Resolve reports
// them as stale. Cached attributes for the subtree are dropped.
func (t *Tracker) Retire(path string) {
	path = utils.CleanRemotePath(path)
	if path == "/" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.retireLocked(path)
	t.invalidateSubtree(path)
}

func (t *Tracker) retireLocked(path string) {
	for p, r := range t.byPath {
		if p == path || utils.IsDescendant(p, path) {
			r.stale = true
			delete(t.byPath, p)
		}
	}
}

// GetAttr returns the cached attributes of path if present and unexpired.
func (t *Tracker) GetAttr(path string) (Attr, bool) {
	if t.attrs == nil {
		return Attr{}, false
	}
	return t.attrs.Get(utils.CleanRemotePath(path))
}

// PutAttr records attributes produced by a local mutation of path. Fetches
// that started before the call are not allowed to overwrite them.
func (t *Tracker) PutAttr(path string, attr Attr) {
	if t.attrs == nil {
		return
	}
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.seq++
	t.attrs.Add(utils.CleanRemotePath(path), attr)
}

// Seq returns the invalidation sequence number. Pass it to FillAttr when the
// attributes come from a fetch that started at this point.
func (t *Tracker) Seq() uint64 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	return t.seq
}

// FillAttr caches attributes fetched from the remote store unless an
// invalidation happened after seq was taken, in which case the fetched
// value may predate a local mutation and is not cached.
func (t *Tracker) FillAttr(path string, attr Attr, seq uint64) bool {
	if t.attrs == nil {
		return false
	}
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	if t.seq != seq {
		return false
	}
	t.attrs.Add(utils.CleanRemotePath(path), attr)
	return true
}

// Invalidate drops the cached attributes of path.
func (t *Tracker) Invalidate(path string) {
	if t.attrs == nil {
		return
	}
	t.seqMu.Lock()
	t.seq++
	t.attrs.Remove(utils.CleanRemotePath(path))
	t.seqMu.Unlock()
}

// InvalidatePrefix drops the cached attributes of path and everything below it.
func (t *Tracker) InvalidatePrefix(path string) {
	t.invalidateSubtree(path)
}

func (t *Tracker) invalidateSubtree(path string) {
	if t.attrs == nil {
		return
	}
	path = utils.CleanRemotePath(path)

	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.seq++
	t.attrs.Remove(path)
	for _, k := range t.attrs.Keys() {
		if utils.IsDescendant(k, path) {
			t.attrs.Remove(k)
		}
	}
}

// Len returns the number of allocated inodes, tombstoned ones included.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIno)
}
