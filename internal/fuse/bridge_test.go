package fuse

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotefs/remotefs/internal/remote"
	"github.com/remotefs/remotefs/internal/server"
	"github.com/remotefs/remotefs/internal/state"
	"github.com/remotefs/remotefs/internal/storage/disk"
	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
)

// newTestBridge serves a fresh directory through the reference server and
// returns a bridge talking to it together with the directory.
func newTestBridge(t *testing.T) (*Bridge, string) {
	t.Helper()
	return newTestBridgeWithOptions(t, testOptions())
}

func newTestBridgeWithOptions(t *testing.T, opts Options) (*Bridge, string) {
	t.Helper()

	root := t.TempDir()
	store, err := disk.New(root)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(server.New(server.Config{Store: store, Version: "test"}).Handler())
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	return NewBridge(client, opts), root
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CacheTTL = time.Minute
	opts.Retry.InitialDelay = time.Millisecond
	opts.Retry.MaxDelay = 5 * time.Millisecond
	return opts
}

func header(ino uint64) fuse.InHeader {
	return fuse.InHeader{NodeId: ino}
}

func lookup(t *testing.T, b *Bridge, parent uint64, name string) (fuse.EntryOut, fuse.Status) {
	t.Helper()
	var out fuse.EntryOut
	h := header(parent)
	st := b.Lookup(nil, &h, name, &out)
	return out, st
}

func getattr(b *Bridge, ino uint64) (fuse.AttrOut, fuse.Status) {
	var out fuse.AttrOut
	st := b.GetAttr(nil, &fuse.GetAttrIn{InHeader: header(ino)}, &out)
	return out, st
}

func open(t *testing.T, b *Bridge, ino uint64, flags uint32) uint64 {
	t.Helper()
	var out fuse.OpenOut
	require.Equal(t, fuse.OK, b.Open(nil, &fuse.OpenIn{InHeader: header(ino), Flags: flags}, &out))
	return out.Fh
}

func create(t *testing.T, b *Bridge, parent uint64, name string) (uint64, uint64) {
	t.Helper()
	var out fuse.CreateOut
	in := &fuse.CreateIn{InHeader: header(parent), Flags: syscall.O_RDWR, Mode: 0644}
	require.Equal(t, fuse.OK, b.Create(nil, in, name, &out))
	return out.NodeId, out.Fh
}

func write(b *Bridge, ino, fh, off uint64, data string) (uint32, fuse.Status) {
	in := &fuse.WriteIn{InHeader: header(ino), Fh: fh, Offset: off, Size: uint32(len(data))}
	return b.Write(nil, in, []byte(data))
}

func read(t *testing.T, b *Bridge, ino, fh, off uint64, size uint32) (string, fuse.Status) {
	t.Helper()
	buf := make([]byte, size)
	res, st := b.Read(nil, &fuse.ReadIn{InHeader: header(ino), Fh: fh, Offset: off, Size: size}, buf)
	if st != fuse.OK {
		return "", st
	}
	data, st := res.Bytes(buf)
	return string(data), st
}

func mkdir(b *Bridge, parent uint64, name string) (fuse.EntryOut, fuse.Status) {
	var out fuse.EntryOut
	st := b.Mkdir(nil, &fuse.MkdirIn{InHeader: header(parent), Mode: 0755}, name, &out)
	return out, st
}

func rename(b *Bridge, oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) fuse.Status {
	in := &fuse.RenameIn{InHeader: header(oldParent), Newdir: newParent, Flags: flags}
	return b.Rename(nil, in, oldName, newName)
}

func TestLookupIsIdempotent(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0644))

	first, st := lookup(t, b, state.RootIno, "a.txt")
	require.Equal(t, fuse.OK, st)
	second, st := lookup(t, b, state.RootIno, "a.txt")
	require.Equal(t, fuse.OK, st)

	assert.Equal(t, first.NodeId, second.NodeId)
	assert.NotEqual(t, state.RootIno, first.NodeId)
	assert.Equal(t, uint64(5), first.Attr.Size)
	assert.Equal(t, uint32(fuse.S_IFREG), first.Attr.Mode&syscall.S_IFMT)
}

func TestLookupMissing(t *testing.T) {
	b, _ := newTestBridge(t)

	_, st := lookup(t, b, state.RootIno, "nope")
	assert.Equal(t, fuse.ENOENT, st)
	assert.Equal(t, 1, b.Tracker().Len(), "a failed lookup must not allocate an inode")
}

func TestLookupUnknownParent(t *testing.T) {
	b, _ := newTestBridge(t)

	_, st := lookup(t, b, 999, "x")
	assert.Equal(t, fuse.Status(syscall.ESTALE), st)
}

func TestGetAttrRoot(t *testing.T) {
	b, _ := newTestBridge(t)

	out, st := getattr(b, state.RootIno)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(fuse.S_IFDIR|0755), out.Mode)
	assert.Equal(t, state.RootIno, out.Ino)
}

func TestWriteReadRoundTrip(t *testing.T) {
	b, root := newTestBridge(t)

	ino, fh := create(t, b, state.RootIno, "f")
	n, st := write(b, ino, fh, 0, "hello world")
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(11), n)

	got, st := read(t, b, ino, fh, 0, 64)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "hello world", got)

	got, st = read(t, b, ino, fh, 6, 3)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "wor", got)

	onDisk, err := os.ReadFile(filepath.Join(root, "f"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(onDisk))
}

func TestWriteSplicesIntoExistingContent(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "greet"), []byte("hi"), 0644))

	entry, st := lookup(t, b, state.RootIno, "greet")
	require.Equal(t, fuse.OK, st)
	fh := open(t, b, entry.NodeId, syscall.O_WRONLY)

	_, st = write(b, entry.NodeId, fh, 2, "!")
	require.Equal(t, fuse.OK, st)

	onDisk, err := os.ReadFile(filepath.Join(root, "greet"))
	require.NoError(t, err)
	assert.Equal(t, "hi!", string(onDisk))

	// Writing past the end zero fills the gap.
	_, st = write(b, entry.NodeId, fh, 5, "x")
	require.Equal(t, fuse.OK, st)
	onDisk, err = os.ReadFile(filepath.Join(root, "greet"))
	require.NoError(t, err)
	assert.Equal(t, "hi!\x00\x00x", string(onDisk))
}

func TestWriteAppend(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "log"), []byte("one\n"), 0644))

	entry, st := lookup(t, b, state.RootIno, "log")
	require.Equal(t, fuse.OK, st)
	fh := open(t, b, entry.NodeId, syscall.O_WRONLY|syscall.O_APPEND)

	_, st = write(b, entry.NodeId, fh, 0, "two\n")
	require.Equal(t, fuse.OK, st)

	onDisk, err := os.ReadFile(filepath.Join(root, "log"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(onDisk))
}

func TestWriteUnknownHandle(t *testing.T) {
	b, _ := newTestBridge(t)

	ino, _ := create(t, b, state.RootIno, "f")
	_, st := write(b, ino, 4242, 0, "x")
	assert.Equal(t, fuse.Status(syscall.EBADF), st)
}

func TestReadPastEOF(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "short"), []byte("abc"), 0644))

	entry, st := lookup(t, b, state.RootIno, "short")
	require.Equal(t, fuse.OK, st)
	fh := open(t, b, entry.NodeId, syscall.O_RDONLY)

	got, st := read(t, b, entry.NodeId, fh, 3, 10)
	require.Equal(t, fuse.OK, st)
	assert.Empty(t, got)

	got, st = read(t, b, entry.NodeId, fh, 100, 10)
	require.Equal(t, fuse.OK, st)
	assert.Empty(t, got)

	got, st = read(t, b, entry.NodeId, fh, 1, 10)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "bc", got)
}

func TestMkdirTwice(t *testing.T) {
	b, root := newTestBridge(t)

	entry, st := mkdir(b, state.RootIno, "d")
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(fuse.S_IFDIR), entry.Attr.Mode&syscall.S_IFMT)

	info, err := os.Stat(filepath.Join(root, "d"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, st = mkdir(b, state.RootIno, "d")
	assert.Equal(t, fuse.Status(syscall.EEXIST), st)
}

func TestGetAttrAfterUnlinkIsStale(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone"), []byte("x"), 0644))

	entry, st := lookup(t, b, state.RootIno, "gone")
	require.Equal(t, fuse.OK, st)

	h := header(state.RootIno)
	require.Equal(t, fuse.OK, b.Unlink(nil, &h, "gone"))

	_, err := os.Stat(filepath.Join(root, "gone"))
	assert.True(t, os.IsNotExist(err))

	_, st = getattr(b, entry.NodeId)
	assert.Equal(t, fuse.Status(syscall.ESTALE), st)

	_, st = lookup(t, b, state.RootIno, "gone")
	assert.Equal(t, fuse.ENOENT, st)

	// The tombstone is freed once the kernel forgets it.
	before := b.Tracker().Len()
	b.Forget(entry.NodeId, 1)
	assert.Equal(t, before-1, b.Tracker().Len())
}

func TestRemoveKindChecks(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "full", "sub"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), []byte("x"), 0644))

	h := header(state.RootIno)
	assert.Equal(t, fuse.Status(syscall.ENOTEMPTY), b.Rmdir(nil, &h, "full"))
	assert.Equal(t, fuse.Status(syscall.EISDIR), b.Unlink(nil, &h, "empty"))
	assert.Equal(t, fuse.Status(syscall.ENOTDIR), b.Rmdir(nil, &h, "file"))
	assert.Equal(t, fuse.ENOENT, b.Unlink(nil, &h, "missing"))

	assert.Equal(t, fuse.OK, b.Rmdir(nil, &h, "empty"))
	_, err := os.Stat(filepath.Join(root, "empty"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenamePreservesInode(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("data"), 0644))

	before, st := lookup(t, b, state.RootIno, "a")
	require.Equal(t, fuse.OK, st)

	require.Equal(t, fuse.OK, rename(b, state.RootIno, "a", state.RootIno, "b", 0))

	path, err := b.Tracker().Resolve(before.NodeId)
	require.NoError(t, err)
	assert.Equal(t, "/b", path)

	after, st := lookup(t, b, state.RootIno, "b")
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, before.NodeId, after.NodeId)

	_, st = lookup(t, b, state.RootIno, "a")
	assert.Equal(t, fuse.ENOENT, st)

	onDisk, err := os.ReadFile(filepath.Join(root, "b"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(onDisk))
}

func TestRenameDirectoryMovesChildren(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "f"), []byte("x"), 0644))

	dir, st := lookup(t, b, state.RootIno, "src")
	require.Equal(t, fuse.OK, st)
	child, st := lookup(t, b, dir.NodeId, "f")
	require.Equal(t, fuse.OK, st)

	require.Equal(t, fuse.OK, rename(b, state.RootIno, "src", state.RootIno, "dst", 0))

	path, err := b.Tracker().Resolve(child.NodeId)
	require.NoError(t, err)
	assert.Equal(t, "/dst/f", path)

	fh := open(t, b, child.NodeId, syscall.O_RDONLY)
	got, st := read(t, b, child.NodeId, fh, 0, 10)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "x", got)
}

func TestRenameFlags(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0644))

	_, st := lookup(t, b, state.RootIno, "a")
	require.Equal(t, fuse.OK, st)

	assert.Equal(t, fuse.Status(syscall.EEXIST), rename(b, state.RootIno, "a", state.RootIno, "b", renameNoReplace))
	assert.Equal(t, fuse.EINVAL, rename(b, state.RootIno, "a", state.RootIno, "b", renameExchange))

	onDisk, err := os.ReadFile(filepath.Join(root, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(onDisk), "refused renames must not touch the destination")

	// Without flags a file destination is overwritten.
	require.Equal(t, fuse.OK, rename(b, state.RootIno, "a", state.RootIno, "b", 0))
	onDisk, err = os.ReadFile(filepath.Join(root, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(onDisk))
}

func TestRenameOntoTrackedDestinationRetiresIt(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0644))

	victim, st := lookup(t, b, state.RootIno, "b")
	require.Equal(t, fuse.OK, st)
	_, st = lookup(t, b, state.RootIno, "a")
	require.Equal(t, fuse.OK, st)

	require.Equal(t, fuse.OK, rename(b, state.RootIno, "a", state.RootIno, "b", 0))

	_, st = getattr(b, victim.NodeId)
	assert.Equal(t, fuse.Status(syscall.ESTALE), st)
}

func TestAttrCacheFollowsWrites(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("hi"), 0644))

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint64(2), entry.Attr.Size)

	fh := open(t, b, entry.NodeId, syscall.O_WRONLY)
	_, st = write(b, entry.NodeId, fh, 0, "hello")
	require.Equal(t, fuse.OK, st)

	out, st := getattr(b, entry.NodeId)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint64(5), out.Size)
}

func TestAttrCacheServesRepeatedLookups(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("hi"), 0644))

	_, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	_, st = lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)

	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestCreate(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "exists"), []byte("keep"), 0644))

	t.Run("new file is empty on the server", func(t *testing.T) {
		ino, fh := create(t, b, state.RootIno, "new")
		assert.NotZero(t, ino)
		assert.NotZero(t, fh)

		info, err := os.Stat(filepath.Join(root, "new"))
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	})

	t.Run("exclusive create of an existing file", func(t *testing.T) {
		var out fuse.CreateOut
		in := &fuse.CreateIn{InHeader: header(state.RootIno), Flags: syscall.O_RDWR | syscall.O_EXCL}
		assert.Equal(t, fuse.Status(syscall.EEXIST), b.Create(nil, in, "exists", &out))
	})

	t.Run("plain create keeps existing content", func(t *testing.T) {
		create(t, b, state.RootIno, "exists")
		onDisk, err := os.ReadFile(filepath.Join(root, "exists"))
		require.NoError(t, err)
		assert.Equal(t, "keep", string(onDisk))
	})
}

func TestOpenDirectoryFails(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0755))

	entry, st := lookup(t, b, state.RootIno, "d")
	require.Equal(t, fuse.OK, st)

	var out fuse.OpenOut
	assert.Equal(t, fuse.Status(syscall.EISDIR), b.Open(nil, &fuse.OpenIn{InHeader: header(entry.NodeId)}, &out))
}

func TestOpenTruncates(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("content"), 0644))

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	open(t, b, entry.NodeId, syscall.O_WRONLY|syscall.O_TRUNC)

	info, err := os.Stat(filepath.Join(root, "f"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	out, st := getattr(b, entry.NodeId)
	require.Equal(t, fuse.OK, st)
	assert.Zero(t, out.Size)
}

func TestSetAttrSize(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("hello"), 0644))

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)

	for _, size := range []uint64{2, 4} {
		in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
			InHeader: header(entry.NodeId),
			Valid:    fuse.FATTR_SIZE,
			Size:     size,
		}}
		var out fuse.AttrOut
		require.Equal(t, fuse.OK, b.SetAttr(nil, in, &out))
		assert.Equal(t, size, out.Size)
	}

	onDisk, err := os.ReadFile(filepath.Join(root, "f"))
	require.NoError(t, err)
	assert.Equal(t, "he\x00\x00", string(onDisk))
}

func TestReadDirPlusInternsChildren(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "one"), []byte("1"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "two"), 0755))

	var dir fuse.OpenOut
	require.Equal(t, fuse.OK, b.OpenDir(nil, &fuse.OpenIn{InHeader: header(state.RootIno)}, &dir))

	list := fuse.NewDirEntryList(make([]byte, 4096), 0)
	require.Equal(t, fuse.OK, b.ReadDirPlus(nil, &fuse.ReadIn{InHeader: header(state.RootIno), Fh: dir.Fh}, list))
	b.ReleaseDir(&fuse.ReleaseIn{InHeader: header(state.RootIno), Fh: dir.Fh})

	for _, name := range []string{"/one", "/two"} {
		_, ok := b.Tracker().Lookup(name)
		assert.True(t, ok, "%s should be tracked after readdirplus", name)
	}
	attr, ok := b.Tracker().GetAttr("/two")
	require.True(t, ok)
	assert.True(t, attr.IsDir)
	assert.Zero(t, b.GetStats().OpenHandles)
}

// dirent is one entry decoded from a READDIR or READDIRPLUS reply.
type dirent struct {
	name string
	ino  uint64
	off  uint64
	attr *fuse.Attr
}

// decodeDirents parses the entries a DirEntryList serialised into buf.
func decodeDirents(buf []byte, plus bool) []dirent {
	const headerSize = 24 // ino, off, namelen, type
	prefix := 0
	if plus {
		prefix = int(unsafe.Sizeof(fuse.EntryOut{}))
	}

	var out []dirent
	for pos := 0; pos+prefix+headerSize <= len(buf); {
		h := buf[pos+prefix:]
		nameLen := int(binary.LittleEndian.Uint32(h[16:]))
		if nameLen == 0 {
			break
		}
		d := dirent{
			ino:  binary.LittleEndian.Uint64(h[0:]),
			off:  binary.LittleEndian.Uint64(h[8:]),
			name: string(h[headerSize : headerSize+nameLen]),
		}
		if plus {
			e := *(*fuse.EntryOut)(unsafe.Pointer(&buf[pos]))
			d.attr = &e.Attr
		}
		out = append(out, d)
		pos += prefix + headerSize + (nameLen+7)&^7
	}
	return out
}

// readDirPage reads one page of size bytes from off and returns the
// entries together with the offset to continue from.
func readDirPage(t *testing.T, b *Bridge, ino, fh, off uint64, size int, plus bool) ([]dirent, uint64) {
	t.Helper()
	buf := make([]byte, size)
	list := fuse.NewDirEntryList(buf, off)
	in := &fuse.ReadIn{InHeader: header(ino), Fh: fh, Offset: off, Size: uint32(size)}

	var st fuse.Status
	if plus {
		st = b.ReadDirPlus(nil, in, list)
	} else {
		st = b.ReadDir(nil, in, list)
	}
	require.Equal(t, fuse.OK, st)
	return decodeDirents(buf, plus), list.Offset
}

func opendir(t *testing.T, b *Bridge, ino uint64) uint64 {
	t.Helper()
	var out fuse.OpenOut
	require.Equal(t, fuse.OK, b.OpenDir(nil, &fuse.OpenIn{InHeader: header(ino)}, &out))
	t.Cleanup(func() { b.ReleaseDir(&fuse.ReleaseIn{InHeader: header(ino), Fh: out.Fh}) })
	return out.Fh
}

func TestReadDirPagesAreStable(t *testing.T) {
	b, root := newTestBridge(t)
	dir := filepath.Join(root, "d", "e")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	d, st := lookup(t, b, state.RootIno, "d")
	require.Equal(t, fuse.OK, st)
	e, st := lookup(t, b, d.NodeId, "e")
	require.Equal(t, fuse.OK, st)
	fh := opendir(t, b, e.NodeId)

	// 64 bytes hold two entries with one-letter names.
	var all []dirent
	pages := 0
	for off := uint64(0); ; {
		page, next := readDirPage(t, b, e.NodeId, fh, off, 64, false)
		if len(page) == 0 {
			break
		}
		pages++
		all = append(all, page...)
		off = next
	}

	var names []string
	for i, de := range all {
		names = append(names, de.name)
		assert.Equal(t, uint64(i+1), de.off, "offset of %s", de.name)
	}
	assert.Equal(t, []string{".", "..", "a", "b", "c"}, names)
	assert.Equal(t, 3, pages)
	assert.Equal(t, e.NodeId, all[0].ino)
	assert.Equal(t, d.NodeId, all[1].ino)

	again, _ := readDirPage(t, b, e.NodeId, fh, 2, 64, false)
	assert.Equal(t, all[2:4], again)
}

func TestReadDirOfRootPointsDotDotAtItself(t *testing.T) {
	b, _ := newTestBridge(t)
	fh := opendir(t, b, state.RootIno)

	entries, _ := readDirPage(t, b, state.RootIno, fh, 0, 4096, true)
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].name)
	assert.Equal(t, "..", entries[1].name)
	assert.Equal(t, state.RootIno, entries[0].ino)
	assert.Equal(t, state.RootIno, entries[1].ino)
}

func TestReadDirPlusLaterPageKeepsLocalWrites(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), nil, 0644))

	fh := opendir(t, b, state.RootIno)

	// The first page is too small to reach f, but the handle now holds
	// a listing where f is empty.
	first, next := readDirPage(t, b, state.RootIno, fh, 0, 200, true)
	require.NotEmpty(t, first)
	for _, de := range first {
		require.NotEqual(t, "f", de.name)
	}

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	wfh := open(t, b, entry.NodeId, syscall.O_WRONLY)
	_, st = write(b, entry.NodeId, wfh, 0, "abc")
	require.Equal(t, fuse.OK, st)

	out, st := getattr(b, entry.NodeId)
	require.Equal(t, fuse.OK, st)
	require.Equal(t, uint64(3), out.Size)

	rest, _ := readDirPage(t, b, state.RootIno, fh, next, 4096, true)
	var f *dirent
	for i := range rest {
		if rest[i].name == "f" {
			f = &rest[i]
		}
	}
	require.NotNil(t, f)
	assert.Equal(t, entry.NodeId, f.ino)
	assert.Equal(t, uint64(3), f.attr.Size)

	out, st = getattr(b, entry.NodeId)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint64(3), out.Size)
}

func TestReadDirOfFileFails(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("1"), 0644))

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)

	var out fuse.OpenOut
	assert.Equal(t, fuse.Status(syscall.ENOTDIR), b.OpenDir(nil, &fuse.OpenIn{InHeader: header(entry.NodeId)}, &out))
}

func TestStatFs(t *testing.T) {
	b, _ := newTestBridge(t)

	var out fuse.StatfsOut
	h := header(state.RootIno)
	require.Equal(t, fuse.OK, b.StatFs(nil, &h, &out))
	assert.Equal(t, uint32(blockSize), out.Bsize)
	assert.NotZero(t, out.Bfree)
}

// flakyRemote fails the first failures calls of every kind with a
// connection error and counts calls per operation.
type flakyRemote struct {
	types.RemoteAPI
	failures int32
	lists    atomic.Int32
	writes   atomic.Int32
}

func (f *flakyRemote) List(ctx context.Context, path string) ([]types.FileInfo, error) {
	if f.lists.Add(1) <= f.failures {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "connection reset")
	}
	return f.RemoteAPI.List(ctx, path)
}

func (f *flakyRemote) Write(ctx context.Context, path string, data []byte) error {
	f.writes.Add(1)
	return errors.NewError(errors.ErrCodeConnectionFailed, "connection reset")
}

func TestIdempotentReadsAreRetried(t *testing.T) {
	inner, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	flaky := &flakyRemote{RemoteAPI: inner.remote, failures: 2}
	b := NewBridge(flaky, testOptions())

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	assert.NotZero(t, entry.NodeId)
	assert.Equal(t, int32(3), flaky.lists.Load())
}

func TestMutationsAreNotRetried(t *testing.T) {
	inner, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	flaky := &flakyRemote{RemoteAPI: inner.remote}
	b := NewBridge(flaky, testOptions())

	entry, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	fh := open(t, b, entry.NodeId, syscall.O_WRONLY)

	_, st = write(b, entry.NodeId, fh, 0, "y")
	assert.Equal(t, fuse.EIO, st)
	assert.Equal(t, int32(1), flaky.writes.Load())
}

func TestMountFailsFastWhenServerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, err := remote.NewClient(remote.Config{BaseURL: "http://" + addr, Timeout: 2 * time.Second})
	require.NoError(t, err)

	mgr := NewMountManager(NewBridge(client, testOptions()), &MountConfig{
		MountPoint:    t.TempDir(),
		HealthTimeout: 2 * time.Second,
	})

	start := time.Now()
	err = mgr.Mount(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeMountFailed, errors.CodeOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, mgr.IsMounted())
}

func TestMountRejectsBadMountPoint(t *testing.T) {
	b, root := newTestBridge(t)
	file := filepath.Join(root, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	for name, mp := range map[string]string{
		"missing":   filepath.Join(t.TempDir(), "nope"),
		"not a dir": file,
		"empty":     "",
	} {
		t.Run(name, func(t *testing.T) {
			err := NewMountManager(b, &MountConfig{MountPoint: mp}).Mount(context.Background())
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeMountFailed, errors.CodeOf(err))
		})
	}
}

func TestSpliceHelpers(t *testing.T) {
	tests := []struct {
		name    string
		content string
		off     int64
		data    string
		want    string
	}{
		{"append at end", "hi", 2, "!", "hi!"},
		{"overwrite middle", "hello", 1, "EL", "hELlo"},
		{"gap is zero filled", "a", 3, "b", "a\x00\x00b"},
		{"empty content", "", 0, "new", "new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splice([]byte(tt.content), tt.off, []byte(tt.data))
			assert.Equal(t, tt.want, string(got))
		})
	}

	assert.Equal(t, "ab", string(resize([]byte("abc"), 2)))
	assert.Equal(t, "abc\x00", string(resize([]byte("abc"), 4)))
	assert.Nil(t, window([]byte("abc"), 3, 1))
	assert.Equal(t, "c", string(window([]byte("abc"), 2, 10)))
}

// gatedRemote holds the first List issued after armed is set until
// release is closed. The held call returns the listing as it was when
// the request was served.
type gatedRemote struct {
	types.RemoteAPI
	armed   atomic.Bool
	listed  chan struct{}
	release chan struct{}
}

func (g *gatedRemote) List(ctx context.Context, path string) ([]types.FileInfo, error) {
	if !g.armed.CompareAndSwap(true, false) {
		return g.RemoteAPI.List(ctx, path)
	}
	entries, err := g.RemoteAPI.List(ctx, path)
	close(g.listed)
	<-g.release
	return entries, err
}

func TestLookupAfterUnlinkDoesNotReuseOlderListing(t *testing.T) {
	inner, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "p"), []byte("x"), 0644))

	gated := &gatedRemote{
		RemoteAPI: inner.remote,
		listed:    make(chan struct{}),
		release:   make(chan struct{}),
	}
	b := NewBridge(gated, testOptions())

	_, st := lookup(t, b, state.RootIno, "p")
	require.Equal(t, fuse.OK, st)

	// A lookup of another name starts a listing that still shows p.
	gated.armed.Store(true)
	slow := make(chan fuse.Status, 1)
	go func() {
		_, st := lookup(t, b, state.RootIno, "q")
		slow <- st
	}()
	select {
	case <-gated.listed:
	case <-time.After(5 * time.Second):
		close(gated.release)
		t.Fatal("listing never reached the server")
	}

	h := header(state.RootIno)
	require.Equal(t, fuse.OK, b.Unlink(nil, &h, "p"))

	after := make(chan fuse.Status, 1)
	go func() {
		_, st := lookup(t, b, state.RootIno, "p")
		after <- st
	}()

	var got fuse.Status
	select {
	case got = <-after:
		close(gated.release)
	case <-time.After(100 * time.Millisecond):
		close(gated.release)
		got = <-after
	}
	assert.Equal(t, fuse.ENOENT, got)
	assert.Equal(t, fuse.ENOENT, <-slow)

	_, ok := b.Tracker().Lookup("/p")
	assert.False(t, ok, "a removed path must not be interned again")
}

func TestConcurrentLookupWriteUnlink(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "shared"), []byte("s"), 0644))

	const workers = 8
	const rounds = 5

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 2; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, st := lookup(t, b, state.RootIno, "shared"); st != fuse.OK {
					t.Errorf("lookup of shared: %v", st)
					return
				}
				var od fuse.OpenOut
				if st := b.OpenDir(nil, &fuse.OpenIn{InHeader: header(state.RootIno)}, &od); st != fuse.OK {
					t.Errorf("opendir: %v", st)
					return
				}
				list := fuse.NewDirEntryList(make([]byte, 4096), 0)
				st := b.ReadDirPlus(nil, &fuse.ReadIn{InHeader: header(state.RootIno), Fh: od.Fh, Size: 4096}, list)
				b.ReleaseDir(&fuse.ReleaseIn{InHeader: header(state.RootIno), Fh: od.Fh})
				if st != fuse.OK {
					t.Errorf("readdirplus: %v", st)
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for w := 0; w < workers; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			h := header(state.RootIno)
			for r := 0; r < rounds; r++ {
				name := fmt.Sprintf("w%d-%d", w, r)

				var out fuse.CreateOut
				in := &fuse.CreateIn{InHeader: h, Flags: syscall.O_RDWR, Mode: 0644}
				if st := b.Create(nil, in, name, &out); st != fuse.OK {
					t.Errorf("create %s: %v", name, st)
					return
				}
				if _, st := write(b, out.NodeId, out.Fh, 0, "data"); st != fuse.OK {
					t.Errorf("write %s: %v", name, st)
					return
				}
				b.Release(nil, &fuse.ReleaseIn{InHeader: header(out.NodeId), Fh: out.Fh})

				entry, st := lookup(t, b, state.RootIno, name)
				if assert.Equal(t, fuse.OK, st, "lookup %s", name) {
					assert.Equal(t, uint64(4), entry.Attr.Size, "size of %s", name)
				}
				assert.Equal(t, fuse.OK, b.Unlink(nil, &h, name), "unlink %s", name)

				_, st = lookup(t, b, state.RootIno, name)
				assert.Equal(t, fuse.ENOENT, st, "lookup of removed %s", name)
			}
		}(w)
	}

	writers.Wait()
	close(stop)
	readers.Wait()

	dirents, err := os.ReadDir(root)
	require.NoError(t, err)
	var left []string
	for _, de := range dirents {
		if de.Name() != disk.LockName {
			left = append(left, de.Name())
		}
	}
	assert.Equal(t, []string{"shared"}, left)
}

func TestWritesPastMaxFileSizeFail(t *testing.T) {
	opts := testOptions()
	opts.MaxFileSize = 16
	b, root := newTestBridgeWithOptions(t, opts)

	ino, fh := create(t, b, state.RootIno, "f")

	_, st := write(b, ino, fh, 1<<40, "x")
	assert.Equal(t, fuse.Status(syscall.EFBIG), st)
	_, st = write(b, ino, fh, 10, "0123456789")
	assert.Equal(t, fuse.Status(syscall.EFBIG), st)

	n, st := write(b, ino, fh, 0, "0123456789abcdef")
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(16), n)

	setSize := func(size uint64) fuse.Status {
		in := &fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{
			InHeader: header(ino),
			Valid:    fuse.FATTR_SIZE,
			Size:     size,
		}}
		var out fuse.AttrOut
		return b.SetAttr(nil, in, &out)
	}
	assert.Equal(t, fuse.Status(syscall.EFBIG), setSize(1<<40))
	assert.Equal(t, fuse.Status(syscall.EFBIG), setSize(17))
	assert.Equal(t, fuse.OK, setSize(8))

	onDisk, err := os.ReadFile(filepath.Join(root, "f"))
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(onDisk))
}

func TestAppendPastMaxFileSizeFails(t *testing.T) {
	opts := testOptions()
	opts.MaxFileSize = 4
	b, root := newTestBridgeWithOptions(t, opts)
	require.NoError(t, os.WriteFile(filepath.Join(root, "log"), []byte("abc"), 0644))

	entry, st := lookup(t, b, state.RootIno, "log")
	require.Equal(t, fuse.OK, st)
	fh := open(t, b, entry.NodeId, syscall.O_WRONLY|syscall.O_APPEND)

	_, st = write(b, entry.NodeId, fh, 0, "d")
	require.Equal(t, fuse.OK, st)
	_, st = write(b, entry.NodeId, fh, 0, "e")
	assert.Equal(t, fuse.Status(syscall.EFBIG), st)
}

func TestDefaultMaxFileSizeRejectsHugeOffsets(t *testing.T) {
	b, _ := newTestBridgeWithOptions(t, DefaultOptions())
	ino, fh := create(t, b, state.RootIno, "sparse")

	_, st := write(b, ino, fh, 1<<40, "x")
	assert.Equal(t, fuse.Status(syscall.EFBIG), st)
}

func TestRenameOfUntrackedSourceDropsItsAttributes(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("b"), 0644))

	// Looking up b caches a's attributes from the same listing without
	// giving a an inode.
	_, st := lookup(t, b, state.RootIno, "b")
	require.Equal(t, fuse.OK, st)
	_, cached := b.Tracker().GetAttr("/a")
	require.True(t, cached)
	_, tracked := b.Tracker().Lookup("/a")
	require.False(t, tracked)

	require.Equal(t, fuse.OK, rename(b, state.RootIno, "a", state.RootIno, "c", 0))

	_, st = lookup(t, b, state.RootIno, "a")
	assert.Equal(t, fuse.ENOENT, st)
	moved, st := lookup(t, b, state.RootIno, "c")
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint64(1), moved.Attr.Size)
}

func TestRenameErrnos(t *testing.T) {
	b, root := newTestBridge(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	f, st := lookup(t, b, state.RootIno, "f")
	require.Equal(t, fuse.OK, st)
	d, st := lookup(t, b, state.RootIno, "d")
	require.Equal(t, fuse.OK, st)
	sub, st := lookup(t, b, d.NodeId, "sub")
	require.Equal(t, fuse.OK, st)

	assert.Equal(t, fuse.Status(syscall.ENOTDIR), rename(b, state.RootIno, "d", f.NodeId, "x", 0),
		"a file as destination parent")
	assert.Equal(t, fuse.EINVAL, rename(b, state.RootIno, "d", sub.NodeId, "y", 0),
		"a directory below itself")

	info, err := os.Stat(filepath.Join(root, "d", "sub"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
