package fuse

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/remotefs/remotefs/internal/state"
	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/retry"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// Flags of the rename2 syscall.
const (
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

const blockSize = 4096

// DefaultMaxFileSize is the file size limit used when none is configured.
const DefaultMaxFileSize = 1 << 30

// Options configures a Bridge.
type Options struct {
	UID      uint32
	GID      uint32
	FileMode os.FileMode
	DirMode  os.FileMode

	// AttrTimeout and EntryTimeout are handed to the kernel with every
	// entry and attribute reply.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration

	// CacheTTL bounds how long fetched attributes are trusted. Zero or
	// negative disables the attribute cache.
	CacheTTL        time.Duration
	CacheMaxEntries int

	// OpTimeout bounds one kernel request, retries included.
	OpTimeout time.Duration

	// MaxFileSize caps the size a write or truncate may give a file.
	// Files are held whole in memory while they are rewritten.
	MaxFileSize int64

	// Retry is the policy for idempotent remote reads.
	Retry retry.Config

	Metrics types.MetricsCollector
	Logger  *logrus.Entry
}

// DefaultOptions returns the options used when the mount configuration
// leaves them unset.
func DefaultOptions() Options {
	return Options{
		UID:             uint32(os.Getuid()),
		GID:             uint32(os.Getgid()),
		FileMode:        0644,
		DirMode:         0755,
		AttrTimeout:     time.Second,
		EntryTimeout:    time.Second,
		CacheTTL:        time.Second,
		CacheMaxEntries: 100000,
		OpTimeout:       time.Minute,
		MaxFileSize:     DefaultMaxFileSize,
		Retry:           retry.DefaultConfig(),
	}
}

// Stats is a snapshot of the bridge operation counters.
type Stats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	Renames      int64 `json:"renames"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	Errors       int64 `json:"errors"`
	OpenHandles  int   `json:"open_handles"`
	TrackedInos  int   `json:"tracked_inodes"`
}

type counters struct {
	lookups      atomic.Int64
	opens        atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	creates      atomic.Int64
	deletes      atomic.Int64
	renames      atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	errors       atomic.Int64
}

type inodeGauge interface {
	SetTrackedInodes(n int)
}

// listing is the shared result of one coalesced List call. seq is the
// tracker sequence taken before the request went out.
type listing struct {
	entries []types.FileInfo
	seq     uint64
}

// Bridge translates kernel FUSE requests into remote API calls. It is a
// raw filesystem: the kernel addresses entries by inode number and the
// bridge maps those to remote paths through a state.Tracker.
type Bridge struct {
	fuse.RawFileSystem

	remote   types.RemoteAPI
	tracker  *state.Tracker
	handles  *handleTable
	listings singleflight.Group
	retryer  *retry.Retryer

	opts    Options
	metrics types.MetricsCollector
	logger  *logrus.Entry
	started time.Time
	stats   counters
}

var _ fuse.RawFileSystem = (*Bridge)(nil)

// NewBridge returns a bridge serving the tree behind remote.
func NewBridge(remote types.RemoteAPI, opts Options) *Bridge {
	if opts.FileMode == 0 {
		opts.FileMode = 0644
	}
	if opts.DirMode == 0 {
		opts.DirMode = 0755
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.ComponentLogger("fuse")
	}

	b := &Bridge{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		remote:        remote,
		tracker:       state.NewTracker(opts.CacheTTL, opts.CacheMaxEntries),
		handles:       newHandleTable(),
		opts:          opts,
		metrics:       opts.Metrics,
		logger:        logger,
		started:       time.Now(),
	}

	rc := opts.Retry
	userHook := rc.OnRetry
	rc.OnRetry = func(attempt int, err error) {
		logger.WithFields(logrus.Fields{"attempt": attempt}).WithError(err).Debug("Retrying remote read")
		if userHook != nil {
			userHook(attempt, err)
		}
	}
	b.retryer = retry.New(rc)
	return b
}

func (b *Bridge) String() string {
	return "remotefs"
}

// Tracker exposes the inode table.
func (b *Bridge) Tracker() *state.Tracker {
	return b.tracker
}

// GetStats returns a snapshot of the operation counters.
func (b *Bridge) GetStats() Stats {
	return Stats{
		Lookups:      b.stats.lookups.Load(),
		Opens:        b.stats.opens.Load(),
		Reads:        b.stats.reads.Load(),
		Writes:       b.stats.writes.Load(),
		Creates:      b.stats.creates.Load(),
		Deletes:      b.stats.deletes.Load(),
		Renames:      b.stats.renames.Load(),
		BytesRead:    b.stats.bytesRead.Load(),
		BytesWritten: b.stats.bytesWritten.Load(),
		CacheHits:    b.stats.cacheHits.Load(),
		CacheMisses:  b.stats.cacheMisses.Load(),
		Errors:       b.stats.errors.Load(),
		OpenHandles:  b.handles.Len(),
		TrackedInos:  b.tracker.Len(),
	}
}

// Lookup resolves name below the parent directory and returns its entry.
func (b *Bridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	start := time.Now()
	b.stats.lookups.Add(1)

	parent, err := b.tracker.Resolve(header.NodeId)
	if err != nil {
		return b.fail("lookup", "", err)
	}
	child := utils.JoinRemotePath(parent, name)

	ctx, done := b.context()
	defer done()

	attr, err := b.lookupAttr(ctx, child)
	if err != nil {
		b.record("lookup", start, 0, false)
		return b.fail("lookup", child, err)
	}

	ino := b.intern(child)
	b.fillEntry(ino, attr, out)
	b.record("lookup", start, 0, true)
	return fuse.OK
}

// Forget drops kernel references to an inode.
func (b *Bridge) Forget(nodeid, nlookup uint64) {
	b.tracker.Forget(nodeid, nlookup)
	b.updateInodeGauge()
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("getattr", "", err)
	}

	ctx, done := b.context()
	defer done()

	attr, err := b.getAttr(ctx, path)
	if err != nil {
		return b.fail("getattr", path, err)
	}
	b.fillAttr(in.NodeId, attr, &out.Attr)
	out.SetTimeout(b.opts.AttrTimeout)
	return fuse.OK
}

// SetAttr handles truncation remotely. Mode, owner and time changes are
// kept in the attribute cache only; the remote API has no place for them.
func (b *Bridge) SetAttr(cancel <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("setattr", "", err)
	}

	ctx, done := b.context()
	defer done()

	attr, err := b.getAttr(ctx, path)
	if err != nil {
		return b.fail("setattr", path, err)
	}

	if size, ok := in.GetSize(); ok {
		if attr.IsDir {
			return fuse.Status(syscall.EISDIR)
		}
		if fh, ok := in.GetFh(); ok {
			if of, ok := b.handles.Get(fh); ok {
				of.mu.Lock()
				defer of.mu.Unlock()
			}
		}
		if err := b.truncate(ctx, path, int64(size)); err != nil {
			return b.fail("setattr", path, err)
		}
		now := time.Now()
		attr.Size = int64(size)
		attr.Mtime, attr.Ctime = now, now
	}
	if mode, ok := in.GetMode(); ok {
		attr.Mode = os.FileMode(mode).Perm()
		attr.Ctime = time.Now()
	}
	if mtime, ok := in.GetMTime(); ok {
		attr.Mtime = mtime
	}
	if atime, ok := in.GetATime(); ok {
		attr.Atime = atime
	}

	b.tracker.PutAttr(path, attr)
	b.fillAttr(in.NodeId, attr, &out.Attr)
	out.SetTimeout(b.opts.AttrTimeout)
	return fuse.OK
}

func (b *Bridge) Mkdir(cancel <-chan struct{}, in *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("mkdir", "", err)
	}
	child := utils.JoinRemotePath(parent, name)

	ctx, done := b.context()
	defer done()

	attr, err := b.mkdirPath(ctx, child)
	if err != nil {
		return b.fail("mkdir", child, err)
	}
	b.fillEntry(b.intern(child), attr, out)
	return fuse.OK
}

func (b *Bridge) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return b.remove("unlink", header.NodeId, name, false)
}

func (b *Bridge) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return b.remove("rmdir", header.NodeId, name, true)
}

func (b *Bridge) remove(op string, parentIno uint64, name string, wantDir bool) fuse.Status {
	parent, err := b.tracker.Resolve(parentIno)
	if err != nil {
		return b.fail(op, "", err)
	}
	child := utils.JoinRemotePath(parent, name)

	ctx, done := b.context()
	defer done()

	if err := b.removePath(ctx, child, wantDir); err != nil {
		return b.fail(op, child, err)
	}
	return fuse.OK
}

func (b *Bridge) Rename(cancel <-chan struct{}, in *fuse.RenameIn, oldName string, newName string) fuse.Status {
	if in.Flags&renameExchange != 0 {
		return fuse.EINVAL
	}

	oldParent, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("rename", "", err)
	}
	newParent, err := b.tracker.Resolve(in.Newdir)
	if err != nil {
		return b.fail("rename", "", err)
	}
	from := utils.JoinRemotePath(oldParent, oldName)
	to := utils.JoinRemotePath(newParent, newName)

	ctx, done := b.context()
	defer done()

	if err := b.renamePath(ctx, from, to, in.Flags&renameNoReplace != 0); err != nil {
		return b.fail("rename", from, err)
	}
	return fuse.OK
}

// Create makes an empty file and opens it.
func (b *Bridge) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("create", "", err)
	}
	child := utils.JoinRemotePath(parent, name)

	ctx, done := b.context()
	defer done()

	attr, err := b.createPath(ctx, child, in.Flags&syscall.O_EXCL != 0, in.Flags&syscall.O_TRUNC != 0)
	if err != nil {
		return b.fail("create", child, err)
	}

	ino := b.intern(child)
	b.fillEntry(ino, attr, &out.EntryOut)
	out.Fh = b.handles.Allocate(ino, in.Flags)
	b.stats.opens.Add(1)
	return fuse.OK
}

func (b *Bridge) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("open", "", err)
	}

	ctx, done := b.context()
	defer done()

	if _, err := b.openPath(ctx, path, in.Flags&syscall.O_TRUNC != 0); err != nil {
		return b.fail("open", path, err)
	}

	out.Fh = b.handles.Allocate(in.NodeId, in.Flags)
	b.stats.opens.Add(1)
	return fuse.OK
}

// Read fetches the whole file and returns the requested window. Reads at
// or past the end return no data.
func (b *Bridge) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	start := time.Now()
	b.stats.reads.Add(1)

	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return nil, b.fail("read", "", err)
	}

	ctx, done := b.context()
	defer done()

	chunk, err := b.readAt(ctx, path, int64(in.Offset), int(in.Size))
	if err != nil {
		b.record("read", start, 0, false)
		return nil, b.fail("read", path, err)
	}
	b.record("read", start, int64(len(chunk)), true)
	return fuse.ReadResultData(chunk), fuse.OK
}

// Write splices data into the remote content at the given offset and
// uploads the whole file. Concurrent writers through different handles
// race; the last upload wins.
func (b *Bridge) Write(cancel <-chan struct{}, in *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	start := time.Now()
	b.stats.writes.Add(1)

	of, ok := b.handles.Get(in.Fh)
	if !ok {
		return 0, fuse.Status(syscall.EBADF)
	}
	of.mu.Lock()
	defer of.mu.Unlock()

	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return 0, b.fail("write", "", err)
	}

	ctx, done := b.context()
	defer done()

	if err := b.writeAt(ctx, path, int64(in.Offset), data, of.flags&syscall.O_APPEND != 0); err != nil {
		b.record("write", start, 0, false)
		return 0, b.fail("write", path, err)
	}
	b.record("write", start, int64(len(data)), true)
	return uint32(len(data)), fuse.OK
}

func (b *Bridge) Release(cancel <-chan struct{}, in *fuse.ReleaseIn) {
	b.handles.Release(in.Fh)
}

// Flush and Fsync have nothing to do: every write already reached the
// remote store.
func (b *Bridge) Flush(cancel <-chan struct{}, in *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (b *Bridge) Fsync(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (b *Bridge) FsyncDir(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("opendir", "", err)
	}
	if path != "/" {
		ctx, done := b.context()
		defer done()

		attr, err := b.getAttr(ctx, path)
		if err != nil {
			return b.fail("opendir", path, err)
		}
		if !attr.IsDir {
			return fuse.Status(syscall.ENOTDIR)
		}
	}
	out.Fh = b.handles.Allocate(in.NodeId, in.Flags)
	return fuse.OK
}

func (b *Bridge) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return b.readDir(in, out, false)
}

func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return b.readDir(in, out, true)
}

// readDir emits ".", ".." and then the remote entries. Offsets are
// positions in that sequence, so paging is stable as long as the handle's
// snapshot is.
func (b *Bridge) readDir(in *fuse.ReadIn, out *fuse.DirEntryList, plus bool) fuse.Status {
	path, err := b.tracker.Resolve(in.NodeId)
	if err != nil {
		return b.fail("readdir", "", err)
	}

	of, ok := b.handles.Get(in.Fh)
	if !ok {
		// Kernels that skip OPENDIR still page through a fresh listing.
		of = &openFile{ino: in.NodeId}
	}
	of.mu.Lock()
	defer of.mu.Unlock()

	if in.Offset == 0 || of.entries == nil {
		ctx, done := b.context()
		defer done()

		l, err := b.listSince(ctx, path, b.tracker.Seq())
		if err != nil {
			return b.fail("readdir", path, err)
		}
		of.entries = l.entries
		of.seq = l.seq
	}

	parentIno := state.RootIno
	if path != "/" {
		dir, _ := utils.SplitRemotePath(path)
		if ino, ok := b.tracker.Lookup(dir); ok {
			parentIno = ino
		}
	}

	total := uint64(len(of.entries)) + 2
	for off := in.Offset; off < total; off++ {
		var e fuse.DirEntry
		var childPath string
		var attr state.Attr

		switch off {
		case 0:
			e = fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR, Ino: in.NodeId}
		case 1:
			e = fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR, Ino: parentIno}
		default:
			fi := of.entries[off-2]
			childPath = utils.JoinRemotePath(path, fi.Name)
			attr = state.AttrFromInfo(fi, b.opts.FileMode, b.opts.DirMode)
			e = fuse.DirEntry{Name: fi.Name, Mode: fileType(attr)}
			if ino, ok := b.tracker.Lookup(childPath); ok {
				e.Ino = ino
			}
		}

		if !plus {
			if !out.AddDirEntry(e) {
				break
			}
			continue
		}

		if childPath == "" {
			if out.AddDirLookupEntry(e) == nil {
				break
			}
			continue
		}

		ino := b.intern(childPath)
		e.Ino = ino
		entryOut := out.AddDirLookupEntry(e)
		if entryOut == nil {
			b.tracker.Forget(ino, 1)
			break
		}
		// Later pages serve an older snapshot; local changes made since
		// then are already in the cache and win over it.
		if cached, ok := b.tracker.GetAttr(childPath); ok {
			attr = cached
			out.FixMode(fileType(attr))
		} else {
			b.tracker.FillAttr(childPath, attr, of.seq)
		}
		b.fillEntry(ino, attr, entryOut)
	}
	return fuse.OK
}

func (b *Bridge) ReleaseDir(in *fuse.ReleaseIn) {
	b.handles.Release(in.Fh)
}

// StatFs reports synthetic capacity; the remote API exposes none.
func (b *Bridge) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = 1 << 32
	out.Bfree = 1 << 32
	out.Bavail = 1 << 32
	out.Files = 1 << 24
	out.Ffree = 1 << 24
	out.NameLen = 255
	return fuse.OK
}

func (b *Bridge) intern(path string) uint64 {
	ino := b.tracker.Intern(path)
	b.updateInodeGauge()
	return ino
}

func (b *Bridge) fillAttr(ino uint64, a state.Attr, out *fuse.Attr) {
	out.Ino = ino
	out.Mode = fileType(a) | uint32(a.Mode.Perm())
	if a.IsDir {
		out.Nlink = 2
	} else {
		out.Nlink = 1
		out.Size = uint64(a.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	out.Blksize = blockSize
	out.Owner = fuse.Owner{Uid: b.opts.UID, Gid: b.opts.GID}
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

func (b *Bridge) fillEntry(ino uint64, a state.Attr, out *fuse.EntryOut) {
	b.fillAttr(ino, a, &out.Attr)
	out.NodeId = out.Ino
	out.SetEntryTimeout(b.opts.EntryTimeout)
	out.SetAttrTimeout(b.opts.AttrTimeout)
}

func (b *Bridge) context() (context.Context, context.CancelFunc) {
	if b.opts.OpTimeout > 0 {
		return context.WithTimeout(context.Background(), b.opts.OpTimeout)
	}
	return context.WithCancel(context.Background())
}

// fail logs err and converts it to the status returned to the kernel.
func (b *Bridge) fail(op, path string, err error) fuse.Status {
	errno := errors.Errno(err)
	b.stats.errors.Add(1)

	entry := b.logger.WithFields(logrus.Fields{"op": op, "path": path, "errno": errno.Error()}).WithError(err)
	if errno == syscall.EIO {
		entry.Warn("Remote operation failed")
		if b.metrics != nil {
			b.metrics.RecordError("fuse_"+op, err)
		}
	} else {
		entry.Debug("Operation rejected")
	}
	return fuse.Status(errno)
}

func (b *Bridge) record(op string, start time.Time, size int64, ok bool) {
	if b.metrics != nil {
		b.metrics.RecordOperation("fuse_"+op, time.Since(start), size, ok)
	}
}

func (b *Bridge) cacheHit() {
	b.stats.cacheHits.Add(1)
	if b.metrics != nil {
		b.metrics.RecordCacheHit("attr")
	}
}

func (b *Bridge) cacheMiss() {
	b.stats.cacheMisses.Add(1)
	if b.metrics != nil {
		b.metrics.RecordCacheMiss("attr")
	}
}

func (b *Bridge) updateInodeGauge() {
	if g, ok := b.metrics.(inodeGauge); ok {
		g.SetTrackedInodes(b.tracker.Len())
	}
}

func fileType(a state.Attr) uint32 {
	if a.IsDir {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}
