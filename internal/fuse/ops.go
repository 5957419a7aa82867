package fuse

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remotefs/remotefs/internal/state"
	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/retry"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// Path-level operations shared by the kernel-facing adapters. They talk to
// the remote API, keep the tracker's caches in step and return
// *errors.RemoteFSError values that errors.Errno can translate.

func fsError(code errors.ErrorCode, op, path, msg string) error {
	return errors.Newf(code, "%s: %s", path, msg).
		WithComponent("fuse").
		WithOperation(op).
		WithContext("path", path)
}

// lookupAttr returns the attributes of path from the cache or from a
// listing of its parent. Siblings found in the listing are cached too.
func (b *Bridge) lookupAttr(ctx context.Context, path string) (state.Attr, error) {
	if path == "/" {
		return b.rootAttr(), nil
	}
	if attr, ok := b.tracker.GetAttr(path); ok {
		b.cacheHit()
		return attr, nil
	}
	b.cacheMiss()

	dir, name := utils.SplitRemotePath(path)
	l, err := b.listSince(ctx, dir, b.tracker.Seq())
	if err != nil {
		return state.Attr{}, err
	}

	var found *state.Attr
	for _, fi := range l.entries {
		attr := state.AttrFromInfo(fi, b.opts.FileMode, b.opts.DirMode)
		b.tracker.FillAttr(utils.JoinRemotePath(dir, fi.Name), attr, l.seq)
		if fi.Name == name {
			a := attr
			found = &a
		}
	}
	if found == nil {
		return state.Attr{}, fsError(errors.ErrCodeNotFound, "lookup", path, "no such entry")
	}
	return *found, nil
}

// getAttr returns the attributes of path from the cache or a remote stat.
func (b *Bridge) getAttr(ctx context.Context, path string) (state.Attr, error) {
	if path == "/" {
		return b.rootAttr(), nil
	}
	if attr, ok := b.tracker.GetAttr(path); ok {
		b.cacheHit()
		return attr, nil
	}
	b.cacheMiss()

	seq := b.tracker.Seq()
	fi, err := retry.DoWithResult(ctx, b.retryer, func(ctx context.Context) (types.FileInfo, error) {
		return b.remote.Stat(ctx, path)
	})
	if err != nil {
		return state.Attr{}, err
	}
	attr := state.AttrFromInfo(fi, b.opts.FileMode, b.opts.DirMode)
	b.tracker.FillAttr(path, attr, seq)
	return attr, nil
}

// list fetches a directory listing. Concurrent listings of the same
// directory share one request.
func (b *Bridge) list(ctx context.Context, dir string) (listing, error) {
	v, err, _ := b.listings.Do(dir, func() (interface{}, error) {
		seq := b.tracker.Seq()
		entries, err := retry.DoWithResult(ctx, b.retryer, func(ctx context.Context) ([]types.FileInfo, error) {
			return b.remote.List(ctx, dir)
		})
		if err != nil {
			return nil, err
		}
		return listing{entries: entries, seq: seq}, nil
	})
	if err != nil {
		return listing{}, err
	}
	return v.(listing), nil
}

// listSince returns a listing of dir taken no earlier than the tracker
// sequence since. A shared request that went out before a later local
// mutation is not joined; a fresh one is made instead.
func (b *Bridge) listSince(ctx context.Context, dir string, since uint64) (listing, error) {
	l, err := b.list(ctx, dir)
	if err != nil || l.seq >= since {
		return l, err
	}
	b.listings.Forget(dir)
	return b.list(ctx, dir)
}

// changed marks dir as modified locally: its cached attributes are dropped
// and an in-flight listing of it is no longer shared with new callers.
func (b *Bridge) changed(dir string) {
	b.tracker.Invalidate(dir)
	b.listings.Forget(dir)
}

func (b *Bridge) read(ctx context.Context, path string) ([]byte, error) {
	return retry.DoWithResult(ctx, b.retryer, func(ctx context.Context) ([]byte, error) {
		return b.remote.Read(ctx, path)
	})
}

// readAt returns up to size bytes of path starting at off.
func (b *Bridge) readAt(ctx context.Context, path string, off int64, size int) ([]byte, error) {
	data, err := b.read(ctx, path)
	if err != nil {
		return nil, err
	}
	chunk := window(data, off, size)
	b.stats.bytesRead.Add(int64(len(chunk)))
	return chunk, nil
}

// writeAt splices data into the remote content of path at off and uploads
// the whole file. With appendMode the data goes after the current end.
func (b *Bridge) writeAt(ctx context.Context, path string, off int64, data []byte, appendMode bool) error {
	if !appendMode {
		if err := b.checkSize("write", path, off, len(data)); err != nil {
			return err
		}
	}
	content, err := b.read(ctx, path)
	if err != nil && errors.CodeOf(err) != errors.ErrCodeNotFound {
		return err
	}
	if appendMode {
		off = int64(len(content))
		if err := b.checkSize("write", path, off, len(data)); err != nil {
			return err
		}
	}
	content = splice(content, off, data)

	if err := b.remote.Write(ctx, path, content); err != nil {
		return err
	}
	b.touch(path, int64(len(content)))
	b.stats.bytesWritten.Add(int64(len(data)))
	return nil
}

// truncate resizes the remote file to size, zero filling when it grows.
func (b *Bridge) truncate(ctx context.Context, path string, size int64) error {
	if err := b.checkSize("truncate", path, size, 0); err != nil {
		return err
	}
	var content []byte
	if size > 0 {
		var err error
		content, err = b.read(ctx, path)
		if err != nil && errors.CodeOf(err) != errors.ErrCodeNotFound {
			return err
		}
	}
	if err := b.remote.Write(ctx, path, resize(content, size)); err != nil {
		return err
	}
	b.touch(path, size)
	return nil
}

// checkSize refuses a change that would leave path larger than the
// configured maximum, before any buffer for it is allocated.
func (b *Bridge) checkSize(op, path string, off int64, n int) error {
	if off < 0 {
		return fsError(errors.ErrCodeInvalidArgument, op, path, "negative offset")
	}
	if off > b.opts.MaxFileSize || int64(n) > b.opts.MaxFileSize-off {
		return fsError(errors.ErrCodeFileTooLarge, op, path,
			fmt.Sprintf("file would exceed the %d byte limit", b.opts.MaxFileSize))
	}
	return nil
}

// touch records a local change of path's content in the attribute cache.
func (b *Bridge) touch(path string, size int64) {
	now := time.Now()
	attr, ok := b.tracker.GetAttr(path)
	if !ok {
		attr = state.AttrFromInfo(types.FileInfo{ModTime: now}, b.opts.FileMode, b.opts.DirMode)
	}
	attr.Size = size
	attr.Mtime, attr.Ctime = now, now
	b.tracker.PutAttr(path, attr)

	dir, _ := utils.SplitRemotePath(path)
	b.listings.Forget(dir)
}

// openPath checks that path is a regular file and truncates it when asked.
func (b *Bridge) openPath(ctx context.Context, path string, truncate bool) (state.Attr, error) {
	attr, err := b.getAttr(ctx, path)
	if err != nil {
		return state.Attr{}, err
	}
	if attr.IsDir {
		return state.Attr{}, fsError(errors.ErrCodeIsADirectory, "open", path, "is a directory")
	}
	if truncate && attr.Size > 0 {
		if err := b.truncate(ctx, path, 0); err != nil {
			return state.Attr{}, err
		}
		now := time.Now()
		attr.Size = 0
		attr.Mtime, attr.Ctime = now, now
	}
	return attr, nil
}

// createPath creates an empty file at path. An existing file is kept as is
// unless exclusive or truncate is set.
func (b *Bridge) createPath(ctx context.Context, path string, exclusive, truncate bool) (state.Attr, error) {
	existing, err := b.lookupAttr(ctx, path)
	switch {
	case err == nil && exclusive:
		return state.Attr{}, fsError(errors.ErrCodeAlreadyExists, "create", path, "file exists")
	case err == nil && existing.IsDir:
		return state.Attr{}, fsError(errors.ErrCodeIsADirectory, "create", path, "is a directory")
	case err == nil && !truncate:
		return existing, nil
	case err != nil && errors.CodeOf(err) != errors.ErrCodeNotFound:
		return state.Attr{}, err
	}

	if err := b.remote.Write(ctx, path, nil); err != nil {
		return state.Attr{}, err
	}
	dir, name := utils.SplitRemotePath(path)
	b.changed(dir)

	attr := state.AttrFromInfo(types.FileInfo{Name: name, ModTime: time.Now()}, b.opts.FileMode, b.opts.DirMode)
	b.tracker.PutAttr(path, attr)
	b.stats.creates.Add(1)
	return attr, nil
}

func (b *Bridge) mkdirPath(ctx context.Context, path string) (state.Attr, error) {
	if err := b.remote.Mkdir(ctx, path); err != nil {
		return state.Attr{}, err
	}
	dir, name := utils.SplitRemotePath(path)
	b.changed(dir)

	attr := state.AttrFromInfo(types.FileInfo{Name: name, IsDir: true, ModTime: time.Now()}, b.opts.FileMode, b.opts.DirMode)
	b.tracker.PutAttr(path, attr)
	b.logger.WithField("path", path).Debug("Created directory")
	return attr, nil
}

// removePath deletes path after checking that its kind matches the call:
// unlink refuses directories, rmdir refuses files and non-empty
// directories. The inode stays allocated but resolves as stale.
func (b *Bridge) removePath(ctx context.Context, path string, wantDir bool) error {
	op := "unlink"
	if wantDir {
		op = "rmdir"
	}
	if path == "/" {
		return fsError(errors.ErrCodeInvalidArgument, op, path, "cannot remove the root")
	}

	attr, err := b.lookupAttr(ctx, path)
	if err != nil {
		return err
	}
	switch {
	case wantDir && !attr.IsDir:
		return fsError(errors.ErrCodeNotADirectory, op, path, "not a directory")
	case !wantDir && attr.IsDir:
		return fsError(errors.ErrCodeIsADirectory, op, path, "is a directory")
	}
	if wantDir {
		l, err := b.listSince(ctx, path, b.tracker.Seq())
		if err != nil {
			return err
		}
		if len(l.entries) > 0 {
			return fsError(errors.ErrCodeNotEmpty, op, path, "directory not empty")
		}
	}

	if err := b.remote.Delete(ctx, path); err != nil {
		return err
	}
	b.stats.deletes.Add(1)

	dir, _ := utils.SplitRemotePath(path)
	b.tracker.Retire(path)
	b.changed(dir)
	b.logger.WithField("path", path).Debug("Removed entry")
	return nil
}

// renamePath moves from to to. With noReplace an existing destination is
// refused before anything is sent. Inodes under from keep their numbers.
func (b *Bridge) renamePath(ctx context.Context, from, to string, noReplace bool) error {
	if from == to {
		return nil
	}
	if noReplace {
		_, err := b.lookupAttr(ctx, to)
		switch {
		case err == nil:
			return fsError(errors.ErrCodeAlreadyExists, "rename", to, "destination exists")
		case errors.CodeOf(err) != errors.ErrCodeNotFound:
			return err
		}
	}

	if err := b.remote.Rename(ctx, from, to); err != nil {
		return err
	}
	b.stats.renames.Add(1)

	if err := b.tracker.Rename(from, to); err != nil {
		// Nothing was tracked at from. Both paths changed remotely, so
		// neither may keep cached state.
		b.logger.WithFields(logrus.Fields{"from": from, "to": to}).WithError(err).Debug("Rename of untracked path")
		b.tracker.Retire(from)
		b.tracker.Retire(to)
	}
	oldDir, _ := utils.SplitRemotePath(from)
	newDir, _ := utils.SplitRemotePath(to)
	b.changed(oldDir)
	b.changed(newDir)
	return nil
}

func (b *Bridge) rootAttr() state.Attr {
	return state.Attr{
		IsDir: true,
		Mode:  b.opts.DirMode,
		Mtime: b.started,
		Atime: b.started,
		Ctime: b.started,
	}
}

// window returns data[off:off+size] clipped to the content.
func window(data []byte, off int64, size int) []byte {
	if off < 0 || off >= int64(len(data)) {
		return nil
	}
	end := off + int64(size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}

// splice writes data into content at off, zero filling any gap.
func splice(content []byte, off int64, data []byte) []byte {
	end := off + int64(len(data))
	if end > int64(len(content)) {
		content = resize(content, end)
	}
	copy(content[off:], data)
	return content
}

// resize returns content truncated or zero extended to size.
func resize(content []byte, size int64) []byte {
	if size <= int64(len(content)) {
		return content[:size]
	}
	grown := make([]byte, size)
	copy(grown, content)
	return grown
}
