// Package disk stores remote files in a directory on the local filesystem.
package disk

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/remotefs/remotefs/internal/storage"
	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// LockName is the lock file kept in the root while a Store is open. It is
// hidden from listings.
const LockName = ".remotefs.lock"

// Store is a storage.Store backed by a local directory.
type Store struct {
	root   string
	real   string // root with symlinks resolved
	lock   *flock.Flock
	logger *logrus.Entry
}

var _ storage.Store = (*Store)(nil)

// New opens root, creating it if needed, and takes an exclusive lock so two
// servers cannot share one directory.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}

	lock := flock.New(filepath.Join(abs, LockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock store root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store root %s is in use by another server", abs)
	}

	logger := utils.ComponentLogger("disk-store").WithField("root", abs)
	logger.Info("Disk store opened")

	return &Store{root: abs, real: realRoot, lock: lock, logger: logger}, nil
}

// Root returns the absolute directory backing the store.
func (s *Store) Root() string {
	return s.root
}

// Name implements storage.Store.
func (s *Store) Name() string {
	return "disk"
}

// HealthCheck verifies the root is still a directory.
func (s *Store) HealthCheck(ctx context.Context) error {
	fi, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("store root unavailable: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("store root %s is not a directory", s.root)
	}
	return nil
}

// Close releases the root lock.
func (s *Store) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock store root: %w", err)
	}
	_ = os.Remove(s.lock.Path())
	return nil
}

// Stat implements storage.Store.
func (s *Store) Stat(ctx context.Context, path string) (types.FileInfo, error) {
	local, err := s.local("stat", path)
	if err != nil {
		return types.FileInfo{}, err
	}
	fi, err := os.Stat(local)
	if err != nil {
		return types.FileInfo{}, osError("stat", path, err)
	}
	return fileInfo(fi), nil
}

// List implements storage.Store.
func (s *Store) List(ctx context.Context, path string) ([]types.FileInfo, error) {
	local, err := s.local("list", path)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(local)
	if err != nil {
		return nil, osError("list", path, err)
	}
	if !fi.IsDir() {
		return nil, storage.Errorf(errors.ErrCodeNotADirectory, "list", path, "%s is not a directory", path)
	}

	dirents, err := os.ReadDir(local)
	if err != nil {
		return nil, osError("list", path, err)
	}

	out := make([]types.FileInfo, 0, len(dirents))
	for _, d := range dirents {
		if d.Name() == LockName {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, fileInfo(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile implements storage.Store.
func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, types.FileInfo, error) {
	local, err := s.local("read", path)
	if err != nil {
		return nil, types.FileInfo{}, err
	}

	fi, err := os.Stat(local)
	if err != nil {
		return nil, types.FileInfo{}, osError("read", path, err)
	}
	if fi.IsDir() {
		return nil, types.FileInfo{}, storage.Errorf(errors.ErrCodeIsADirectory, "read", path, "%s is a directory", path)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return nil, types.FileInfo{}, osError("read", path, err)
	}
	return data, fileInfo(fi), nil
}

// WriteFile implements storage.Store. Content is written to a temporary file
// in the target directory and renamed into place.
func (s *Store) WriteFile(ctx context.Context, path string, r io.Reader, size int64) error {
	local, err := s.local("write", path)
	if err != nil {
		return err
	}
	if local == s.root {
		return storage.Errorf(errors.ErrCodeIsADirectory, "write", path, "cannot write the root")
	}

	if fi, err := os.Stat(local); err == nil && fi.IsDir() {
		return storage.Errorf(errors.ErrCodeIsADirectory, "write", path, "%s is a directory", path)
	}

	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return osError("write", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".remotefs-upload-*")
	if err != nil {
		return osError("write", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return osError("write", path, err)
	}
	if size >= 0 && written != size {
		return storage.Errorf(errors.ErrCodeInvalidArgument, "write", path, "short body: got %d of %d bytes", written, size)
	}

	mode := os.FileMode(0644)
	if fi, err := os.Stat(local); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return osError("write", path, err)
	}
	if err := os.Rename(tmpName, local); err != nil {
		return osError("write", path, err)
	}

	s.logger.WithFields(logrus.Fields{"path": path, "size": written}).Debug("File written")
	return nil
}

// Mkdir implements storage.Store.
func (s *Store) Mkdir(ctx context.Context, path string) error {
	local, err := s.local("mkdir", path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(local); err == nil {
		return storage.Errorf(errors.ErrCodeAlreadyExists, "mkdir", path, "%s already exists", path)
	}
	if err := os.MkdirAll(local, 0755); err != nil {
		return osError("mkdir", path, err)
	}
	return nil
}

// Remove implements storage.Store. Directories are removed recursively.
func (s *Store) Remove(ctx context.Context, path string) error {
	local, err := s.local("delete", path)
	if err != nil {
		return err
	}
	if local == s.root {
		return storage.Errorf(errors.ErrCodeInvalidArgument, "delete", path, "cannot delete the root")
	}
	if _, err := os.Lstat(local); err != nil {
		return osError("delete", path, err)
	}
	if err := os.RemoveAll(local); err != nil {
		return osError("delete", path, err)
	}
	return nil
}

// Rename implements storage.Store.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	replace, err := storage.CheckRename(ctx, s, from, to)
	if err != nil {
		return err
	}

	src, err := s.local("rename", from)
	if err != nil {
		return err
	}
	dst, err := s.local("rename", to)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	if replace {
		if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
			if err := os.Remove(dst); err != nil {
				return osError("rename", to, err)
			}
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return osError("rename", from, err)
	}
	return nil
}

// local maps a remote path to a path below the root.
func (s *Store) local(op, path string) (string, error) {
	clean := utils.CleanRemotePath(path)
	if clean == "/" {
		return s.root, nil
	}
	local, err := utils.SecureJoin(s.root, strings.Split(strings.TrimPrefix(clean, "/"), "/")...)
	if err != nil {
		return "", storage.Errorf(errors.ErrCodeInvalidArgument, op, path, "invalid path").WithCause(err)
	}
	if !s.contained(local) {
		return "", storage.Errorf(errors.ErrCodeInvalidArgument, op, path, "path leaves the store root through a symlink")
	}
	return local, nil
}

// contained resolves symlinks in the existing part of local and reports
// whether the result is still below the root.
func (s *Store) contained(local string) bool {
	existing := local
	for existing != s.root {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		existing = filepath.Dir(existing)
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return false
	}
	return resolved == s.real || strings.HasPrefix(resolved, s.real+string(filepath.Separator))
}

func fileInfo(fi fs.FileInfo) types.FileInfo {
	out := types.FileInfo{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Mode:    fi.Mode().Perm(),
		ModTime: fi.ModTime(),
		ChTime:  changeTime(fi),
	}
	if !fi.IsDir() {
		out.Size = fi.Size()
	}
	return out
}

func osError(op, path string, err error) error {
	code := errors.ErrCodeInternalError
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		code = errors.ErrCodeNotFound
	case stderrors.Is(err, fs.ErrExist):
		code = errors.ErrCodeAlreadyExists
	case stderrors.Is(err, syscall.ENOTDIR):
		code = errors.ErrCodeNotADirectory
	case stderrors.Is(err, syscall.EISDIR):
		code = errors.ErrCodeIsADirectory
	case stderrors.Is(err, syscall.ENOTEMPTY):
		code = errors.ErrCodeNotEmpty
	case stderrors.Is(err, fs.ErrPermission):
		code = errors.ErrCodeInvalidArgument
	}
	return storage.Errorf(code, op, path, "%s %s failed", op, path).WithCause(err)
}
