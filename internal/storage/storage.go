// Package storage defines the backend interface the reference REST server
// persists files through, plus helpers shared by the disk and S3 backends.
package storage

import (
	"context"
	"io"

	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// Store is a hierarchical file store addressed by slash-separated paths
// rooted at "/". Errors are *errors.RemoteFSError values carrying one of the
// filesystem codes (NotFound, AlreadyExists, IsADirectory, NotADirectory,
// NotEmpty, InvalidArgument).
type Store interface {
	// Stat describes the entry at path. The root is always a directory.
	Stat(ctx context.Context, path string) (types.FileInfo, error)

	// List returns the entries directly below the directory at path.
	List(ctx context.Context, path string) ([]types.FileInfo, error)

	// ReadFile returns the content of the file at path.
	ReadFile(ctx context.Context, path string) ([]byte, types.FileInfo, error)

	// WriteFile replaces the content of the file at path, creating it and
	// any missing parent directories.
	WriteFile(ctx context.Context, path string, r io.Reader, size int64) error

	// Mkdir creates the directory at path and any missing parents. It fails
	// with AlreadyExists if path exists.
	Mkdir(ctx context.Context, path string) error

	// Remove deletes the file or directory tree at path.
	Remove(ctx context.Context, path string) error

	// Rename moves from to to following the policy in CheckRename.
	Rename(ctx context.Context, from, to string) error

	// Name identifies the backend in logs and health output.
	Name() string

	Close() error
}

// HealthChecker is implemented by stores that can tell whether their
// backing storage is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckRename applies the rename policy shared by every backend and reports
// whether an existing destination has to be removed first:
//
//   - the source must exist and must not be the root;
//   - a directory cannot move below itself;
//   - an existing file destination is overwritten by a file;
//   - an existing empty directory destination is replaced by a directory;
//   - any other existing destination is refused with AlreadyExists.
func CheckRename(ctx context.Context, s Store, from, to string) (replace bool, err error) {
	from, to = utils.CleanRemotePath(from), utils.CleanRemotePath(to)

	if from == "/" || to == "/" {
		return false, Errorf(errors.ErrCodeInvalidArgument, "rename", from, "cannot rename the root")
	}
	if utils.IsDescendant(to, from) {
		return false, Errorf(errors.ErrCodeInvalidArgument, "rename", from, "cannot move a directory below itself")
	}

	src, err := s.Stat(ctx, from)
	if err != nil {
		return false, err
	}

	dir, _ := utils.SplitRemotePath(to)
	parent, err := s.Stat(ctx, dir)
	if err != nil {
		return false, err
	}
	if !parent.IsDir {
		return false, Errorf(errors.ErrCodeNotADirectory, "rename", to, "parent is not a directory")
	}

	if from == to {
		return false, nil
	}

	dst, err := s.Stat(ctx, to)
	switch {
	case errors.CodeOf(err) == errors.ErrCodeNotFound:
		return false, nil
	case err != nil:
		return false, err
	}

	if src.IsDir != dst.IsDir {
		return false, Errorf(errors.ErrCodeAlreadyExists, "rename", to, "destination exists with a different type")
	}
	if dst.IsDir {
		children, err := s.List(ctx, to)
		if err != nil {
			return false, err
		}
		if len(children) > 0 {
			return false, Errorf(errors.ErrCodeAlreadyExists, "rename", to, "destination directory is not empty")
		}
	}
	return true, nil
}

// Errorf builds a storage error for op on path.
func Errorf(code errors.ErrorCode, op, path, format string, args ...interface{}) *errors.RemoteFSError {
	return errors.Newf(code, format, args...).
		WithComponent("storage").
		WithOperation(op).
		WithContext("path", path)
}
