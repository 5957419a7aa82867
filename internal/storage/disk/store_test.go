package disk

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotefs/remotefs/pkg/errors"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, root
}

func TestRootIsLocked(t *testing.T) {
	s, root := newStore(t)

	_, err := New(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")

	require.NoError(t, s.Close())
	again, err := New(root)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestWriteReadStat(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "/a/b.txt", strings.NewReader("hello"), 5))

	data, fi, err := s.ReadFile(ctx, "/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "b.txt", fi.Name)
	assert.Equal(t, int64(5), fi.Size)

	fi, err = s.Stat(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, fi.IsDir)
	assert.Zero(t, fi.Size)

	fi, err = s.Stat(ctx, "/")
	require.NoError(t, err)
	assert.True(t, fi.IsDir)

	// No temporary upload files are left behind.
	entries, err := os.ReadDir(filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteKeepsPermissions(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()
	local := filepath.Join(root, "script")
	require.NoError(t, os.WriteFile(local, []byte("old"), 0700))
	require.NoError(t, os.Chmod(local, 0700))

	require.NoError(t, s.WriteFile(ctx, "/script", strings.NewReader("new"), -1))

	info, err := os.Stat(local)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestWriteShortBody(t *testing.T) {
	s, root := newStore(t)

	err := s.WriteFile(context.Background(), "/f", bytes.NewReader([]byte("abc")), 10)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
	_, statErr := os.Stat(filepath.Join(root, "f"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestKindErrors(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0644))

	_, _, err := s.ReadFile(ctx, "/d")
	assert.Equal(t, errors.ErrCodeIsADirectory, errors.CodeOf(err))

	err = s.WriteFile(ctx, "/d", strings.NewReader("x"), 1)
	assert.Equal(t, errors.ErrCodeIsADirectory, errors.CodeOf(err))

	_, err = s.List(ctx, "/f")
	assert.Equal(t, errors.ErrCodeNotADirectory, errors.CodeOf(err))

	_, err = s.List(ctx, "/missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	err = s.Mkdir(ctx, "/f")
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.CodeOf(err))

	err = s.Remove(ctx, "/missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	err = s.Remove(ctx, "/")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}

func TestListHidesLockAndSorts(t *testing.T) {
	s, root := newStore(t)
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0644))
	}

	infos, err := s.List(context.Background(), "/")
	require.NoError(t, err)

	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestRemoveIsRecursive(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tree", "x", "y"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tree", "x", "f"), nil, 0644))

	require.NoError(t, s.Remove(context.Background(), "/tree"))
	_, err := os.Stat(filepath.Join(root, "tree"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenamePolicy(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, string) {
		s, root := newStore(t)
		require.NoError(t, os.WriteFile(filepath.Join(root, "f1"), []byte("one"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "f2"), []byte("two"), 0644))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "full", "child"), 0755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "inner"), 0755))
		return s, root
	}

	tests := []struct {
		name     string
		from, to string
		wantCode errors.ErrorCode
	}{
		{"file to new name", "/f1", "/new", ""},
		{"file over file", "/f1", "/f2", ""},
		{"directory over empty directory", "/src", "/empty", ""},
		{"directory over non-empty directory", "/src", "/full", errors.ErrCodeAlreadyExists},
		{"file over directory", "/f1", "/empty", errors.ErrCodeAlreadyExists},
		{"directory over file", "/src", "/f1", errors.ErrCodeAlreadyExists},
		{"directory below itself", "/src", "/src/inner/x", errors.ErrCodeInvalidArgument},
		{"missing source", "/nope", "/x", errors.ErrCodeNotFound},
		{"missing destination parent", "/f1", "/nope/x", errors.ErrCodeNotFound},
		{"destination parent is a file", "/f1", "/f2/x", errors.ErrCodeNotADirectory},
		{"root", "/", "/x", errors.ErrCodeInvalidArgument},
		{"same path", "/f1", "/f1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, root := setup(t)
			err := s.Rename(ctx, tt.from, tt.to)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errors.CodeOf(err))
				_, statErr := os.Stat(filepath.Join(root, filepath.FromSlash(tt.from)))
				if tt.from != "/nope" {
					assert.NoError(t, statErr, "source must survive a refused rename")
				}
				return
			}
			require.NoError(t, err)
			_, statErr := os.Stat(filepath.Join(root, filepath.FromSlash(tt.to)))
			assert.NoError(t, statErr)
		})
	}
}

func TestRenameOverwriteContent(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("from a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("from b"), 0644))

	require.NoError(t, s.Rename(context.Background(), "/a", "/b"))

	data, err := os.ReadFile(filepath.Join(root, "b"))
	require.NoError(t, err)
	assert.Equal(t, "from a", string(data))
	_, err = os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestPathsStayInsideRoot(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()
	outside := filepath.Join(filepath.Dir(root), "outside-"+filepath.Base(root))
	t.Cleanup(func() { os.RemoveAll(outside) })

	for _, p := range []string{"../outside", "/../../etc/passwd", "a/../../x"} {
		require.NoError(t, s.WriteFile(ctx, p, strings.NewReader("x"), 1), p)
	}
	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err))

	// Cleaning pins every path below the root.
	_, err = os.Stat(filepath.Join(root, "outside"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "etc", "passwd"))
	assert.NoError(t, err)
}

func TestSymlinkEscapeIsRejected(t *testing.T) {
	s, root := newStore(t)
	target := t.TempDir()
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link")))

	err := s.WriteFile(context.Background(), "/link/x", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))

	_, statErr := os.Stat(filepath.Join(target, "x"))
	assert.True(t, os.IsNotExist(statErr))
}
