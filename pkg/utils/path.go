package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanRemotePath normalises a remote path: rooted at "/", no trailing
// slash, "." and ".." resolved lexically without escaping the root.
func CleanRemotePath(p string) string {
	return path.Clean("/" + p)
}

// JoinRemotePath appends name to the remote directory parent.
func JoinRemotePath(parent, name string) string {
	return CleanRemotePath(parent + "/" + name)
}

// SplitRemotePath returns the parent directory and final element of p.
// The root splits into ("/", "").
func SplitRemotePath(p string) (dir, name string) {
	p = CleanRemotePath(p)
	if p == "/" {
		return "/", ""
	}
	return path.Dir(p), path.Base(p)
}

// IsDescendant reports whether p lies strictly below ancestor.
func IsDescendant(p, ancestor string) bool {
	p, ancestor = CleanRemotePath(p), CleanRemotePath(ancestor)
	if ancestor == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// RebasePath rewrites p, which must be oldBase or lie below it, to sit under
// newBase instead.
func RebasePath(p, oldBase, newBase string) string {
	p, oldBase = CleanRemotePath(p), CleanRemotePath(oldBase)
	if p == oldBase {
		return CleanRemotePath(newBase)
	}
	return JoinRemotePath(newBase, strings.TrimPrefix(p, oldBase))
}

// ValidateName rejects directory entry names the kernel should never send.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name cannot be empty")
	case name == "." || name == "..":
		return fmt.Errorf("reserved name: %s", name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("name contains a path separator: %s", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name contains a NUL byte")
	}
	return nil
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
//
// Example usage:
//
//	local, err := SecureJoin("/srv/remote", "docs", "a.txt")
//	if err != nil {
//		return fmt.Errorf("invalid path combination: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
