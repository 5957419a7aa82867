package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RotateOptions configures a RotatingFile.
type RotateOptions struct {
	Path string

	// MaxBytes is the size at which the file is rotated. Zero never rotates.
	MaxBytes int64

	// MaxBackups is the number of rotated files kept next to Path, named
	// Path.1 (newest) through Path.N. Zero keeps none.
	MaxBackups int

	// Compress gzips each backup as it is rotated out.
	Compress bool
}

// RotatingFile is an append-only log file that shifts itself into numbered
// backups once it grows past MaxBytes.
type RotatingFile struct {
	mu   sync.Mutex
	opts RotateOptions
	file *os.File
	size int64
}

// NewRotatingFile opens opts.Path for appending, creating its directory if
// needed.
func NewRotatingFile(opts RotateOptions) (*RotatingFile, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if opts.MaxBackups < 0 {
		return nil, fmt.Errorf("max backups cannot be negative")
	}
	r := &RotatingFile{opts: opts}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write appends p, rotating first if p would push a non-empty file past
// MaxBytes. A single write is never split across files.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.opts.MaxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.opts.MaxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate moves the current file into the backups immediately.
func (r *RotatingFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return os.ErrClosed
	}
	return r.rotate()
}

// Close closes the current file. Further writes fail with os.ErrClosed.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.opts.Path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(r.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	if r.opts.MaxBackups == 0 {
		if err := os.Remove(r.opts.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return r.open()
	}

	// Drop the oldest, then shift N-1..1 up by one.
	for _, suffix := range []string{"", ".gz"} {
		if err := os.Remove(r.backup(r.opts.MaxBackups) + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for i := r.opts.MaxBackups - 1; i >= 1; i-- {
		for _, suffix := range []string{"", ".gz"} {
			err := os.Rename(r.backup(i)+suffix, r.backup(i+1)+suffix)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	first := r.backup(1)
	if err := os.Rename(r.opts.Path, first); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.opts.Compress {
		if err := gzipFile(first); err != nil {
			fmt.Fprintf(os.Stderr, "remotefs: failed to compress %s: %v\n", first, err)
		}
	}
	return r.open()
}

func (r *RotatingFile) backup(n int) string {
	return fmt.Sprintf("%s.%d", r.opts.Path, n)
}

// gzipFile replaces name with name.gz.
func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(name+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
