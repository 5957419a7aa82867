package types

import (
	"math"
	"os"
	"time"
)

// FileInfo describes one entry of the remote store.
type FileInfo struct {
	Name    string      `json:"name"`
	IsDir   bool        `json:"is_dir"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"mtime"`
	ChTime  time.Time   `json:"ctime"`
}

// ListEntry is the wire form of a directory entry returned by GET /list.
// Timestamps are seconds since the epoch with fractional part.
type ListEntry struct {
	Name  string  `json:"name"`
	IsDir bool    `json:"is_dir"`
	Size  int64   `json:"size"`
	MTime float64 `json:"mtime"`
	CTime float64 `json:"ctime"`
	Mode  uint32  `json:"mode"`
}

// ListResponse is the body of a GET /list response.
type ListResponse struct {
	Entries []ListEntry `json:"entries"`
}

// RenameRequest is the body of POST /rename.
type RenameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ErrorResponse is the structured error body the server sends with non-2xx
// statuses. Code refines statuses shared by several conditions.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewListEntry converts a FileInfo to its wire form.
func NewListEntry(fi FileInfo) ListEntry {
	return ListEntry{
		Name:  fi.Name,
		IsDir: fi.IsDir,
		Size:  fi.Size,
		MTime: toEpoch(fi.ModTime),
		CTime: toEpoch(fi.ChTime),
		Mode:  uint32(fi.Mode.Perm()),
	}
}

// FileInfo converts a wire entry back to a FileInfo.
func (e ListEntry) FileInfo() FileInfo {
	return FileInfo{
		Name:    e.Name,
		IsDir:   e.IsDir,
		Size:    e.Size,
		Mode:    os.FileMode(e.Mode).Perm(),
		ModTime: fromEpoch(e.MTime),
		ChTime:  fromEpoch(e.CTime),
	}
}

func toEpoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func fromEpoch(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}
