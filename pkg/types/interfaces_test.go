package types

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestListEntryConversion(t *testing.T) {
	mtime := time.Unix(1700000000, 250000000)
	fi := FileInfo{
		Name:    "a.txt",
		Size:    2,
		Mode:    0644,
		ModTime: mtime,
		ChTime:  mtime,
	}

	entry := NewListEntry(fi)
	if entry.MTime != 1700000000.25 {
		t.Errorf("MTime = %v, want 1700000000.25", entry.MTime)
	}
	if entry.Mode != 0644 {
		t.Errorf("Mode = %o, want 644", entry.Mode)
	}

	back := entry.FileInfo()
	if back.Name != fi.Name || back.Size != fi.Size || back.IsDir {
		t.Errorf("FileInfo() = %+v, want %+v", back, fi)
	}
	if d := back.ModTime.Sub(mtime); d > time.Microsecond || d < -time.Microsecond {
		t.Errorf("ModTime drifted by %v", d)
	}
}

func TestListEntryZeroTimes(t *testing.T) {
	entry := NewListEntry(FileInfo{Name: "d", IsDir: true, Mode: os.ModeDir | 0755})
	if entry.MTime != 0 || entry.CTime != 0 {
		t.Errorf("zero times should encode as 0, got %v/%v", entry.MTime, entry.CTime)
	}
	if entry.Mode != 0755 {
		t.Errorf("Mode = %o, want only permission bits", entry.Mode)
	}
	if !entry.FileInfo().ModTime.IsZero() {
		t.Error("0 should decode to the zero time")
	}
}

func TestListResponseJSON(t *testing.T) {
	body := `{"entries":[{"name":"d","is_dir":true,"size":0,"mtime":1.5,"ctime":1.5,"mode":493}]}`

	var resp ListResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(resp.Entries) != 1 || !resp.Entries[0].IsDir || resp.Entries[0].Mode != 0755 {
		t.Errorf("unexpected decode: %+v", resp)
	}
}
