//go:build !linux && !darwin

package disk

import (
	"io/fs"
	"time"
)

func changeTime(fi fs.FileInfo) time.Time {
	return fi.ModTime()
}
