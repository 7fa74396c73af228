//go:build !linux

package storage

import (
	"os"
	"time"
)

func changeTime(fi os.FileInfo) time.Time {
	return fi.ModTime().UTC()
}
