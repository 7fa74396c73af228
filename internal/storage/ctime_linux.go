//go:build linux

package storage

import (
	"os"
	"syscall"
	"time"
)

// changeTime returns the inode change time of fi, falling back to the
// modification time.
func changeTime(fi os.FileInfo) time.Time {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)).UTC()
	}
	return fi.ModTime().UTC()
}
