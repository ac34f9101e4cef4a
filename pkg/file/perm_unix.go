//go:build unix

package file

import (
	"fmt"
	"os"
	"syscall"
)

// CheckPrivate rejects files readable by other users or owned by another account.
func CheckPrivate(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("permissions %#o are too open, want 0600", perm)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if uid := os.Getuid(); int(stat.Uid) != uid {
			return fmt.Errorf("owned by uid %d, current uid %d", stat.Uid, uid)
		}
	}
	return nil
}
