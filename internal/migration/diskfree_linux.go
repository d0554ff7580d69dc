//go:build linux

package migration

import "golang.org/x/sys/unix"

// diskFreeBytes reports the free space available to an unprivileged
// process on the filesystem backing path, via statfs(2).
func diskFreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
