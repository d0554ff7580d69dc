//go:build linux

package migration

import "golang.org/x/sys/unix"

// availableMemoryBytes reads free RAM via sysinfo(2), the same syscall
// family gokrazy-tools' parttable_linux.go reaches into golang.org/x/sys/
// unix for (there it is BLKGETSIZE64/BLKRRPART; here it is Sysinfo).
func availableMemoryBytes() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Freeram) * uint64(info.Unit)
}
