//go:build linux

package hostsvc

import "os"

func openProcMounts() (*os.File, error) {
	return os.Open("/proc/mounts")
}
