//go:build !linux

package gateway

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

func openModeLadder() []openMode {
	return []openMode{
		{name: "exclusive", flag: os.O_RDWR},
		{name: "shared-read", flag: os.O_RDONLY},
	}
}

func openWithMode(device string, mode openMode) (*os.File, error) {
	return os.OpenFile(device, mode.flag, 0)
}

func deviceSize(f *os.File) (uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() > 0 {
		return uint64(fi.Size()), nil
	}
	return 0, errors.Errorf("sdmigrate is missing raw block device size support on %s; pass a regular file for testing", runtime.GOOS)
}

func isSharingViolation(err error) bool { return false }

func isAccessDenied(err error) bool { return os.IsPermission(err) }
