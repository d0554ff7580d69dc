//go:build linux

package gateway

import (
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openModeLadder mirrors spec.md §4.A's open-mode ladder. O_DIRECT
// (unbuffered) is attempted first in exclusive mode, then shared-read
// unbuffered, then finally a buffered fallback for filesystems that
// reject O_DIRECT's alignment requirements (as some removable-media
// drivers do), the way gokrazy-tools falls back across os.Create calls
// when the first attempt hits EACCES.
func openModeLadder() []openMode {
	return []openMode{
		{name: "exclusive-unbuffered", flag: os.O_RDWR | syscall.O_EXCL | syscall.O_DIRECT | syscall.O_SYNC},
		{name: "shared-unbuffered", flag: os.O_RDWR | syscall.O_DIRECT | syscall.O_SYNC},
		{name: "exclusive-buffered", flag: os.O_RDWR | syscall.O_EXCL | syscall.O_SYNC, buffered: true},
	}
}

func openWithMode(device string, mode openMode) (*os.File, error) {
	return os.OpenFile(device, mode.flag, 0)
}

func deviceSize(f *os.File) (uint64, error) {
	var devsize uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&devsize)))
	if errno != 0 {
		return 0, errno
	}
	return devsize, nil
}

func isSharingViolation(err error) bool {
	return isErrno(err, syscall.EBUSY) || isErrno(err, syscall.ETXTBSY)
}

func isAccessDenied(err error) bool {
	return isErrno(err, syscall.EACCES) || isErrno(err, syscall.EPERM) || isErrno(err, syscall.EROFS)
}

func isErrno(err error, target syscall.Errno) bool {
	for {
		if errno, ok := err.(syscall.Errno); ok {
			return errno == target
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}
