//go:build !linux

package hostsvc

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

func openProcMounts() (*os.File, error) {
	return nil, errors.Errorf("hostsvc: mounted-volume enumeration is not implemented on %s", runtime.GOOS)
}
