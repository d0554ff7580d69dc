//go:build !linux

package migration

import "github.com/pkg/errors"

// diskFreeBytes has no portable implementation outside Linux in this
// tool's scope (spec.md §1 targets Linux hosts).
func diskFreeBytes(path string) (uint64, error) {
	return 0, errors.New("disk free space query is only implemented on linux")
}
