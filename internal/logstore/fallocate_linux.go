//go:build linux

package logstore

import (
	"os"
	"syscall"
)

// fallocateZeroed fully allocates size zeroed bytes for f using the
// posix_fallocate semantics spec §4.1 requires: "fully allocated, contents
// zero". On linux, syscall.Fallocate backs this directly; elsewhere (see
// fallocate_other.go) Truncate is the portable fallback.
func fallocateZeroed(f *os.File, size int64) error {
	return syscall.Fallocate(int(f.Fd()), 0, 0, size)
}
