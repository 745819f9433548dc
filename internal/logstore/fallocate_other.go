//go:build !linux

package logstore

import "os"

// fallocateZeroed is the portable fallback: Truncate extends the file with
// zero bytes on every platform Go supports, just without the guaranteed
// upfront block allocation posix_fallocate gives on linux.
func fallocateZeroed(f *os.File, size int64) error {
	return f.Truncate(size)
}
