package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// geometry fixes a segment's fixed size: blockSize * blocksPerSegment
// (spec §4.1 "Segments are fixed-size files of a configured block size ×
// blocks-per-segment").
type geometry struct {
	blockSize       int
	blocksPerSegment int
}

func (g geometry) segmentSize() int { return g.blockSize * g.blocksPerSegment }

// openSegmentName returns the filename for an open (preallocated,
// currently-being-written) segment identified by its allocation counter.
func openSegmentName(counter uint64) string {
	return fmt.Sprintf("open-%d", counter)
}

// closedSegmentName returns the filename for a sealed segment covering
// [first, last] inclusive raft indices.
func closedSegmentName(first, last uint64) string {
	return fmt.Sprintf("%d-%d", first, last)
}

// parseClosedSegmentName reverses closedSegmentName, returning ok=false for
// anything that isn't exactly "<digits>-<digits>" (e.g. an open-* file).
func parseClosedSegmentName(name string) (first, last uint64, ok bool) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	f, err1 := strconv.ParseUint(parts[0], 10, 64)
	l, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return f, l, true
}

// parseOpenSegmentName reverses openSegmentName.
func parseOpenSegmentName(name string) (counter uint64, ok bool) {
	if !strings.HasPrefix(name, "open-") {
		return 0, false
	}
	c, err := strconv.ParseUint(strings.TrimPrefix(name, "open-"), 10, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}

// allocateSegment performs the posix_fallocate-equivalent of spec §4.1:
// fully allocate a zeroed file of size geometry.segmentSize(), then fsync
// the directory so the allocation survives a crash. Any failure in this
// path is a hard error for that segment (spec §4.1).
func allocateSegment(dir string, counter uint64, g geometry) (path string, err error) {
	path = filepath.Join(dir, openSegmentName(counter))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := fallocateZeroed(f, int64(g.segmentSize())); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := fsyncDir(dir); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
