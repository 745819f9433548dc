package logstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mossraft/raft/internal/codec"
)

// smallOptions uses a tiny segment size so rotation tests don't need
// thousands of entries.
func smallOptions() Options {
	return Options{BlockSize: 64, BlocksPerSegment: 4} // 256-byte segments
}

func entry(idx uint64, payload string) codec.Entry {
	return codec.Entry{Index: idx, Term: 1, Payload: []byte(payload)}
}

func TestOpenFreshDirStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s.Close()

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestAppendAndGetEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(1, "a"), entry(2, "b")}))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	e, err := s.GetEntry(1)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), e.Payload)
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(i, "payload")}))
	}
	require.NoError(t, s.Close())

	s2, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)

	for i := uint64(1); i <= 10; i++ {
		e, err := s2.GetEntry(i)
		require.NoError(t, err)
		require.Equal(t, i, e.Index)
	}
}

func TestTruncateBackRemovesSuffix(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(i, "x")}))
	}
	require.NoError(t, s.Truncate(context.Background(), 3))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	_, err = s.GetEntry(3)
	require.Error(t, err)
}

func TestTruncateThenAppendContinuesCleanly(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s.Close()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(i, "x")}))
	}
	require.NoError(t, s.Truncate(context.Background(), 3))
	require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(3, "y")}))

	e, err := s.GetEntry(3)
	require.NoError(t, err)
	require.Equal(t, []byte("y"), e.Payload)
}

func TestCompactRemovesOldClosedSegments(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s.Close()

	// Each entry's payload is sized so a handful of appends force a segment
	// rotation under the tiny 256-byte geometry.
	for i := uint64(1); i <= 40; i++ {
		require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(i, "0123456789")}))
	}
	require.Greater(t, len(s.closedSegs), 1, "test needs at least one rotation to exercise Compact")

	require.NoError(t, s.Compact(context.Background(), 30))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.LessOrEqual(t, first, uint64(30))

	_, err = s.GetEntry(1)
	require.Error(t, err, "entries below keepFrom's segment should be gone")
}

func TestRecoveryRepairsTornTailWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Append(context.Background(), []codec.Entry{entry(i, "ok")}))
	}
	activePath := s.active.path
	writeOffsetBeforeTear := s.active.writeOffset
	require.NoError(t, s.Close())

	// Simulate a torn write: append a handful of garbage bytes past the last
	// good batch, as a crash mid-write would leave behind.
	f, err := os.OpenFile(activePath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7}, int64(writeOffsetBeforeTear))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dir, smallOptions())
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last, "recovery should discard the torn trailing bytes and keep every intact entry")

	// The repaired store must still accept new appends after the torn tail.
	require.NoError(t, s2.Append(context.Background(), []codec.Entry{entry(4, "more")}))
	e, err := s2.GetEntry(4)
	require.NoError(t, err)
	require.Equal(t, []byte("more"), e.Payload)
}

func TestCloseIsIdempotentAndRejectsFurtherAppends(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, smallOptions())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Append(context.Background(), []codec.Entry{entry(1, "x")})
	require.ErrorIs(t, err, errCanceled)
}
