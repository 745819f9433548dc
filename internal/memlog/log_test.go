package memlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func appendN(l *Log, from, to uint64, term uint64) {
	for i := from; i <= to; i++ {
		l.Append(Entry{Index: i, Term: term, Payload: []byte("x")})
	}
}

func TestNewLogEmptyBoundary(t *testing.T) {
	l := New(0, 0)
	require.Equal(t, uint64(1), l.FirstIndex())
	require.Equal(t, uint64(0), l.LastIndex())
	require.Equal(t, uint64(0), l.LastTerm())
	require.Equal(t, 0, l.Len())
}

func TestAppendAndGet(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 3, 1)
	require.Equal(t, uint64(3), l.LastIndex())
	require.Equal(t, uint64(1), l.LastTerm())

	e, ok := l.Get(2)
	require.True(t, ok)
	require.Equal(t, uint64(2), e.Index)

	_, ok = l.Get(4)
	require.False(t, ok)
	_, ok = l.Get(0)
	require.False(t, ok)
}

func TestTermAtSnapshotBoundary(t *testing.T) {
	l := New(5, 2)
	term, ok := l.Term(5)
	require.True(t, ok)
	require.Equal(t, uint64(2), term)

	_, ok = l.Term(4)
	require.False(t, ok)
}

func TestTruncateDropsSuffix(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 5, 1)
	l.Truncate(3)
	require.Equal(t, uint64(2), l.LastIndex())
	_, ok := l.Get(3)
	require.False(t, ok)
}

func TestTruncateAtOrBelowFirstClearsAll(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 5, 1)
	l.Truncate(1)
	require.Equal(t, 0, l.Len())
	require.Equal(t, uint64(0), l.LastIndex())
}

func TestTruncateAboveLastIsNoop(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 3, 1)
	l.Truncate(100)
	require.Equal(t, uint64(3), l.LastIndex())
}

func TestSnapshotRestoredWithinHeldRange(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 10, 1)
	l.SnapshotRestored(6, 1)
	require.Equal(t, uint64(7), l.FirstIndex())
	require.Equal(t, uint64(10), l.LastIndex())
	boundaryIdx, boundaryTerm := l.SnapshotBoundary()
	require.Equal(t, uint64(6), boundaryIdx)
	require.Equal(t, uint64(1), boundaryTerm)
}

func TestSnapshotRestoredBeyondHeldRangeDropsEverything(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 3, 1)
	l.SnapshotRestored(50, 4)
	require.Equal(t, 0, l.Len())
	require.Equal(t, uint64(50), l.LastIndex())
	require.Equal(t, uint64(4), l.LastTerm())
}

func TestDiscardMatchesTruncate(t *testing.T) {
	l := New(0, 0)
	appendN(l, 1, 5, 1)
	l.Discard(4)
	require.Equal(t, uint64(3), l.LastIndex())
}
