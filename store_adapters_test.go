package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStableStoreDefaultsToZero(t *testing.T) {
	s, err := NewFileStableStore(t.TempDir())
	require.NoError(t, err)

	term, err := s.GetTerm()
	require.NoError(t, err)
	require.Equal(t, Term(0), term)

	vote, err := s.GetVote()
	require.NoError(t, err)
	require.Equal(t, ServerID(0), vote)
}

func TestFileStableStoreSetTermPreservesVote(t *testing.T) {
	s, err := NewFileStableStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SetVote(7))
	require.NoError(t, s.SetTerm(3))

	term, err := s.GetTerm()
	require.NoError(t, err)
	require.Equal(t, Term(3), term)

	vote, err := s.GetVote()
	require.NoError(t, err)
	require.Equal(t, ServerID(7), vote)
}

func TestFileStableStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStableStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetTerm(5))
	require.NoError(t, s.SetVote(2))

	reopened, err := NewFileStableStore(dir)
	require.NoError(t, err)
	term, err := reopened.GetTerm()
	require.NoError(t, err)
	require.Equal(t, Term(5), term)
	vote, err := reopened.GetVote()
	require.NoError(t, err)
	require.Equal(t, ServerID(2), vote)
}
