package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogEntryMemRoundTrip(t *testing.T) {
	e := LogEntry{Index: 7, Term: 3, Type: EntryCommand, Data: []byte("payload")}
	require.Equal(t, e, fromMemEntry(toMemEntry(e)))
}

func TestLogEntryCodecRoundTrip(t *testing.T) {
	e := LogEntry{Index: 7, Term: 3, Type: EntryConfiguration, Data: []byte("payload")}
	require.Equal(t, e, fromCodecEntry(toCodecEntry(e)))
}

func TestConfigurationEncodeDecodeRoundTrip(t *testing.T) {
	c := Configuration{Index: 9, Servers: []Server{
		{ID: 1, Address: "node-1", Role: RoleVoter},
		{ID: 2, Address: "node-2", Role: RoleSpare},
	}}
	data := encodeConfiguration(c)
	got, err := decodeConfiguration(c.Index, data)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestDecodeConfigurationRejectsGarbage(t *testing.T) {
	_, err := decodeConfiguration(1, []byte("not a configuration"))
	require.Error(t, err)
}
