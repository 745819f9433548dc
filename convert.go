package raft

import (
	"github.com/mossraft/raft/internal/codec"
	"github.com/mossraft/raft/internal/memlog"
)

// This file is the sole place package raft converts between its own
// exported types and the flat mirror types internal/memlog and
// internal/codec use to avoid importing package raft (which would cycle).

func toMemEntry(e LogEntry) memlog.Entry {
	return memlog.Entry{Index: uint64(e.Index), Term: uint64(e.Term), Type: uint8(e.Type), Payload: e.Data}
}

func fromMemEntry(e memlog.Entry) LogEntry {
	return LogEntry{Index: Index(e.Index), Term: Term(e.Term), Type: EntryType(e.Type), Data: e.Payload}
}

func toCodecEntry(e LogEntry) codec.Entry {
	return codec.Entry{Index: uint64(e.Index), Term: uint64(e.Term), Type: uint8(e.Type), Payload: e.Data}
}

func fromCodecEntry(e codec.Entry) LogEntry {
	return LogEntry{Index: Index(e.Index), Term: Term(e.Term), Type: EntryType(e.Type), Data: e.Payload}
}

func toCodecEntries(entries []LogEntry) []codec.Entry {
	out := make([]codec.Entry, len(entries))
	for i, e := range entries {
		out[i] = toCodecEntry(e)
	}
	return out
}

func toConfigServers(servers []Server) []codec.ConfigServer {
	out := make([]codec.ConfigServer, len(servers))
	for i, s := range servers {
		out[i] = codec.ConfigServer{ID: uint64(s.ID), Address: s.Address, Role: uint8(s.Role)}
	}
	return out
}

func fromConfigServers(servers []codec.ConfigServer) []Server {
	out := make([]Server, len(servers))
	for i, s := range servers {
		out[i] = Server{ID: ServerID(s.ID), Address: s.Address, Role: Role(s.Role)}
	}
	return out
}

// encodeConfiguration serializes a Configuration's server list for storage
// inside an EntryConfiguration log entry's payload.
func encodeConfiguration(c Configuration) []byte {
	return codec.EncodeConfiguration(toConfigServers(c.Servers))
}

func decodeConfiguration(index Index, data []byte) (Configuration, error) {
	servers, err := codec.DecodeConfiguration(data)
	if err != nil {
		return Configuration{}, newErr(KindCorrupt, "decode configuration: %v", err)
	}
	return Configuration{Index: index, Servers: fromConfigServers(servers)}, nil
}
