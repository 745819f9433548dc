package codec

import (
	"encoding/binary"
	"fmt"
)

// ConfigServer mirrors raft.Server without importing package raft (which
// imports codec), avoiding a cycle.
type ConfigServer struct {
	ID      uint64
	Address string
	Role    uint8
}

// EncodeConfiguration serializes a server list the way spec §4.2's
// metadata format and configuration log entries both need:
//
//	n_servers(8) [ id(8) role(1) addrlen(8) addr... ]*n
func EncodeConfiguration(servers []ConfigServer) []byte {
	size := 8
	for _, s := range servers {
		size += 8 + 1 + 8 + len(s.Address)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(servers)))
	off := 8
	for _, s := range servers {
		binary.LittleEndian.PutUint64(buf[off:off+8], s.ID)
		buf[off+8] = s.Role
		binary.LittleEndian.PutUint64(buf[off+9:off+17], uint64(len(s.Address)))
		off += 17
		copy(buf[off:], s.Address)
		off += len(s.Address)
	}
	return buf
}

// DecodeConfiguration reverses EncodeConfiguration.
func DecodeConfiguration(buf []byte) ([]ConfigServer, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("configuration bytes too short")
	}
	n := binary.LittleEndian.Uint64(buf[0:8])
	if n > 1<<16 {
		return nil, fmt.Errorf("implausible server count %d", n)
	}
	out := make([]ConfigServer, 0, n)
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+17 > len(buf) {
			return nil, fmt.Errorf("truncated configuration entry %d", i)
		}
		id := binary.LittleEndian.Uint64(buf[off : off+8])
		role := buf[off+8]
		alen := int(binary.LittleEndian.Uint64(buf[off+9 : off+17]))
		off += 17
		if alen < 0 || off+alen > len(buf) {
			return nil, fmt.Errorf("truncated configuration address %d", i)
		}
		addr := string(buf[off : off+alen])
		off += alen
		out = append(out, ConfigServer{ID: id, Address: addr, Role: role})
	}
	return out, nil
}
