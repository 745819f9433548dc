package raft

import (
	"bytes"
	"sync"
)

// testFSM is a minimal FSM recording every applied command's bytes in
// order, used by the cluster harness to assert state machine safety (spec
// §8 "every server applies the same command at the same index"). Apply
// returns the applied entry's index, which ApplyFuture.Response exposes.
type testFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func newTestFSM() *testFSM { return &testFSM{} }

func (f *testFSM) Apply(entry LogEntry) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), entry.Data...)
	f.applied = append(f.applied, cp)
	return int(entry.Index)
}

func (f *testFSM) Snapshot() (FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([][]byte, len(f.applied))
	for i, b := range f.applied {
		cp[i] = append([]byte(nil), b...)
	}
	return &testFSMSnapshot{applied: cp}, nil
}

func (f *testFSM) Restore(source ReadCloser) error {
	defer source.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(source); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = splitRecords(buf.Bytes())
	return nil
}

func (f *testFSM) commands() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.applied))
	copy(out, f.applied)
	return out
}

type testFSMSnapshot struct{ applied [][]byte }

// Persist writes each record as a 4-byte big-endian length prefix followed
// by its bytes, the simplest self-delimiting format that needs no external
// schema.
func (s *testFSMSnapshot) Persist(sink SnapshotSink) error {
	for _, rec := range s.applied {
		prefix := []byte{
			byte(len(rec) >> 24), byte(len(rec) >> 16),
			byte(len(rec) >> 8), byte(len(rec)),
		}
		if _, err := sink.Write(prefix); err != nil {
			return err
		}
		if _, err := sink.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *testFSMSnapshot) Release() {}

func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for len(data) >= 4 {
		n := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		data = data[4:]
		if n > len(data) {
			break
		}
		out = append(out, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return out
}
