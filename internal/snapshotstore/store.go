// Package snapshotstore implements the file-pair snapshot store of spec
// §4.2: each stored snapshot is a (metadata, data) file pair, sorted for
// retrieval by (term, index, timestamp) descending, pruned to the most
// recent two.
package snapshotstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mossraft/raft/internal/codec"
)

// Meta is the snapshotstore's flat view of spec §4.2's snapshot metadata,
// mirroring raft.SnapshotMeta without importing package raft.
type Meta struct {
	Term               uint64
	Index              uint64
	Timestamp          int64
	ConfigurationIndex uint64
	Configuration      []codec.ConfigServer
}

func (m Meta) id() string {
	return fmt.Sprintf("%d-%d-%d", m.Term, m.Index, m.Timestamp)
}

func metaFileName(id string) string { return id + ".meta" }
func dataFileName(id string) string { return id + ".data" }

// keepCount is how many of the most recent snapshots Prune retains (spec
// §4.2 "retain the most recent two").
const keepCount = 2

// Store is the on-disk snapshot store.
type Store struct {
	mu  sync.Mutex
	dir string
}

// Open returns a Store rooted at dir, creating it if necessary, and removes
// any orphaned metadata-without-data or data-without-metadata files left
// behind by a crash mid-write (spec §4.2 "a metadata file with no matching
// data file, or vice versa, is not a valid snapshot and is ignored").
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	if err := s.cleanOrphans(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) cleanOrphans() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	metas := map[string]bool{}
	datas := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".meta"):
			metas[strings.TrimSuffix(name, ".meta")] = true
		case strings.HasSuffix(name, ".data"):
			datas[strings.TrimSuffix(name, ".data")] = true
		}
	}
	for id := range metas {
		if !datas[id] {
			os.Remove(filepath.Join(s.dir, metaFileName(id)))
		}
	}
	for id := range datas {
		if !metas[id] {
			os.Remove(filepath.Join(s.dir, dataFileName(id)))
		}
	}
	return nil
}

// sink accumulates snapshot bytes before being committed via Close or
// discarded via Cancel.
type sink struct {
	store *Store
	meta  Meta
	f     *os.File
	path  string
}

func (sk *sink) Write(p []byte) (int, error) { return sk.f.Write(p) }

// Close commits the snapshot: data file synced and closed, then the
// metadata file is written and synced, then the directory is synced (spec
// §4.2 "data file is written and fsynced before the metadata file that
// references it, so a crash never leaves metadata pointing at a missing or
// partial data file").
func (sk *sink) Close() error {
	if err := sk.f.Sync(); err != nil {
		sk.f.Close()
		return err
	}
	if err := sk.f.Close(); err != nil {
		return err
	}

	id := sk.meta.id()
	servers := sk.meta.Configuration
	configBytes := codec.EncodeConfiguration(servers)
	metaBytes := codec.EncodeSnapshotMeta(sk.meta.ConfigurationIndex, configBytes)

	metaPath := filepath.Join(sk.store.dir, metaFileName(id))
	mf, err := os.OpenFile(metaPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := mf.Write(metaBytes); err != nil {
		mf.Close()
		os.Remove(metaPath)
		return err
	}
	if err := mf.Sync(); err != nil {
		mf.Close()
		os.Remove(metaPath)
		return err
	}
	if err := mf.Close(); err != nil {
		return err
	}
	return fsyncDir(sk.store.dir)
}

// Cancel discards an in-progress snapshot write, leaving no trace.
func (sk *sink) Cancel() error {
	sk.f.Close()
	return os.Remove(sk.path)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Create begins writing a new snapshot identified by meta.
func (s *Store) Create(meta Meta) (*sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := meta.id()
	path := filepath.Join(s.dir, dataFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &sink{store: s, meta: meta, f: f, path: path}, nil
}

// List returns every valid (metadata, data) pair's metadata, sorted most
// recent first: term desc, then index desc, then timestamp desc (spec
// §4.2).
func (s *Store) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta")
		if _, statErr := os.Stat(filepath.Join(s.dir, dataFileName(id))); statErr != nil {
			continue // orphaned metadata, no matching data
		}
		term, index, timestamp, ok := parseID(id)
		if !ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		configurationIndex, configBytes, err := codec.DecodeSnapshotMeta(raw)
		if err != nil {
			continue // corrupt metadata, treat as if absent
		}
		servers, err := codec.DecodeConfiguration(configBytes)
		if err != nil {
			continue
		}
		out = append(out, Meta{
			Term: term, Index: index, Timestamp: timestamp,
			ConfigurationIndex: configurationIndex,
			Configuration:      servers,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Term != out[j].Term {
			return out[i].Term > out[j].Term
		}
		if out[i].Index != out[j].Index {
			return out[i].Index > out[j].Index
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out, nil
}

func parseID(id string) (term, index uint64, timestamp int64, ok bool) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	t, err1 := strconv.ParseUint(parts[0], 10, 64)
	i, err2 := strconv.ParseUint(parts[1], 10, 64)
	ts, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return t, i, ts, true
}

// Open opens the data file for reading.
func (s *Store) Open(meta Meta) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.Open(filepath.Join(s.dir, dataFileName(meta.id())))
}

// Prune removes every snapshot but the most recent keepCount (spec §4.2).
func (s *Store) Prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listLocked()
	if err != nil {
		return err
	}
	if len(all) <= keepCount {
		return nil
	}
	for _, m := range all[keepCount:] {
		id := m.id()
		os.Remove(filepath.Join(s.dir, metaFileName(id)))
		os.Remove(filepath.Join(s.dir, dataFileName(id)))
	}
	return nil
}
