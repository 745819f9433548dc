package raft

import (
	"context"
	"os"
	"path/filepath"

	"github.com/mossraft/raft/internal/codec"
	"github.com/mossraft/raft/internal/logstore"
	"github.com/mossraft/raft/internal/snapshotstore"
)

// NewFileLogStore opens the default segmented, crash-recoverable log store
// (spec §4.1) rooted at dir, adapting internal/logstore.Store's flat
// uint64/codec.Entry surface onto the LogStore interface package raft
// consumes.
func NewFileLogStore(dir string, conf *Config) (LogStore, error) {
	s, err := logstore.Open(dir, logstore.Options{
		BlockSize:        conf.SegmentBlockSize,
		BlocksPerSegment: conf.SegmentBlocksPerSegment,
		OnAppend: func(entries, bytes int) {
			conf.Metrics.EntriesWritten.Add(float64(entries))
			conf.Metrics.EntryBytesWritten.Add(float64(bytes))
		},
		OnRotate: func() { conf.Metrics.SegmentRotations.Inc() },
		OnTruncate: func(kind string, success bool) {
			conf.Metrics.Truncations.WithLabelValues(kind, boolLabel(success)).Inc()
		},
	})
	if err != nil {
		return nil, toIOErr(err)
	}
	return &logStoreAdapter{s: s}, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func toIOErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	switch err.Error() {
	case "canceled":
		return ErrCanceled
	default:
		return newErr(KindIOError, "%v", err)
	}
}

type logStoreAdapter struct{ s *logstore.Store }

func (a *logStoreAdapter) FirstIndex() (Index, error) {
	i, err := a.s.FirstIndex()
	return Index(i), toIOErr(err)
}

func (a *logStoreAdapter) LastIndex() (Index, error) {
	i, err := a.s.LastIndex()
	return Index(i), toIOErr(err)
}

func (a *logStoreAdapter) GetEntry(index Index) (LogEntry, error) {
	e, err := a.s.GetEntry(uint64(index))
	if err != nil {
		return LogEntry{}, toIOErr(err)
	}
	return fromCodecEntry(e), nil
}

func (a *logStoreAdapter) Append(ctx context.Context, entries []LogEntry) error {
	return toIOErr(a.s.Append(ctx, toCodecEntries(entries)))
}

func (a *logStoreAdapter) Truncate(ctx context.Context, index Index) error {
	return toIOErr(a.s.Truncate(ctx, uint64(index)))
}

func (a *logStoreAdapter) Compact(ctx context.Context, keepFrom Index) error {
	return toIOErr(a.s.Compact(ctx, uint64(keepFrom)))
}

func (a *logStoreAdapter) Close() error { return toIOErr(a.s.Close()) }

// NewFileSnapshotStore opens the default metadata+data-pair snapshot store
// (spec §4.2) rooted at dir.
func NewFileSnapshotStore(dir string) (SnapshotStore, error) {
	s, err := snapshotstore.Open(dir)
	if err != nil {
		return nil, toIOErr(err)
	}
	return &snapshotStoreAdapter{s: s}, nil
}

type snapshotStoreAdapter struct{ s *snapshotstore.Store }

func toSnapshotstoreMeta(m SnapshotMeta) snapshotstore.Meta {
	return snapshotstore.Meta{
		Term:               uint64(m.Term),
		Index:              uint64(m.Index),
		Timestamp:          m.Timestamp,
		ConfigurationIndex: uint64(m.Configuration.Index),
		Configuration:      toConfigServers(m.Configuration.Servers),
	}
}

func fromSnapshotstoreMeta(m snapshotstore.Meta) SnapshotMeta {
	return SnapshotMeta{
		Term:      Term(m.Term),
		Index:     Index(m.Index),
		Timestamp: m.Timestamp,
		Configuration: Configuration{
			Index:   Index(m.ConfigurationIndex),
			Servers: fromConfigServers(m.Configuration),
		},
	}
}

func (a *snapshotStoreAdapter) Create(meta SnapshotMeta) (SnapshotSink, error) {
	sk, err := a.s.Create(toSnapshotstoreMeta(meta))
	if err != nil {
		return nil, toIOErr(err)
	}
	return sinkAdapter{sk}, nil
}

func (a *snapshotStoreAdapter) List() ([]SnapshotMeta, error) {
	metas, err := a.s.List()
	if err != nil {
		return nil, toIOErr(err)
	}
	out := make([]SnapshotMeta, len(metas))
	for i, m := range metas {
		out[i] = fromSnapshotstoreMeta(m)
	}
	return out, nil
}

func (a *snapshotStoreAdapter) Open(meta SnapshotMeta) (ReadCloser, error) {
	f, err := a.s.Open(toSnapshotstoreMeta(meta))
	if err != nil {
		return nil, toIOErr(err)
	}
	return f, nil
}

// Prune exposes the underlying store's prune-to-last-two so callers (and
// apply.go's install-snapshot path, via a type assertion) can invoke it
// without widening the SnapshotStore interface itself.
func (a *snapshotStoreAdapter) Prune() error { return toIOErr(a.s.Prune()) }

type sinkLike interface {
	Write([]byte) (int, error)
	Close() error
	Cancel() error
}

type sinkAdapter struct{ sinkLike }

// fileStableStore persists (current_term, voted_for) as a small file
// updated atomically: write temp + rename + directory fsync (spec §6
// "Persistent term/vote").
type fileStableStore struct {
	dir string
}

// NewFileStableStore returns the default StableStore implementation.
func NewFileStableStore(dir string) (StableStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newErr(KindIOError, "%v", err)
	}
	return &fileStableStore{dir: dir}, nil
}

func (f *fileStableStore) path() string { return filepath.Join(f.dir, "stable.bin") }

func (f *fileStableStore) load() (term uint64, vote uint64, err error) {
	data, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, newErr(KindIOError, "%v", err)
	}
	if len(data) != 16 {
		return 0, 0, newErr(KindCorrupt, "stable store file has wrong length %d", len(data))
	}
	return codec.Uint64(data[0:8]), codec.Uint64(data[8:16]), nil
}

func (f *fileStableStore) save(term, vote uint64) error {
	buf := make([]byte, 16)
	codec.PutUint64(buf[0:8], term)
	codec.PutUint64(buf[8:16], vote)

	tmp := f.path() + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return newErr(KindIOError, "%v", err)
	}
	tf, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		return newErr(KindIOError, "%v", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return newErr(KindIOError, "%v", err)
	}
	tf.Close()
	if err := os.Rename(tmp, f.path()); err != nil {
		return newErr(KindIOError, "%v", err)
	}
	d, err := os.Open(f.dir)
	if err != nil {
		return newErr(KindIOError, "%v", err)
	}
	defer d.Close()
	return toIOErr(d.Sync())
}

func (f *fileStableStore) GetTerm() (Term, error) {
	t, _, err := f.load()
	return Term(t), err
}

func (f *fileStableStore) SetTerm(t Term) error {
	_, v, err := f.load()
	if err != nil {
		return err
	}
	return f.save(uint64(t), v)
}

func (f *fileStableStore) GetVote() (ServerID, error) {
	_, v, err := f.load()
	return ServerID(v), err
}

func (f *fileStableStore) SetVote(id ServerID) error {
	t, _, err := f.load()
	if err != nil {
		return err
	}
	return f.save(t, uint64(id))
}
