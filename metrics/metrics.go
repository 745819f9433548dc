// Package metrics is the injected metrics capability for mossraft/raft,
// wired the way hashicorp/raft-wal's walMetrics is (see
// _examples/dreamsxin-wal/metrics.go): a struct of promauto-constructed
// collectors built against a caller-supplied prometheus.Registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every counter/gauge the core's storage and replication
// paths update. A nil Registerer is replaced with a private one so tests
// never collide with prometheus.DefaultRegisterer.
type Metrics struct {
	EntryBytesWritten prometheus.Counter
	EntriesWritten    prometheus.Counter
	Appends           prometheus.Counter
	EntryBytesRead    prometheus.Counter
	EntriesRead       prometheus.Counter
	SegmentRotations  prometheus.Counter
	Truncations       *prometheus.CounterVec // labels: type, success

	SnapshotPuts   prometheus.Counter
	SnapshotPrunes prometheus.Counter

	Elections      prometheus.Counter
	ElectionsWon   prometheus.Counter
	HeartbeatsSent prometheus.Counter

	CurrentTerm  prometheus.Gauge
	CommitIndex  prometheus.Gauge
	LastApplied  prometheus.Gauge
}

// New builds a Metrics bound to reg. Pass nil to get an unregistered,
// private-registry instance suitable for tests.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	namespace := "raft"
	return &Metrics{
		EntryBytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entry_bytes_written",
			Help: "Bytes of encoded entry batches (headers, payloads, padding) appended to the durable log store.",
		}),
		EntriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_written",
			Help: "Log entries appended to the durable log store.",
		}),
		Appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "appends",
			Help: "Calls to LogStore.Append, i.e. batches of entries appended.",
		}),
		EntryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entry_bytes_read",
			Help: "Bytes of log entry payload read back from the durable log store.",
		}),
		EntriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_read",
			Help: "Calls to LogStore.GetEntry.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segment_rotations",
			Help: "Times the log store finalized an open segment and adopted the next prepared one.",
		}),
		Truncations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "truncations",
			Help: "Log truncations by direction (front/back) and outcome.",
		}, []string{"type", "success"}),
		SnapshotPuts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_puts",
			Help: "Snapshots written to the snapshot store.",
		}),
		SnapshotPrunes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_prunes",
			Help: "Old snapshots removed after a successful put.",
		}),
		Elections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_started",
			Help: "Elections this replica has started as a candidate.",
		}),
		ElectionsWon: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_won",
			Help: "Elections this replica has won.",
		}),
		HeartbeatsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_sent",
			Help: "Heartbeat AppendEntries dispatched as leader.",
		}),
		CurrentTerm: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_term",
			Help: "This replica's current term.",
		}),
		CommitIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "commit_index",
			Help: "This replica's commit index.",
		}),
		LastApplied: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_applied",
			Help: "The highest log index applied to the FSM.",
		}),
	}
}
