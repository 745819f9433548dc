package raft

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure category without
// string-matching messages. The set matches the taxonomy a host embedding
// this library needs to distinguish: which failures are retryable on the
// next tick, and which permanently disable a replica.
type Kind int

const (
	// KindNotLeader is returned for a client operation issued against a
	// replica that is not (or is no longer, mid-transfer) the leader.
	KindNotLeader Kind = iota
	// KindBadID marks an unknown or self server id in a membership op.
	KindBadID
	// KindBadRole marks an invalid target role, or a no-op role change.
	KindBadRole
	// KindConfBusy marks a membership change rejected because another one
	// is in flight or not yet committed.
	KindConfBusy
	// KindNotFound marks a lookup miss (server, snapshot).
	KindNotFound
	// KindIOError marks a durable storage failure. Fatal for the replica.
	KindIOError
	// KindMalformed marks an unsupported on-disk format.
	KindMalformed
	// KindCorrupt marks a checksum mismatch or implausible length.
	KindCorrupt
	// KindNoConnection marks a non-fatal transport send failure.
	KindNoConnection
	// KindNoMem marks an allocation failure.
	KindNoMem
	// KindCanceled marks a request dropped by shutdown.
	KindCanceled
	// KindShutdown marks an operation attempted after close.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindNotLeader:
		return "not-leader"
	case KindBadID:
		return "bad-id"
	case KindBadRole:
		return "bad-role"
	case KindConfBusy:
		return "conf-busy"
	case KindNotFound:
		return "not-found"
	case KindIOError:
		return "io-error"
	case KindMalformed:
		return "malformed"
	case KindCorrupt:
		return "corrupt"
	case KindNoConnection:
		return "no-connection"
	case KindNoMem:
		return "nomem"
	case KindCanceled:
		return "canceled"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind from the taxonomy in spec §7.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, formatting Err like fmt.Errorf when args are given.
func newErr(kind Kind, format string, args ...interface{}) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Err: err}
}

// IsKind reports whether err (or something it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

var (
	ErrNotLeader     = newErr(KindNotLeader, "not the leader")
	ErrLeadershipLost = newErr(KindNotLeader, "leadership lost while committing log")
	ErrShutdown      = newErr(KindShutdown, "raft is already shut down")
	ErrEnqueueTimeout = newErr(KindCanceled, "timed out enqueuing operation")
	ErrKnownServer   = newErr(KindBadID, "server already known")
	ErrUnknownServer = newErr(KindBadID, "server is unknown")
	ErrConfBusy      = newErr(KindConfBusy, "a configuration change is already in flight")
	ErrNotFound      = newErr(KindNotFound, "not found")
	ErrCanceled      = newErr(KindCanceled, "request canceled")
)
