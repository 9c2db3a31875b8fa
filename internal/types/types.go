// Package types holds the value types shared across the engine, translog,
// version map and recovery packages: operations, versions and checkpoints.
package types

import "time"

// OpKind tags the three kinds of operation an Engine can apply.
type OpKind byte

const (
	OpIndex OpKind = iota + 1
	OpDelete
	OpNoOp
)

func (k OpKind) String() string {
	switch k {
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	case OpNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// Operation is the unit of work the Engine's write path and the translog
// both carry: either a document to index, a document to delete, or a NoOp
// placeholder that still consumes a sequence number.
type Operation struct {
	Kind      OpKind
	DocID     string
	SeqNo     uint64
	Term      uint64
	Version   uint64
	Source    []byte // nil for OpDelete and OpNoOp
	Timestamp time.Time
	Reason    string // set on OpNoOp, e.g. "stale term" or "conflict"

	// VersionType selects how Version was checked against the doc's prior
	// version at accept time. Recorded so replay applies the same policy.
	VersionType VersionType

	// IfSeqNo/IfTerm, when both non-nil, require the doc's current version
	// to carry exactly this (seqNo, term) pair for the op to be accepted;
	// an independent compare-and-swap alongside VersionType.
	IfSeqNo *uint64
	IfTerm  *uint64
}

// VersionType selects which optimistic-concurrency policy an Index/Delete
// request is checked against.
type VersionType int

const (
	// VersionTypeInternal always accepts, assigning version = existing+1.
	VersionTypeInternal VersionType = iota
	// VersionTypeExternal accepts iff requested version > existing version.
	VersionTypeExternal
	// VersionTypeExternalGTE accepts iff requested version >= existing version.
	VersionTypeExternalGTE
)

func (v VersionType) String() string {
	switch v {
	case VersionTypeInternal:
		return "internal"
	case VersionTypeExternal:
		return "external"
	case VersionTypeExternalGTE:
		return "external_gte"
	default:
		return "unknown"
	}
}

// VersionKind distinguishes a live document from a recently-deleted
// tombstone still being tracked for CAS purposes.
type VersionKind byte

const (
	VersionLive VersionKind = iota
	VersionTombstone
)

// VersionValue is what the live version map stores per docId: the most
// recent seqNo/term/version observed, and whether that docId is currently
// live or tombstoned (with the tombstone's expiry).
type VersionValue struct {
	SeqNo           uint64
	Term            uint64
	Version         uint64
	Kind            VersionKind
	ExpireAtMillis  int64 // only meaningful when Kind == VersionTombstone
}

// Checkpoint is the footer persisted alongside a translog generation: the
// (localCheckpoint, globalCheckpoint) pair plus the generation's own op
// accounting and retention/trim markers.
type Checkpoint struct {
	LocalCheckpoint  uint64
	GlobalCheckpoint uint64
	MaxSeqNo         uint64
	MinSeqNo         uint64
	NumOps           uint64
	Term             uint64
	TranslogUUID     string
	Generation       uint64

	// MinTranslogGenerationForRecovery is the retention floor: generations
	// below it are not needed to recover from the last durable commit.
	MinTranslogGenerationForRecovery uint64

	// TrimmedAboveSeqNo is set once a primary promotion has invalidated
	// replay of entries beyond it; nil means nothing has been trimmed.
	TrimmedAboveSeqNo *uint64
}

// CommitMetadata is the subset of a segstore commit's user-data map that the
// engine itself reads back: the binding between a commit and the translog
// tail recovery pairs it with.
type CommitMetadata struct {
	LocalCheckpoint   uint64
	MaxSeqNo          uint64
	Term              uint64
	TranslogUUID      string
	TranslogGeneration uint64
	HistoryUUID       string

	// MinRetainedSeqNo is the oldest seqNo still replayable from retained
	// history at commit time; a peer asking for older operations needs a
	// full snapshot instead.
	MinRetainedSeqNo uint64
}

// Stats is the Engine's observation-query surface: op counts, the active
// translog generation's size and the generation count, current
// checkpoints, tombstone count.
type Stats struct {
	IndexCount       uint64
	DeleteCount      uint64
	NoOpCount        uint64
	LocalCheckpoint  uint64
	GlobalCheckpoint uint64
	MaxSeqNo         uint64
	Term             uint64
	TombstoneCount   int
	TranslogSizeBytes uint64
	TranslogGenerations int
	LastFlush        time.Time
	LastRefresh      time.Time
}
