// Package engineerrors carries the error taxonomy for the engine and its
// collaborators: sentinel errors, value-carrying conflict errors, a
// category classifier, and a bounded retry controller for the handful of
// background operations that may retry.
package engineerrors

import "fmt"

var (
	// ErrVersionConflict is returned when an index/delete request's expected
	// version does not match the version currently tracked for that docId.
	ErrVersionConflict = newSentinel("version conflict")

	// ErrCASConflict is returned when a compare-and-swap on (seqNo, term)
	// fails because a newer operation has already been applied.
	ErrCASConflict = newSentinel("compare-and-swap conflict")

	// ErrEngineClosed is returned by any operation issued after the engine
	// has transitioned to Failed/closed.
	ErrEngineClosed = newSentinel("engine is closed")

	// ErrTranslogCorruption is returned when a translog record fails its
	// CRC check or has an invalid length during read or recovery.
	ErrTranslogCorruption = newSentinel("translog corruption detected")

	// ErrCommitFailure is returned when the segment store fails to commit.
	ErrCommitFailure = newSentinel("commit failed")

	// ErrIOError wraps an underlying I/O failure from the translog or
	// segment store.
	ErrIOError = newSentinel("I/O error")

	// ErrStalePrimary is returned when a generate() call is made with a
	// term older than the one the SeqNoService has already observed.
	ErrStalePrimary = newSentinel("stale primary term")

	// ErrTranslogMissing is returned when a translog's UUID does not match
	// the UUID recorded in the latest commit's metadata; the engine cannot
	// recover locally and must be re-seeded from a peer.
	ErrTranslogMissing = newSentinel("translog missing or UUID mismatch with last commit")
)

type sentinel struct{ msg string }

func newSentinel(msg string) *sentinel { return &sentinel{msg: msg} }
func (s *sentinel) Error() string      { return s.msg }

// VersionConflictError carries the observed (seqNo, term, version) triple so
// a caller can decide whether to retry with a fresher expected version.
type VersionConflictError struct {
	DocID           string
	ExpectedVersion uint64
	ActualVersion   uint64
	ActualSeqNo     uint64
	ActualTerm      uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q: expected version %d, actual %d (seqNo=%d term=%d)",
		e.DocID, e.ExpectedVersion, e.ActualVersion, e.ActualSeqNo, e.ActualTerm)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// CASConflictError carries the observed (seqNo, term) that beat the request.
type CASConflictError struct {
	DocID       string
	ExpectedSeqNo uint64
	ExpectedTerm  uint64
	ActualSeqNo   uint64
	ActualTerm    uint64
}

func (e *CASConflictError) Error() string {
	return fmt.Sprintf("cas conflict on %q: expected (seqNo=%d term=%d), actual (seqNo=%d term=%d)",
		e.DocID, e.ExpectedSeqNo, e.ExpectedTerm, e.ActualSeqNo, e.ActualTerm)
}

func (e *CASConflictError) Unwrap() error { return ErrCASConflict }
