package engine

import (
	"time"

	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/types"
)

// defaultTombstoneTTL backstops a config that never set version_map_gc_ms.
const defaultTombstoneTTL = 60 * time.Second

// IndexRequest is the write-path request for an index (create-or-update)
// operation. The zero value carries VersionTypeInternal, which always
// accepts and assigns the next version — the right default for a caller
// with no optimistic-concurrency requirements.
//
// AsReplica selects the replica half of the write path: when true, SeqNo
// and Term are applied exactly as stamped by the primary instead of being
// generated locally, and a duplicate-of-an-already-applied-op check runs
// first.
type IndexRequest struct {
	DocID       string
	Source      []byte
	VersionType types.VersionType
	Version     uint64 // requested version; meaningful for External/ExternalGTE

	// IfSeqNo/IfTerm, when both set, require the doc's current version to
	// carry exactly this pair — an independent CAS alongside VersionType.
	IfSeqNo *uint64
	IfTerm  *uint64

	AsReplica bool
	SeqNo     uint64
	Term      uint64
}

// DeleteRequest is the write-path request for a delete. Fields mirror
// IndexRequest.
type DeleteRequest struct {
	DocID       string
	VersionType types.VersionType
	Version     uint64
	IfSeqNo     *uint64
	IfTerm      *uint64
	AsReplica   bool
	SeqNo       uint64
	Term        uint64
}

// resolveVersionCheck applies the requested versionType policy against the
// doc's current version and returns the version the op will carry.
func resolveVersionCheck(hasCurrent bool, current types.VersionValue, vt types.VersionType, requested uint64, docID string) (uint64, error) {
	existing := uint64(0)
	if hasCurrent {
		existing = current.Version
	}
	switch vt {
	case types.VersionTypeExternal:
		if requested <= existing {
			return 0, &engineerrors.VersionConflictError{DocID: docID, ExpectedVersion: requested, ActualVersion: existing, ActualSeqNo: current.SeqNo, ActualTerm: current.Term}
		}
		return requested, nil
	case types.VersionTypeExternalGTE:
		if requested < existing {
			return 0, &engineerrors.VersionConflictError{DocID: docID, ExpectedVersion: requested, ActualVersion: existing, ActualSeqNo: current.SeqNo, ActualTerm: current.Term}
		}
		return requested, nil
	default: // VersionTypeInternal
		return existing + 1, nil
	}
}

// checkSeqNoTermCAS enforces the ifSeqNo/ifTerm compare-and-swap, which is
// independent of the versionType policy.
func checkSeqNoTermCAS(hasCurrent bool, current types.VersionValue, ifSeqNo, ifTerm *uint64, docID string) error {
	if ifSeqNo == nil && ifTerm == nil {
		return nil
	}
	if ifSeqNo == nil || ifTerm == nil {
		return engineerrors.ErrCASConflict
	}
	if hasCurrent && current.SeqNo == *ifSeqNo && current.Term == *ifTerm {
		return nil
	}
	var actualSeq, actualTerm uint64
	if hasCurrent {
		actualSeq, actualTerm = current.SeqNo, current.Term
	}
	return &engineerrors.CASConflictError{
		DocID: docID, ExpectedSeqNo: *ifSeqNo, ExpectedTerm: *ifTerm,
		ActualSeqNo: actualSeq, ActualTerm: actualTerm,
	}
}

// isDuplicateReplicaOp makes replica replay idempotent: an op whose seqNo
// the local checkpoint already covers, and whose docId already carries a
// version at least as new, has already been applied.
func isDuplicateReplicaOp(hasCurrent bool, current types.VersionValue, localCheckpoint, seqNo, term uint64) bool {
	if seqNo > localCheckpoint || !hasCurrent {
		return false
	}
	if current.Term > term {
		return true
	}
	return current.Term == term && current.SeqNo >= seqNo
}

// Index applies an index (create-or-update) operation.
func (e *Engine) Index(req IndexRequest) (types.Operation, error) {
	if err := e.checkOpen(); err != nil {
		return types.Operation{}, err
	}

	lock := e.docLock(req.DocID)
	lock.Lock()
	defer lock.Unlock()

	current, hasCurrent := e.resolveCurrentVersion(req.DocID)

	if req.AsReplica {
		if isDuplicateReplicaOp(hasCurrent, current, e.seq.LocalCheckpoint(), req.SeqNo, req.Term) {
			return e.recordNoOp(req.DocID, req.SeqNo, req.Term, "duplicate replica op")
		}
		return e.applyIndex(req.DocID, req.Source, req.Version, req.SeqNo, req.Term, req.VersionType, hasCurrent)
	}

	if err := checkSeqNoTermCAS(hasCurrent, current, req.IfSeqNo, req.IfTerm, req.DocID); err != nil {
		return types.Operation{}, err
	}
	version, err := resolveVersionCheck(hasCurrent, current, req.VersionType, req.Version, req.DocID)
	if err != nil {
		return types.Operation{}, err
	}

	term := e.seq.Term()
	seqNo, err := e.seq.Generate(term)
	if err != nil {
		return types.Operation{}, err
	}

	return e.applyIndex(req.DocID, req.Source, version, seqNo, term, req.VersionType, hasCurrent)
}

func (e *Engine) applyIndex(docID string, source []byte, version, seqNo, term uint64, vt types.VersionType, hasCurrent bool) (types.Operation, error) {
	op := types.Operation{
		Kind: types.OpIndex, DocID: docID, SeqNo: seqNo, Term: term,
		Version: version, Source: source, Timestamp: time.Now(), VersionType: vt,
	}

	if _, err := e.translog.Add(op); err != nil {
		e.seq.MarkSeqNoAsProcessed(seqNo)
		e.fail(err)
		return types.Operation{}, err
	}

	var storeErr error
	if hasCurrent {
		storeErr = e.store.SoftUpdateDocument(docID, source, seqNo, term, version)
	} else {
		storeErr = e.store.AddDocument(docID, source, seqNo, term, version)
	}
	if storeErr != nil {
		e.seq.MarkSeqNoAsProcessed(seqNo)
		e.fail(storeErr)
		return types.Operation{}, storeErr
	}

	e.versions.Put(docID, types.VersionValue{SeqNo: seqNo, Term: term, Version: version})
	e.seq.MarkSeqNoAsProcessed(seqNo)

	e.stats.mu.Lock()
	e.stats.indexCount++
	e.stats.mu.Unlock()

	return op, nil
}

// Delete applies a delete operation, following the same outline as Index
// with a tombstone insertion in place of the document add.
func (e *Engine) Delete(req DeleteRequest) (types.Operation, error) {
	if err := e.checkOpen(); err != nil {
		return types.Operation{}, err
	}

	lock := e.docLock(req.DocID)
	lock.Lock()
	defer lock.Unlock()

	current, hasCurrent := e.resolveCurrentVersion(req.DocID)

	if req.AsReplica {
		if isDuplicateReplicaOp(hasCurrent, current, e.seq.LocalCheckpoint(), req.SeqNo, req.Term) {
			return e.recordNoOp(req.DocID, req.SeqNo, req.Term, "duplicate replica op")
		}
		version := uint64(1)
		if hasCurrent {
			version = current.Version + 1
		}
		return e.applyDelete(req.DocID, version, req.SeqNo, req.Term, req.VersionType)
	}

	if !hasCurrent {
		return types.Operation{}, engineerrors.ErrVersionConflict
	}
	if err := checkSeqNoTermCAS(hasCurrent, current, req.IfSeqNo, req.IfTerm, req.DocID); err != nil {
		return types.Operation{}, err
	}
	version, err := resolveVersionCheck(hasCurrent, current, req.VersionType, req.Version, req.DocID)
	if err != nil {
		return types.Operation{}, err
	}

	term := e.seq.Term()
	seqNo, err := e.seq.Generate(term)
	if err != nil {
		return types.Operation{}, err
	}

	return e.applyDelete(req.DocID, version, seqNo, term, req.VersionType)
}

func (e *Engine) applyDelete(docID string, version, seqNo, term uint64, vt types.VersionType) (types.Operation, error) {
	op := types.Operation{
		Kind: types.OpDelete, DocID: docID, SeqNo: seqNo, Term: term,
		Version: version, Timestamp: time.Now(), VersionType: vt,
	}

	if _, err := e.translog.Add(op); err != nil {
		e.seq.MarkSeqNoAsProcessed(seqNo)
		e.fail(err)
		return types.Operation{}, err
	}

	if err := e.store.DeleteDocuments([]string{docID}, seqNo, term, version); err != nil {
		e.seq.MarkSeqNoAsProcessed(seqNo)
		e.fail(err)
		return types.Operation{}, err
	}

	expireAt := time.Now().Add(e.tombstoneTTL).UnixMilli()
	e.versions.PutTombstone(docID, types.VersionValue{SeqNo: seqNo, Term: term, Version: version}, expireAt)
	e.seq.MarkSeqNoAsProcessed(seqNo)

	e.stats.mu.Lock()
	e.stats.deleteCount++
	e.stats.mu.Unlock()

	return op, nil
}

// recordNoOp handles a detected duplicate: the seqNo was already durably
// applied, so nothing is written again — just mark it processed (idempotent)
// and hand back a NoOp record for the caller's bookkeeping.
func (e *Engine) recordNoOp(docID string, seqNo, term uint64, reason string) (types.Operation, error) {
	e.seq.MarkSeqNoAsProcessed(seqNo)

	e.stats.mu.Lock()
	e.stats.noOpCount++
	e.stats.mu.Unlock()

	return types.Operation{Kind: types.OpNoOp, DocID: docID, SeqNo: seqNo, Term: term, Timestamp: time.Now(), Reason: reason}, nil
}

// applyReplicatedOp applies one op streamed from a peer during
// RecoveryDriver.Phase2, going through the normal replica write path so
// duplicate detection and the translog append both happen exactly as they
// would for a live replicated write.
func (e *Engine) applyReplicatedOp(op types.Operation) error {
	switch op.Kind {
	case types.OpIndex:
		_, err := e.Index(IndexRequest{
			DocID: op.DocID, Source: op.Source, Version: op.Version,
			VersionType: op.VersionType, AsReplica: true, SeqNo: op.SeqNo, Term: op.Term,
		})
		return err
	case types.OpDelete:
		_, err := e.Delete(DeleteRequest{
			DocID: op.DocID, Version: op.Version,
			VersionType: op.VersionType, AsReplica: true, SeqNo: op.SeqNo, Term: op.Term,
		})
		return err
	default:
		return nil
	}
}

// PromoteToPrimary transitions this shard copy to primary at newTerm and
// trims the translog above the local checkpoint, invalidating replay of any
// entry the old primary accepted but never acknowledged to this copy.
func (e *Engine) PromoteToPrimary(newTerm uint64) {
	e.seq.ResetAfterPromotion(newTerm)
	e.translog.TrimAboveSeqNo(e.seq.LocalCheckpoint())
}
