package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/recovery"
	"github.com/docshard/shardkernel/internal/types"
)

// Recover re-runs local translog recovery against the current segment store
// state. Exposed alongside index/delete/get/refresh/flush/close so a caller
// can force a replay, for example after restoring a segment store snapshot
// out of band.
func (e *Engine) Recover() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.recoverFromTranslog()
}

// recoverFromTranslog reads the latest commit's translog identity first,
// refuses to proceed if this translog does not match it, then replays only
// the portion the commit has not yet absorbed into the live version map and
// segment store.
func (e *Engine) recoverFromTranslog() error {
	metas, _, err := e.store.ListCommits()
	if err != nil {
		return err
	}

	var fromSeqNo uint64
	if len(metas) > 0 {
		latest := metas[len(metas)-1]
		if latest.TranslogUUID != "" && latest.TranslogUUID != e.translog.UUID() {
			return fmt.Errorf("recover: %w: commit expects translog uuid %s, have %s",
				engineerrors.ErrTranslogMissing, latest.TranslogUUID, e.translog.UUID())
		}
		e.seq.SeedCheckpoint(latest.LocalCheckpoint, latest.MaxSeqNo)
		if latest.Term > 0 {
			e.seq.BumpTerm(latest.Term)
		}
		if latest.HistoryUUID != "" {
			e.historyUUID = latest.HistoryUUID
		}
		e.mu.Lock()
		e.lastCommitMaxSeqNo = latest.MaxSeqNo
		e.hasCommit = true
		e.mu.Unlock()
		fromSeqNo = latest.LocalCheckpoint + 1
	}

	ops, err := e.translog.ReadFrom(fromSeqNo)
	if err != nil {
		return err
	}

	var maxSeqNo, maxTerm uint64
	for _, op := range ops {
		if err := e.applyRecoveredOp(op); err != nil {
			return fmt.Errorf("recover: apply seqNo %d: %w", op.SeqNo, err)
		}
		if op.SeqNo > maxSeqNo {
			maxSeqNo = op.SeqNo
		}
		if op.Term > maxTerm {
			maxTerm = op.Term
		}
	}

	if maxTerm > 0 {
		e.seq.BumpTerm(maxTerm)
	}
	for e.seq.MaxSeqNo() < maxSeqNo {
		if _, err := e.seq.Generate(e.seq.Term()); err != nil {
			return err
		}
	}

	if len(ops) > 0 {
		e.logger.Info("recovered %d operations from translog, maxSeqNo=%d", len(ops), maxSeqNo)
	}
	return nil
}

// applyRecoveredOp replays one already-persisted translog op directly into
// the segment store, version map and seqNo bookkeeping. Unlike
// applyReplicatedOp, it never touches the translog itself: the op is already
// durable there, and writing it again would duplicate it on replay.
func (e *Engine) applyRecoveredOp(op types.Operation) error {
	switch op.Kind {
	case types.OpIndex:
		if err := e.store.AddDocument(op.DocID, op.Source, op.SeqNo, op.Term, op.Version); err != nil {
			return err
		}
		e.versions.Put(op.DocID, types.VersionValue{SeqNo: op.SeqNo, Term: op.Term, Version: op.Version})
	case types.OpDelete:
		if err := e.store.DeleteDocuments([]string{op.DocID}, op.SeqNo, op.Term, op.Version); err != nil {
			return err
		}
		expireAt := time.Now().Add(e.tombstoneTTL).UnixMilli()
		e.versions.PutTombstone(op.DocID, types.VersionValue{SeqNo: op.SeqNo, Term: op.Term, Version: op.Version}, expireAt)
	}
	e.seq.MarkSeqNoAsProcessed(op.SeqNo)
	return nil
}

// StreamSnapshotToPeer drives RecoveryDriver.Phase1 against this engine's
// segment store, for a peer bootstrapping from this shard copy.
func (e *Engine) StreamSnapshotToPeer(ctx context.Context, sink func(recovery.SegmentDigest) error) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.recoveryDriver.Phase1(ctx, sink)
}

// ReplayFromPeer drives RecoveryDriver.Phase2 against this engine's own
// translog, applying each op through the replica write path (idempotent
// duplicate detection included) so a peer recovering against this shard
// copy ends up byte-for-byte consistent with it.
func (e *Engine) ReplayFromPeer(ctx context.Context, fromSeqNo, toSeqNo uint64, concurrency int) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.recoveryDriver.Phase2(ctx, fromSeqNo, toSeqNo, concurrency, e.applyReplicatedOp)
}
