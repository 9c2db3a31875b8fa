package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/docshard/shardkernel/internal/config"
	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/logging"
	"github.com/docshard/shardkernel/internal/recovery"
	"github.com/docshard/shardkernel/internal/types"
	"github.com/docshard/shardkernel/internal/versionmap"
)

func newTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Engine.RefreshIntervalMS = 0 // disable background tickers in tests
	cfg.Engine.VersionMapGCMS = 0
	cfg.Translog.SyncIntervalMS = 0
	cfg.Translog.RetentionAge = 0 // retention tested at the translog level

	eng, err := Open(dir, cfg, versionmap.New(), logging.Default().With("engine-test"))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestIndexThenRefreshThenGet(t *testing.T) {
	eng := newTestEngine(t)

	op, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("hello")})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if op.SeqNo == 0 {
		t.Fatal("expected non-zero seqNo")
	}

	if err := eng.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	source, v, found, err := eng.Get("doc1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected doc1 to be found after refresh")
	}
	if string(source) != "hello" {
		t.Fatalf("unexpected source: %q", source)
	}
	if v.Version != 1 {
		t.Fatalf("expected version 1, got %d", v.Version)
	}
}

func TestDeleteWithoutExistingDocConflicts(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.Delete(DeleteRequest{DocID: "missing"}); err == nil {
		t.Fatal("expected error deleting a document that was never indexed")
	}
}

func TestVersionConflictOnStaleIfSeqNo(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v1")}); err != nil {
		t.Fatal(err)
	}

	stale := uint64(99)
	_, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v2"), IfSeqNo: &stale, IfTerm: &stale})
	if err == nil {
		t.Fatal("expected CAS conflict for a stale ifSeqNo/ifTerm")
	}
	if !errors.Is(err, engineerrors.ErrCASConflict) {
		t.Fatalf("expected ErrCASConflict, got %v", err)
	}
}

func TestExternalVersionTypeRejectsNonIncreasingVersion(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v1"), VersionType: types.VersionTypeExternal, Version: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v2"), VersionType: types.VersionTypeExternal, Version: 5}); err == nil {
		t.Fatal("expected external version conflict for a non-increasing version")
	}
	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v3"), VersionType: types.VersionTypeExternal, Version: 6}); err != nil {
		t.Fatalf("expected strictly greater external version to be accepted: %v", err)
	}
}

func TestReplicaDuplicateOpIsNoOp(t *testing.T) {
	eng := newTestEngine(t)

	op, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v1"), AsReplica: true, SeqNo: 1, Term: 1, Version: 1})
	if err != nil {
		t.Fatalf("initial replica index: %v", err)
	}
	if op.Kind != types.OpIndex {
		t.Fatalf("expected first apply to be a real index, got %v", op.Kind)
	}

	replay, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("v1"), AsReplica: true, SeqNo: 1, Term: 1, Version: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Kind != types.OpNoOp {
		t.Fatalf("expected replayed duplicate to resolve to a no-op, got %v", replay.Kind)
	}
}

func TestFlushAdvancesCommitsAndStats(t *testing.T) {
	eng := newTestEngine(t)

	for i := 0; i < 3; i++ {
		if _, err := eng.Index(IndexRequest{DocID: "doc", Source: []byte("x")}); err != nil {
			t.Fatal(err)
		}
	}

	if err := eng.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats := eng.Stats()
	if stats.IndexCount != 3 {
		t.Fatalf("expected indexCount=3, got %d", stats.IndexCount)
	}
	if stats.LastFlush.IsZero() {
		t.Fatal("expected LastFlush to be set after Flush")
	}
}

func TestFlushWithoutNewOpsSkipsCommit(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatal(err)
	}
	_, ids, err := eng.store.ListCommits()
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Flush(); err != nil { // nothing new since the last commit
		t.Fatal(err)
	}
	_, ids2, err := eng.store.ListCommits()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids2) != len(ids) {
		t.Fatalf("expected an op-less flush to skip the commit, commits %d -> %d", len(ids), len(ids2))
	}

	if err := eng.ForceFlush(); err != nil {
		t.Fatal(err)
	}
	_, ids3, err := eng.store.ListCommits()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids3) != len(ids2)+1 {
		t.Fatalf("expected ForceFlush to cut a commit, commits %d -> %d", len(ids2), len(ids3))
	}
}

func TestDeleteTombstonesDoc(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Refresh(); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Delete(DeleteRequest{DocID: "doc1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Re-indexing without an expected version should succeed again
	// (delete advances the version the same as an index would).
	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("again")}); err != nil {
		t.Fatalf("re-index after delete: %v", err)
	}
}

func TestReplayFromPeerIsIdempotentOverAlreadyAppliedOps(t *testing.T) {
	eng := newTestEngine(t)

	for i := 0; i < 3; i++ {
		if _, err := eng.Index(IndexRequest{DocID: "doc", Source: []byte("x")}); err != nil {
			t.Fatal(err)
		}
	}

	// Replaying the same [1,3] range that was already applied (and is
	// already below the local checkpoint) must resolve every op to a
	// duplicate no-op rather than re-indexing.
	if err := eng.ReplayFromPeer(context.Background(), 1, 3, 2); err != nil {
		t.Fatalf("replay from peer: %v", err)
	}

	stats := eng.Stats()
	if stats.IndexCount != 3 {
		t.Fatalf("expected the original 3 indexes and no extra applies, got indexCount=%d", stats.IndexCount)
	}
	if stats.NoOpCount != 3 {
		t.Fatalf("expected 3 replayed ops to resolve as no-ops, got noOpCount=%d", stats.NoOpCount)
	}
}

func TestStreamSnapshotToPeerCoversIndexedDocs(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Flush(); err != nil {
		t.Fatal(err)
	}

	var digests []string
	err := eng.StreamSnapshotToPeer(context.Background(), func(d recovery.SegmentDigest) error {
		digests = append(digests, d.DocID)
		return nil
	})
	if err != nil {
		t.Fatalf("stream snapshot: %v", err)
	}
	if len(digests) != 1 || digests[0] != "doc1" {
		t.Fatalf("expected snapshot to cover doc1, got %v", digests)
	}
}

func TestGetRealtimeSeesUnrefreshedWrite(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("fresh")}); err != nil {
		t.Fatal(err)
	}

	// No refresh: the plain reader path must not see it yet...
	_, _, found, err := eng.Get("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected un-refreshed doc to be invisible to the reader path")
	}

	// ...but the realtime path must.
	source, v, found, err := eng.GetRealtime("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(source) != "fresh" {
		t.Fatalf("expected realtime get to see the write, found=%v source=%q", found, source)
	}
	if v.Version != 1 {
		t.Fatalf("expected version 1, got %d", v.Version)
	}
}

func TestGetRealtimeHonorsTombstone(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Delete(DeleteRequest{DocID: "doc1"}); err != nil {
		t.Fatal(err)
	}

	_, _, found, err := eng.GetRealtime("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected realtime get of a tombstoned doc to report not-found")
	}
}

func TestUpdateGlobalCheckpointIsMonotonic(t *testing.T) {
	eng := newTestEngine(t)

	eng.UpdateGlobalCheckpoint(5)
	eng.UpdateGlobalCheckpoint(3) // regression ignored
	if gcp := eng.Stats().GlobalCheckpoint; gcp != 5 {
		t.Fatalf("expected global checkpoint 5, got %d", gcp)
	}
}

func TestTranslogViewPinsGenerationsAcrossFlush(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	gen := eng.AcquireTranslogView()
	defer eng.ReleaseTranslogView(gen)

	if err := eng.Flush(); err != nil {
		t.Fatal(err)
	}

	// The pinned generation must still be readable after the flush has
	// rolled past it and pruned what it could.
	ops, err := eng.translog.ReadGeneration(gen)
	if err != nil {
		t.Fatalf("read pinned generation: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected the pinned generation to retain its op, got %d", len(ops))
	}
}

func TestNoOpEngineRejectsWritesAndKeepsCause(t *testing.T) {
	cause := engineerrors.ErrCommitFailure
	var shard Shard = NewNoOpEngine(cause)

	if _, err := shard.Index(IndexRequest{DocID: "doc1"}); !errors.Is(err, engineerrors.ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed from a no-op shard, got %v", err)
	}
	if _, _, found, err := shard.Get("doc1"); err != nil || found {
		t.Fatalf("expected no-op get to find nothing, found=%v err=%v", found, err)
	}
	if err := shard.Refresh(); err != nil {
		t.Fatalf("expected no-op refresh to succeed: %v", err)
	}
	if shard.LastFailure() != cause {
		t.Fatalf("expected cached failure cause, got %v", shard.LastFailure())
	}
}

func TestRecoverReplaysUncommittedTranslogOps(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.Index(IndexRequest{DocID: "doc1", Source: []byte("hi")}); err != nil {
		t.Fatal(err)
	}

	if err := eng.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if err := eng.Refresh(); err != nil {
		t.Fatal(err)
	}
	source, _, found, err := eng.Get("doc1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(source) != "hi" {
		t.Fatalf("expected recovery to leave doc1 readable, found=%v source=%q", found, source)
	}
}
