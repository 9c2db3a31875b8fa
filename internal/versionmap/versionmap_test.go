package versionmap

import (
	"testing"
	"time"

	"github.com/docshard/shardkernel/internal/types"
)

func TestPutAndLookup(t *testing.T) {
	m := New()
	m.Put("doc1", types.VersionValue{SeqNo: 1, Term: 1, Version: 1})

	v, ok := m.Lookup("doc1")
	if !ok {
		t.Fatal("expected doc1 to be found")
	}
	if v.SeqNo != 1 || v.Version != 1 {
		t.Fatalf("unexpected version value: %+v", v)
	}
}

func TestLookupMissing(t *testing.T) {
	m := New()
	if _, ok := m.Lookup("missing"); ok {
		t.Fatal("expected missing doc to not be found")
	}
}

func TestTombstoneShadowsLiveEntry(t *testing.T) {
	m := New()
	m.Put("doc1", types.VersionValue{SeqNo: 1, Term: 1, Version: 1})
	m.PutTombstone("doc1", types.VersionValue{SeqNo: 2, Term: 1, Version: 2}, time.Now().Add(time.Minute).UnixMilli())

	v, ok := m.Lookup("doc1")
	if !ok {
		t.Fatal("expected tombstoned doc to still resolve")
	}
	if v.Kind != types.VersionTombstone {
		t.Fatalf("expected tombstone kind, got %v", v.Kind)
	}
	if v.Version != 2 {
		t.Fatalf("expected version 2, got %d", v.Version)
	}
}

func TestBeforeAfterRefreshRotatesGenerations(t *testing.T) {
	m := New()
	m.Put("doc1", types.VersionValue{SeqNo: 1, Term: 1, Version: 1})

	m.BeforeRefresh()
	// doc1 is now in the "old" generation; still visible.
	if _, ok := m.Lookup("doc1"); !ok {
		t.Fatal("expected doc1 to remain visible via old generation")
	}

	m.AfterRefresh()
	if _, ok := m.Lookup("doc1"); ok {
		t.Fatal("expected doc1 to no longer be tracked after afterRefresh")
	}
}

func TestPruneExpiredTombstones(t *testing.T) {
	m := New()
	past := time.Now().Add(-time.Minute).UnixMilli()
	m.PutTombstone("doc1", types.VersionValue{SeqNo: 1, Term: 1, Version: 1}, past)

	pruned := m.PruneTombstones(time.Now().UnixMilli(), 1)
	if pruned != 1 {
		t.Fatalf("expected 1 pruned tombstone, got %d", pruned)
	}
	if m.TombstoneCount() != 0 {
		t.Fatalf("expected 0 tombstones remaining, got %d", m.TombstoneCount())
	}
}

// TestTombstoneSurvivesWallClockWithoutPrune verifies nothing evicts a
// tombstone on elapsed time alone: even with its expiry long past, only the
// explicit PruneTombstones sweep (which also gates on the global checkpoint)
// may remove it.
func TestTombstoneSurvivesWallClockWithoutPrune(t *testing.T) {
	m := New()
	past := time.Now().Add(-time.Hour).UnixMilli()
	m.PutTombstone("doc1", types.VersionValue{SeqNo: 1, Term: 1, Version: 1}, past)

	time.Sleep(20 * time.Millisecond)

	v, ok := m.Lookup("doc1")
	if !ok {
		t.Fatal("expected tombstone to remain resident until explicitly pruned")
	}
	if v.Kind != types.VersionTombstone {
		t.Fatalf("expected tombstone kind, got %v", v.Kind)
	}
}

func TestPruneExpiredTombstonesWaitsForGlobalCheckpoint(t *testing.T) {
	m := New()
	past := time.Now().Add(-time.Minute).UnixMilli()
	m.PutTombstone("doc1", types.VersionValue{SeqNo: 5, Term: 1, Version: 1}, past)

	pruned := m.PruneTombstones(time.Now().UnixMilli(), 4)
	if pruned != 0 {
		t.Fatalf("expected 0 pruned tombstones below the global checkpoint, got %d", pruned)
	}
	if m.TombstoneCount() != 1 {
		t.Fatalf("expected tombstone to remain until globalCheckpoint catches up, got %d", m.TombstoneCount())
	}

	pruned = m.PruneTombstones(time.Now().UnixMilli(), 5)
	if pruned != 1 {
		t.Fatalf("expected pruning once globalCheckpoint reaches the tombstone's seqNo, got %d", pruned)
	}
}
