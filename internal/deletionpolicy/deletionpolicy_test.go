package deletionpolicy

import (
	"testing"

	"github.com/docshard/shardkernel/internal/logging"
	"github.com/docshard/shardkernel/internal/types"
)

func TestDeletableCommitsKeepsSafeCommitAndNewer(t *testing.T) {
	p := New(logging.Default().With("test"))

	p.RecordCommit(1, types.CommitMetadata{LocalCheckpoint: 5, TranslogGeneration: 1})
	p.RecordCommit(2, types.CommitMetadata{LocalCheckpoint: 10, TranslogGeneration: 2})
	p.RecordCommit(3, types.CommitMetadata{LocalCheckpoint: 15, TranslogGeneration: 3})

	// globalCheckpoint=10 means commit 2 is the newest safe commit;
	// commit 1 (older) is deletable, commits 2 and 3 are kept.
	deletable := p.DeletableCommits(10)
	if len(deletable) != 1 || deletable[0] != 1 {
		t.Fatalf("expected only commit 1 deletable, got %v", deletable)
	}
}

func TestSnapshotPinPreventsDeletion(t *testing.T) {
	p := New(logging.Default().With("test"))
	p.RecordCommit(1, types.CommitMetadata{LocalCheckpoint: 5, TranslogGeneration: 1})
	p.RecordCommit(2, types.CommitMetadata{LocalCheckpoint: 10, TranslogGeneration: 2})

	p.AcquireSnapshot(1)
	deletable := p.DeletableCommits(10)
	if len(deletable) != 0 {
		t.Fatalf("expected no deletable commits while pinned, got %v", deletable)
	}

	p.ReleaseSnapshot(1)
	deletable = p.DeletableCommits(10)
	if len(deletable) != 1 {
		t.Fatalf("expected commit 1 deletable after unpin, got %v", deletable)
	}
}

func TestMinRetainedTranslogGeneration(t *testing.T) {
	p := New(logging.Default().With("test"))
	p.RecordCommit(1, types.CommitMetadata{LocalCheckpoint: 5, TranslogGeneration: 2})
	p.RecordCommit(2, types.CommitMetadata{LocalCheckpoint: 10, TranslogGeneration: 4})

	min := p.MinRetainedTranslogGeneration(6)
	if min != 2 {
		t.Fatalf("expected min retained generation 2, got %d", min)
	}

	min = p.MinRetainedTranslogGeneration(1)
	if min != 1 {
		t.Fatalf("expected view floor 1 to dominate, got %d", min)
	}
}
