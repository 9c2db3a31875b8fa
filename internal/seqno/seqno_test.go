package seqno

import (
	"testing"

	"github.com/docshard/shardkernel/internal/engineerrors"
)

func TestGenerateMonotonic(t *testing.T) {
	s := NewService(1)
	var last uint64
	for i := 0; i < 100; i++ {
		n, err := s.Generate(1)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if n <= last {
			t.Fatalf("seqNo did not increase: %d <= %d", n, last)
		}
		last = n
	}
}

func TestGenerateRefusesStaleTerm(t *testing.T) {
	s := NewService(5)
	if _, err := s.Generate(3); err != engineerrors.ErrStalePrimary {
		t.Fatalf("expected ErrStalePrimary, got %v", err)
	}
}

func TestLocalCheckpointAdvancesInOrder(t *testing.T) {
	s := NewService(1)
	for i := 0; i < 5; i++ {
		if _, err := s.Generate(1); err != nil {
			t.Fatal(err)
		}
	}

	s.MarkSeqNoAsProcessed(1)
	if got := s.LocalCheckpoint(); got != 1 {
		t.Fatalf("expected localCheckpoint=1, got %d", got)
	}

	// Out-of-order completion: seqNo 3 finishes before 2.
	s.MarkSeqNoAsProcessed(3)
	if got := s.LocalCheckpoint(); got != 1 {
		t.Fatalf("checkpoint should not advance past a gap, got %d", got)
	}

	s.MarkSeqNoAsProcessed(2)
	if got := s.LocalCheckpoint(); got != 3 {
		t.Fatalf("checkpoint should jump to 3 once the gap closes, got %d", got)
	}
}

func TestBitmapPrefixFreedAsCheckpointAdvances(t *testing.T) {
	s := NewService(1)
	const n = 64 * 100
	for i := 0; i < n; i++ {
		if _, err := s.Generate(1); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint64(1); i <= n; i++ {
		s.MarkSeqNoAsProcessed(i)
	}

	if got := s.LocalCheckpoint(); got != n {
		t.Fatalf("expected localCheckpoint=%d, got %d", n, got)
	}
	// Fully contiguous processing leaves nothing in flight: the bitmap's
	// window should have slid forward with the checkpoint instead of
	// accumulating a word per 64 seqNos ever seen.
	if resident := len(s.processed.words); resident > 1 {
		t.Fatalf("expected processed-bitmap prefix to be freed, %d words resident", resident)
	}
	if s.processed.base == 0 {
		t.Fatal("expected the bitmap window to have advanced past zero")
	}
}

func TestBitmapRetainsOnlyGapSpan(t *testing.T) {
	s := NewService(1)
	const n = 64 * 100
	for i := 0; i < n; i++ {
		if _, err := s.Generate(1); err != nil {
			t.Fatal(err)
		}
	}
	// Leave seqNo 1 unprocessed: the checkpoint cannot advance, but marking
	// everything above it must not retain more than the gap span requires.
	for i := uint64(2); i <= n; i++ {
		s.MarkSeqNoAsProcessed(i)
	}
	if got := s.LocalCheckpoint(); got != 0 {
		t.Fatalf("expected checkpoint stuck at 0 behind the gap, got %d", got)
	}

	s.MarkSeqNoAsProcessed(1)
	if got := s.LocalCheckpoint(); got != n {
		t.Fatalf("expected checkpoint to jump to %d once the gap closed, got %d", n, got)
	}
	if resident := len(s.processed.words); resident > 1 {
		t.Fatalf("expected the whole span to be freed after the gap closed, %d words resident", resident)
	}
}

func TestGlobalCheckpointMonotonic(t *testing.T) {
	s := NewService(1)
	s.UpdateGlobalCheckpoint(10)
	s.UpdateGlobalCheckpoint(5) // regression, ignored
	if got := s.GlobalCheckpoint(); got != 10 {
		t.Fatalf("global checkpoint regressed: got %d", got)
	}
	s.UpdateGlobalCheckpoint(15)
	if got := s.GlobalCheckpoint(); got != 15 {
		t.Fatalf("expected 15, got %d", got)
	}
}

func TestResetAfterPromotion(t *testing.T) {
	s := NewService(1)
	for i := 0; i < 3; i++ {
		s.Generate(1)
	}
	s.MarkSeqNoAsProcessed(1)
	s.MarkSeqNoAsProcessed(2)

	s.ResetAfterPromotion(2)
	if s.Term() != 2 {
		t.Fatalf("expected term 2, got %d", s.Term())
	}
	if s.LocalCheckpoint() != 2 {
		t.Fatalf("promotion should not change localCheckpoint, got %d", s.LocalCheckpoint())
	}
}
