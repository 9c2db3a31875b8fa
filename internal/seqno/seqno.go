// Package seqno implements the SeqNoService: primary-term-aware sequence
// number generation and local/global checkpoint tracking.
package seqno

import (
	"sync"
	"sync/atomic"

	"github.com/docshard/shardkernel/internal/engineerrors"
)

const wordBits = 64

// bitset is a growable bitmap of processed-seqNo markers, windowed at the
// low end: whole words below the advancing checkpoint are freed, so resident
// memory tracks the in-flight gap span rather than the total seqNos ever
// processed.
type bitset struct {
	base  uint64 // absolute bit index of words[0]'s lowest bit; multiple of wordBits
	words []uint64
}

func (b *bitset) ensure(word int) {
	for len(b.words) <= word {
		b.words = append(b.words, 0)
	}
}

func (b *bitset) Set(bit uint64) {
	if bit < b.base {
		return // already freed; only processed bits fall below the window
	}
	rel := bit - b.base
	word := int(rel / wordBits)
	b.ensure(word)
	b.words[word] |= 1 << (rel % wordBits)
}

func (b *bitset) Test(bit uint64) bool {
	if bit < b.base {
		return true
	}
	rel := bit - b.base
	word := int(rel / wordBits)
	if word >= len(b.words) {
		return false
	}
	return b.words[word]&(1<<(rel%wordBits)) != 0
}

func (b *bitset) Clear(bit uint64) {
	if bit < b.base {
		return
	}
	rel := bit - b.base
	word := int(rel / wordBits)
	if word >= len(b.words) {
		return
	}
	b.words[word] &^= 1 << (rel % wordBits)
}

// freeBelow drops every word lying entirely below bit, reclaiming the prefix
// the advancing checkpoint no longer needs.
func (b *bitset) freeBelow(bit uint64) {
	if bit < b.base {
		return
	}
	drop := int((bit - b.base) / wordBits)
	if drop == 0 {
		return
	}
	if drop >= len(b.words) {
		b.words = b.words[:0]
	} else {
		n := copy(b.words, b.words[drop:])
		b.words = b.words[:n]
	}
	b.base += uint64(drop) * wordBits
}

// Service is the per-shard SeqNoService: it hands out monotonically
// increasing sequence numbers to the current primary term, tracks which
// seqNos have been durably processed, and advances the local checkpoint
// (the highest seqNo below which everything is processed) in amortized
// O(1) per call via a bitmap plus a running low-water pointer.
type Service struct {
	mu sync.Mutex

	term     uint64
	maxSeqNo uint64 // highest seqNo ever generated

	processed        bitset
	localCheckpoint  uint64 // highest seqNo L such that all seqNo <= L are processed
	nextUnprocessed  uint64 // lowest seqNo not yet confirmed processed, >= localCheckpoint+1

	globalCheckpoint atomic.Uint64
}

// NewService creates a SeqNoService starting at the given term with no
// sequence numbers issued yet. Sequence numbers start at 1; a fresh service
// reports checkpoint 0 meaning "nothing processed".
func NewService(term uint64) *Service {
	s := &Service{term: term, nextUnprocessed: 1}
	return s
}

// Generate allocates the next sequence number for the given term. It
// refuses to hand out seqNos for a term older than the one last observed,
// returning ErrStalePrimary — a stale primary must not advance the log.
func (s *Service) Generate(term uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term < s.term {
		return 0, engineerrors.ErrStalePrimary
	}
	s.term = term

	s.maxSeqNo++
	return s.maxSeqNo, nil
}

// MarkSeqNoAsProcessed records that seqNo has been durably applied (written
// to the translog and, for a primary, replicated) and advances the local
// checkpoint past any now-contiguous run of processed seqNos.
func (s *Service) MarkSeqNoAsProcessed(seqNo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed.Set(seqNo)

	if seqNo < s.nextUnprocessed {
		return
	}

	for s.processed.Test(s.nextUnprocessed) {
		s.localCheckpoint = s.nextUnprocessed
		s.processed.Clear(s.nextUnprocessed)
		s.nextUnprocessed++
	}
	s.processed.freeBelow(s.nextUnprocessed)
}

// LocalCheckpoint returns the highest seqNo below which every operation has
// been processed.
func (s *Service) LocalCheckpoint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCheckpoint
}

// MaxSeqNo returns the highest sequence number ever generated.
func (s *Service) MaxSeqNo() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeqNo
}

// Term returns the current primary term.
func (s *Service) Term() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// UpdateGlobalCheckpoint advances the global checkpoint monotonically; a
// regression is ignored rather than erroring, matching a replica that
// receives checkpoints out of order from multiple sources.
func (s *Service) UpdateGlobalCheckpoint(gcp uint64) {
	for {
		cur := s.globalCheckpoint.Load()
		if gcp <= cur {
			return
		}
		if s.globalCheckpoint.CompareAndSwap(cur, gcp) {
			return
		}
	}
}

// GlobalCheckpoint returns the last known globally-durable checkpoint.
func (s *Service) GlobalCheckpoint() uint64 {
	return s.globalCheckpoint.Load()
}

// BumpTerm raises the primary term, e.g. on primary promotion, without
// resetting seqNo state.
func (s *Service) BumpTerm(newTerm uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newTerm > s.term {
		s.term = newTerm
	}
}

// SeedCheckpoint directly sets the local checkpoint and max seqNo observed,
// bypassing the per-seqNo bitmap bookkeeping Generate/MarkSeqNoAsProcessed
// otherwise build up. Used once at Engine recovery startup, when a durable
// commit already proves every seqNo up to localCheckpoint was fully applied
// and there is nothing left to reconstruct from the bitmap for that range.
func (s *Service) SeedCheckpoint(localCheckpoint, maxSeqNo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if localCheckpoint > s.localCheckpoint {
		s.localCheckpoint = localCheckpoint
		s.nextUnprocessed = localCheckpoint + 1
		s.processed.freeBelow(s.nextUnprocessed)
	}
	if maxSeqNo > s.maxSeqNo {
		s.maxSeqNo = maxSeqNo
	}
}

// ResetAfterPromotion is called when this shard copy becomes primary: any
// seqNo beyond the local checkpoint might not have reached every replica,
// so they are considered gaps (NoOps) rather than retried, and maxSeqNo is
// left untouched so new Generate calls continue past the highest seen seqNo.
func (s *Service) ResetAfterPromotion(newTerm uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = newTerm
	s.nextUnprocessed = s.localCheckpoint + 1
}
