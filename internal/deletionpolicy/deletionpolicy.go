// Package deletionpolicy implements the commit-retention and translog-
// generation-retention rules the Engine consults before it may delete an
// old commit or an old translog generation, plus the view/snapshot
// pinning that keeps an in-flight reader from losing data out from under it.
package deletionpolicy

import (
	"sync"

	"github.com/docshard/shardkernel/internal/logging"
	"github.com/docshard/shardkernel/internal/types"
)

// commitInfo is the subset of a commit's metadata the policy needs to
// decide retention: its id, local checkpoint, and translog generation.
type commitInfo struct {
	id                int64
	localCheckpoint   uint64
	translogGeneration uint64
}

// Policy tracks known commits and outstanding view/snapshot pins and
// computes, on demand, which commits and translog generations may be
// deleted.
type Policy struct {
	mu sync.Mutex

	commits []commitInfo

	// snapshotRefs counts outstanding pins per commit id, taken through
	// AcquireSnapshot by callers that must not have "their" commit deleted
	// mid-read.
	snapshotRefs map[int64]int

	logger *logging.Logger
}

func New(log *logging.Logger) *Policy {
	return &Policy{
		snapshotRefs: make(map[int64]int),
		logger:       log,
	}
}

// RecordCommit registers a newly created commit with the policy.
func (p *Policy) RecordCommit(commitID int64, meta types.CommitMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commits = append(p.commits, commitInfo{
		id:                 commitID,
		localCheckpoint:    meta.LocalCheckpoint,
		translogGeneration: meta.TranslogGeneration,
	})
}

// AcquireSnapshot pins a commit so DeletableCommits will not report it.
func (p *Policy) AcquireSnapshot(commitID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotRefs[commitID]++
}

// ReleaseSnapshot undoes a prior AcquireSnapshot.
func (p *Policy) ReleaseSnapshot(commitID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshotRefs[commitID] > 0 {
		p.snapshotRefs[commitID]--
		if p.snapshotRefs[commitID] == 0 {
			delete(p.snapshotRefs, commitID)
		}
	}
}

// DeletableCommits returns the ids of commits that may be safely deleted
// given the current global checkpoint. The policy always keeps the newest
// commit whose localCheckpoint <= globalCheckpoint (the safe recovery
// point) plus every commit newer than it; anything strictly older than
// that safe commit, and not pinned by an outstanding snapshot, is
// deletable.
func (p *Policy) DeletableCommits(globalCheckpoint uint64) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.commits) == 0 {
		return nil
	}

	safeIdx := -1
	for i, c := range p.commits {
		if c.localCheckpoint <= globalCheckpoint {
			safeIdx = i
		}
	}
	if safeIdx <= 0 {
		return nil
	}

	var deletable []int64
	for i := 0; i < safeIdx; i++ {
		c := p.commits[i]
		if p.snapshotRefs[c.id] > 0 {
			continue
		}
		deletable = append(deletable, c.id)
	}
	return deletable
}

// ForgetCommits removes the given commit ids from the policy's bookkeeping
// after the caller has actually deleted them from the segment store.
func (p *Policy) ForgetCommits(ids []int64) {
	if len(ids) == 0 {
		return
	}
	toDelete := make(map[int64]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.commits[:0]
	for _, c := range p.commits {
		if !toDelete[c.id] {
			kept = append(kept, c)
		}
	}
	p.commits = kept
}

// MinRetainedTranslogGeneration computes the retention floor: the minimum
// over every retained commit's translog generation and the generation floor
// the translog itself reports from outstanding view pins. Everything
// strictly below this may be deleted from the translog.
func (p *Policy) MinRetainedTranslogGeneration(viewFloor uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	min := viewFloor
	for _, c := range p.commits {
		if c.translogGeneration < min {
			min = c.translogGeneration
		}
	}
	return min
}
