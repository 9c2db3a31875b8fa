// Package engine implements the per-shard Engine: the write path that
// assigns sequence numbers, appends to the translog, and updates the live
// version map; refresh/flush/recover against the segment store; and the
// observation queries the rest of the system reads checkpoints and stats
// from.
//
// Commit ordering invariant:
//  1. Assign seqNo/version, write translog record (fsynced per durability
//     policy)
//  2. Update the live version map (making the write visible to later CAS
//     checks and, after refresh, to readers)
//
// This ensures no phantom visibility after a crash: if the process dies
// before step 2, the translog still has the record and recovery replays it;
// if it dies after, the translog was already durable.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"github.com/docshard/shardkernel/internal/config"
	"github.com/docshard/shardkernel/internal/deletionpolicy"
	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/logging"
	"github.com/docshard/shardkernel/internal/recovery"
	"github.com/docshard/shardkernel/internal/seqno"
	"github.com/docshard/shardkernel/internal/segstore"
	"github.com/docshard/shardkernel/internal/translog"
	"github.com/docshard/shardkernel/internal/types"
)

const numDocLockStripesDefault = 256

// state is the Engine's lifecycle state machine.
type state int

const (
	stateOpen state = iota
	stateFailed
	stateClosed
)

// Engine orchestrates one shard's durability core: SeqNoService, live
// version map, translog and segment store, behind a single public API.
type Engine struct {
	mu      sync.RWMutex // guards state transitions
	state   state
	failure error // first fatal error, cached for LastFailure

	cfg    *config.Config
	logger *logging.Logger

	seq            *seqno.Service
	versions       versionMapper
	translog       *translog.Translog
	store          *segstore.Store
	policy         *deletionpolicy.Policy
	recoveryDriver *recovery.Driver

	historyUUID string

	// tombstoneTTL is the version_map_gc_ms floor: how long a delete's
	// tombstone must remain visible to concurrent indexers before the
	// global-checkpoint-gated prune may remove it.
	tombstoneTTL time.Duration

	docLocks []sync.Mutex

	refreshMu sync.Mutex
	flushMu   sync.Mutex
	refreshSF singleflight.Group

	reader *segstore.Reader

	pool       *ants.Pool
	retries    *engineerrors.RetryController
	classifier *engineerrors.Classifier

	stopBackground chan struct{}
	bgWG           sync.WaitGroup

	stats statsCounters

	lastRefresh time.Time
	lastFlush   time.Time

	// lastCommitMaxSeqNo tracks the highest seqNo bound into a commit, so a
	// flush with nothing new to commit can return without cutting one.
	lastCommitMaxSeqNo uint64
	hasCommit          bool
}

// versionMapper is the subset of versionmap.Map the engine depends on,
// kept as an interface so tests can substitute a fake.
type versionMapper interface {
	Lookup(docID string) (types.VersionValue, bool)
	Put(docID string, v types.VersionValue)
	PutTombstone(docID string, v types.VersionValue, expireAtMillis int64)
	BeforeRefresh()
	AfterRefresh()
	PruneTombstones(nowMillis int64, globalCheckpoint uint64) int
	TombstoneCount() int
}

type statsCounters struct {
	mu          sync.Mutex
	indexCount  uint64
	deleteCount uint64
	noOpCount   uint64
}

// Open creates or recovers an Engine rooted at dataDir.
func Open(dataDir string, cfg *config.Config, vm versionMapper, log *logging.Logger) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create engine data dir: %w", err)
	}

	tlog, err := translog.Open(filepath.Join(dataDir, "translog"), cfg.Translog, log.With("translog"))
	if err != nil {
		return nil, fmt.Errorf("open translog: %w", err)
	}

	store, err := segstore.Open(filepath.Join(dataDir, "segstore.db"))
	if err != nil {
		return nil, fmt.Errorf("open segment store: %w", err)
	}

	pool, err := ants.NewPool(cfg.Engine.BackgroundPoolSize)
	if err != nil {
		return nil, fmt.Errorf("create background pool: %w", err)
	}

	reader, err := store.OpenReader()
	if err != nil {
		return nil, fmt.Errorf("open initial reader: %w", err)
	}

	stripes := cfg.Engine.DocIDLockStripes
	if stripes <= 0 {
		stripes = numDocLockStripesDefault
	}

	ttl := time.Duration(cfg.Engine.VersionMapGCMS) * time.Millisecond
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}

	e := &Engine{
		cfg:            cfg,
		logger:         log,
		seq:            seqno.NewService(1),
		versions:       vm,
		translog:       tlog,
		store:          store,
		policy:         deletionpolicy.New(log.With("deletionpolicy")),
		historyUUID:    uuid.NewString(),
		tombstoneTTL:   ttl,
		docLocks:       make([]sync.Mutex, stripes),
		reader:         reader,
		pool:           pool,
		retries:        engineerrors.NewRetryController(),
		classifier:     engineerrors.NewClassifier(),
		stopBackground: make(chan struct{}),
	}
	e.recoveryDriver = recovery.New(store, tlog, log.With("recovery"))

	if err := e.recoverFromTranslog(); err != nil {
		return nil, fmt.Errorf("recover from translog: %w", err)
	}

	e.startBackgroundTasks()
	e.logger.Info("engine opened: dataDir=%s historyUUID=%s", dataDir, e.historyUUID)
	return e, nil
}

func (e *Engine) docLock(docID string) *sync.Mutex {
	h := fnv64(docID)
	return &e.docLocks[h%uint64(len(e.docLocks))]
}

func fnv64(s string) uint64 {
	const prime = 1099511628211
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateOpen {
		return engineerrors.ErrEngineClosed
	}
	return nil
}

// resolveCurrentVersion returns the most recent known (seqNo, term,
// version, tombstoned) for docID, checking the live version map first and
// falling back to the last refreshed reader: the version map only holds
// entries since the last refresh cleared its "old" generation, so a
// document visible only through the segment store still needs a version to
// CAS against.
func (e *Engine) resolveCurrentVersion(docID string) (types.VersionValue, bool) {
	if v, ok := e.versions.Lookup(docID); ok {
		return v, true
	}

	e.mu.RLock()
	reader := e.reader
	e.mu.RUnlock()

	_, seqNo, term, version, found, err := reader.Get(docID)
	if err != nil || !found {
		return types.VersionValue{}, false
	}
	return types.VersionValue{SeqNo: seqNo, Term: term, Version: version, Kind: types.VersionLive}, true
}

func (e *Engine) fail(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateOpen {
		e.state = stateFailed
		e.failure = reason
		e.logger.Error("engine failed, transitioning to closed: %v", reason)
	}
}

// LastFailure returns the fatal error that transitioned the engine to
// Failed, or nil if the engine never failed. Callers seeing ErrEngineClosed
// read the root cause here.
func (e *Engine) LastFailure() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failure
}

// UpdateGlobalCheckpoint records the cluster-supplied global checkpoint.
// The shard never computes this itself; the external coordinator feeds it in.
func (e *Engine) UpdateGlobalCheckpoint(gcp uint64) {
	e.seq.UpdateGlobalCheckpoint(gcp)
}

// LocalCheckpoint returns the highest seqNo below which every operation has
// been processed by this shard.
func (e *Engine) LocalCheckpoint() uint64 {
	return e.seq.LocalCheckpoint()
}

// MaxSeqNo returns the highest sequence number this shard has seen.
func (e *Engine) MaxSeqNo() uint64 {
	return e.seq.MaxSeqNo()
}

// AcquireTranslogView pins the current translog generation against deletion
// and returns it; callers streaming history (peer recovery, snapshots) hold
// the view until done and then ReleaseTranslogView it.
func (e *Engine) AcquireTranslogView() uint64 {
	gen := e.translog.CurrentGeneration()
	e.translog.AcquireViewForGeneration(gen)
	return gen
}

// ReleaseTranslogView undoes a prior AcquireTranslogView.
func (e *Engine) ReleaseTranslogView(gen uint64) {
	e.translog.ReleaseViewForGeneration(gen)
}

// Get returns the current source for docID as visible through the last
// refresh, falling back to the live version map's bookkeeping for CAS
// metadata when the document has not yet been refreshed into the reader.
func (e *Engine) Get(docID string) (source []byte, version types.VersionValue, found bool, err error) {
	if err := e.checkOpen(); err != nil {
		return nil, types.VersionValue{}, false, err
	}

	e.mu.RLock()
	reader := e.reader
	e.mu.RUnlock()

	src, seqNo, term, v, ok, err := reader.Get(docID)
	if err != nil {
		return nil, types.VersionValue{}, false, err
	}
	if ok {
		return src, types.VersionValue{SeqNo: seqNo, Term: term, Version: v}, true, nil
	}

	// Not refreshed yet; consult the live version map for a just-written
	// document whose source we still hold via the translog-backed write
	// path's caller (the store itself is the source of truth for Source,
	// so an un-refreshed doc simply isn't Get-able yet beyond its version).
	if vv, ok := e.versions.Lookup(docID); ok && vv.Kind == types.VersionLive {
		return nil, vv, false, nil
	}

	return nil, types.VersionValue{}, false, nil
}

// GetRealtime serves a read that must observe writes not yet refreshed into
// a reader: under the docId lock, a tombstone in the live version map is an
// authoritative not-found, a live entry is served straight from the segment
// store's current row, and a miss falls through to the refreshed reader.
func (e *Engine) GetRealtime(docID string) (source []byte, version types.VersionValue, found bool, err error) {
	if err := e.checkOpen(); err != nil {
		return nil, types.VersionValue{}, false, err
	}

	lock := e.docLock(docID)
	lock.Lock()
	defer lock.Unlock()

	if vv, ok := e.versions.Lookup(docID); ok {
		if vv.Kind == types.VersionTombstone {
			return nil, types.VersionValue{}, false, nil
		}
		src, seqNo, term, v, tombstoned, ok2, err := e.store.Get(docID)
		if err != nil {
			return nil, types.VersionValue{}, false, err
		}
		if ok2 && !tombstoned {
			return src, types.VersionValue{SeqNo: seqNo, Term: term, Version: v, Kind: types.VersionLive}, true, nil
		}
		return nil, vv, false, nil
	}

	return e.Get(docID)
}

// Refresh makes all writes durable in the translog (but not necessarily
// flushed) visible to readers by opening a fresh segstore reader. Calls
// made while a refresh is already in flight are coalesced onto it.
func (e *Engine) Refresh() error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	_, err, _ := e.refreshSF.Do("refresh", func() (interface{}, error) {
		e.refreshMu.Lock()
		defer e.refreshMu.Unlock()

		e.versions.BeforeRefresh()

		e.mu.Lock()
		newReader, err := e.store.Reopen(e.reader)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.reader = newReader
		e.lastRefresh = time.Now()
		e.mu.Unlock()

		e.versions.AfterRefresh()
		return nil, nil
	})
	return err
}

// Flush fsyncs the translog, writes a commit to the segment store carrying
// the current checkpoint as commit user-data, registers that commit with
// the deletion policy, and prunes translog generations the policy no
// longer needs retained. A flush with nothing new since the last commit
// returns without cutting one; ForceFlush commits regardless.
func (e *Engine) Flush() error {
	return e.flush(false)
}

// ForceFlush cuts a commit even when no operations have arrived since the
// last one, e.g. to rebind commit metadata after a promotion.
func (e *Engine) ForceFlush() error {
	return e.flush(true)
}

func (e *Engine) flush(force bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if !force {
		e.mu.RLock()
		noNewOps := e.hasCommit && e.seq.MaxSeqNo() == e.lastCommitMaxSeqNo
		e.mu.RUnlock()
		if noNewOps {
			return nil
		}
	}

	if err := e.translog.Sync(); err != nil {
		e.fail(err)
		return err
	}

	minGenForRecovery, err := e.translog.Roll()
	if err != nil {
		e.fail(err)
		return err
	}

	lcp := e.seq.LocalCheckpoint()
	gcp := e.seq.GlobalCheckpoint()
	meta := types.CommitMetadata{
		LocalCheckpoint:    lcp,
		MaxSeqNo:           e.seq.MaxSeqNo(),
		Term:               e.seq.Term(),
		TranslogUUID:       e.translog.UUID(),
		TranslogGeneration: minGenForRecovery,
		HistoryUUID:        e.historyUUID,
		MinRetainedSeqNo:   gcp + 1,
	}

	commitID, err := e.store.Commit(meta)
	if err != nil {
		e.fail(err)
		return engineerrors.ErrCommitFailure
	}
	e.policy.RecordCommit(commitID, meta)

	if err := e.translog.WriteCheckpoint(lcp, gcp, meta.MaxSeqNo, meta.Term, minGenForRecovery); err != nil {
		e.logger.Warn("failed to write translog checkpoint after flush: %v", err)
	}

	deletable := e.policy.DeletableCommits(gcp)
	deleted := make([]int64, 0, len(deletable))
	for _, id := range deletable {
		if err := e.store.DeleteCommit(id); err != nil {
			e.logger.Warn("failed to delete retired commit %d: %v", id, err)
			continue
		}
		deleted = append(deleted, id)
	}
	e.policy.ForgetCommits(deleted)

	minGen := e.policy.MinRetainedTranslogGeneration(e.translog.MinRetainedGenerationForViews())
	if err := e.translog.DeleteGenerationsBelow(minGen); err != nil {
		e.logger.Warn("failed to prune translog generations: %v", err)
	}

	e.mu.Lock()
	e.lastFlush = time.Now()
	e.lastCommitMaxSeqNo = meta.MaxSeqNo
	e.hasCommit = true
	e.mu.Unlock()

	return nil
}

// Stats returns the engine's current observation-query snapshot.
func (e *Engine) Stats() types.Stats {
	e.stats.mu.Lock()
	idx, del, noop := e.stats.indexCount, e.stats.deleteCount, e.stats.noOpCount
	e.stats.mu.Unlock()

	e.mu.RLock()
	lastFlush, lastRefresh := e.lastFlush, e.lastRefresh
	e.mu.RUnlock()

	return types.Stats{
		IndexCount:          idx,
		DeleteCount:         del,
		NoOpCount:           noop,
		LocalCheckpoint:     e.seq.LocalCheckpoint(),
		GlobalCheckpoint:    e.seq.GlobalCheckpoint(),
		MaxSeqNo:            e.seq.MaxSeqNo(),
		Term:                e.seq.Term(),
		TombstoneCount:      e.versions.TombstoneCount(),
		TranslogSizeBytes:   e.translog.SizeInBytes(),
		TranslogGenerations: e.translog.GenerationCount(),
		LastFlush:           lastFlush,
		LastRefresh:         lastRefresh,
	}
}

// Close flushes outstanding state and releases all resources. Close is
// idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return nil
	}
	alreadyFailed := e.state == stateFailed
	e.mu.Unlock()

	if !alreadyFailed {
		if err := e.Flush(); err != nil {
			e.logger.Warn("flush during close failed: %v", err)
		}
	}

	e.mu.Lock()
	e.state = stateClosed
	e.mu.Unlock()

	close(e.stopBackground)
	e.bgWG.Wait()
	e.pool.Release()

	if e.reader != nil {
		e.reader.Close()
	}
	if err := e.translog.Close(); err != nil {
		e.logger.Warn("translog close failed: %v", err)
	}
	return e.store.Close()
}
