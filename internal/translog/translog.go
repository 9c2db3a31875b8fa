// Package translog implements the per-shard write-ahead log: durable
// Operation records grouped into generations, a checkpoint sidecar,
// generation-retention accounting driven by outstanding views, and replay
// for recovery.
package translog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/docshard/shardkernel/internal/config"
	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/logging"
	"github.com/docshard/shardkernel/internal/types"
)

// Translog is the engine's durability log. Exactly one writer (the Engine's
// write path, itself already serialized per docId but writing to a single
// active generation) appends to it at a time; readers (views, recovery) may
// run concurrently against closed, immutable generations.
type Translog struct {
	mu sync.Mutex

	dir        string
	cfg        config.TranslogConfig
	logger     *logging.Logger
	uuid       string
	term       uint64
	generation uint64
	active     *generationWriter
	rotator    *rotator

	// viewRefs counts outstanding acquireView calls per generation; a
	// generation cannot be deleted while its count is > 0.
	viewRefs map[uint64]int

	// trimmedAboveSeqNo is set on primary promotion: entries beyond it are
	// excluded from replay even though they remain on disk.
	trimmedAboveSeqNo *uint64

	// lastLocalCheckpoint/lastGlobalCheckpoint hold the values most recently
	// persisted via WriteCheckpoint, stamped into generation headers and
	// sealed sidecars.
	lastLocalCheckpoint  uint64
	lastGlobalCheckpoint uint64
	minGenForRecovery    uint64

	closed bool
}

// Open opens (or creates) a translog rooted at dir. If a checkpoint exists
// it resumes from the recorded generation and UUID; otherwise it starts a
// fresh translog at generation 1 with a new UUID.
func Open(dir string, cfg config.TranslogConfig, log *logging.Logger) (*Translog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create translog dir: %w", err)
	}

	t := &Translog{
		dir:      dir,
		cfg:      cfg,
		logger:   log,
		viewRefs: make(map[uint64]int),
		rotator:  newRotator(dir, cfg.GenerationThresholdBytes, log),
	}

	cp, found, err := readCheckpoint(dir)
	if err != nil {
		return nil, err
	}

	if found {
		t.uuid = cp.TranslogUUID
		t.term = cp.Term
		t.generation = cp.Generation
		t.lastLocalCheckpoint = cp.LocalCheckpoint
		t.lastGlobalCheckpoint = cp.GlobalCheckpoint
		t.minGenForRecovery = cp.MinTranslogGenerationForRecovery
		t.trimmedAboveSeqNo = cp.TrimmedAboveSeqNo
	} else {
		t.uuid = uuid.NewString()
		t.generation = 1
		t.minGenForRecovery = 1
	}

	path := generationPath(dir, t.generation)
	w := newGenerationWriter(path, t.generation, cfg.Durability, log)
	if err := w.open(); err != nil {
		return nil, fmt.Errorf("open active generation: %w", err)
	}
	hdr, err := EncodeHeader(t.uuid, t.lastGlobalCheckpoint, t.minGenForRecovery)
	if err != nil {
		return nil, fmt.Errorf("encode generation header: %w", err)
	}
	if err := w.writeHeader(hdr); err != nil {
		return nil, fmt.Errorf("write generation header: %w", err)
	}
	t.active = w

	if !found {
		// Persist the fresh UUID right away, so a reopen after a crash before
		// the first flush reads generation 1 back under its own identity.
		if err := writeCheckpoint(dir, types.Checkpoint{
			TranslogUUID:                     t.uuid,
			Generation:                       t.generation,
			MinTranslogGenerationForRecovery: t.minGenForRecovery,
		}); err != nil {
			return nil, fmt.Errorf("write initial checkpoint: %w", err)
		}
	}

	log.Info("translog opened: uuid=%s generation=%d size=%s", t.uuid, t.generation, humanize.Bytes(w.Size()))
	return t, nil
}

// UUID returns the translog's identity, written into commit user-data so
// recovery can tell which translog a commit's checkpoint refers to.
func (t *Translog) UUID() string {
	return t.uuid
}

// Add appends an already seqNo-assigned Operation to the active generation,
// rotating to a new generation first if the size threshold is exceeded.
// The caller (Engine) is responsible for serializing calls under its own
// single-writer-per-shard discipline; Add itself is safe to call
// concurrently but does not reorder records relative to call order under
// that external lock.
func (t *Translog) Add(op types.Operation) (generation uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, engineerrors.ErrEngineClosed
	}

	encoded, err := EncodeOperation(op)
	if err != nil {
		return 0, err
	}

	if t.rotator.shouldRotate(t.active.Size()) {
		if err := t.rotateLocked(); err != nil {
			return 0, err
		}
	}

	if _, err := t.active.append(encoded); err != nil {
		return 0, err
	}
	t.active.recordOp(op.SeqNo)

	return t.generation, nil
}

func (t *Translog) rotateLocked() error {
	numOps, minSeqNo, maxSeqNo := t.active.stats()
	if err := t.active.close(); err != nil {
		t.logger.Warn("error closing generation %d during rotation: %v", t.generation, err)
	}

	// Seal the closed generation's accounting into its own sidecar before
	// the new generation starts taking writes.
	if err := writeGenerationCheckpoint(t.dir, types.Checkpoint{
		LocalCheckpoint:                  t.lastLocalCheckpoint,
		GlobalCheckpoint:                 t.lastGlobalCheckpoint,
		MaxSeqNo:                         maxSeqNo,
		MinSeqNo:                         minSeqNo,
		NumOps:                           numOps,
		Term:                             t.term,
		TranslogUUID:                     t.uuid,
		Generation:                       t.generation,
		MinTranslogGenerationForRecovery: t.minGenForRecovery,
		TrimmedAboveSeqNo:                t.trimmedAboveSeqNo,
	}); err != nil {
		t.logger.Warn("failed to seal checkpoint for generation %d: %v", t.generation, err)
	}

	t.generation++
	path := generationPath(t.dir, t.generation)
	w := newGenerationWriter(path, t.generation, t.cfg.Durability, t.logger)
	if err := w.open(); err != nil {
		return fmt.Errorf("open new generation: %w", err)
	}
	hdr, err := EncodeHeader(t.uuid, t.lastGlobalCheckpoint, t.minGenForRecovery)
	if err != nil {
		return fmt.Errorf("encode generation header: %w", err)
	}
	if err := w.writeHeader(hdr); err != nil {
		return fmt.Errorf("write generation header: %w", err)
	}
	t.active = w
	t.logger.Info("translog rolled over to generation %d", t.generation)
	return nil
}

// Sync flushes any outstanding async-durability writes to disk. Called by
// the engine's background sync ticker when durability mode is Async.
func (t *Translog) Sync() error {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.sync()
}

// WriteCheckpoint persists the current checkpoint sidecar atomically.
// minGenForRecovery is the oldest generation recovery still needs to read
// from (normally the generation holding localCheckpoint+1); it is carried
// through so a later Open can resume replay without scanning generations
// already known to be fully applied.
func (t *Translog) WriteCheckpoint(localCheckpoint, globalCheckpoint, maxSeqNo, term, minGenForRecovery uint64) error {
	t.mu.Lock()
	gen := t.generation
	numOps, minSeqNo, _ := t.active.stats()
	trimmed := t.trimmedAboveSeqNo
	t.lastLocalCheckpoint = localCheckpoint
	t.lastGlobalCheckpoint = globalCheckpoint
	t.minGenForRecovery = minGenForRecovery
	t.term = term
	t.mu.Unlock()

	return writeCheckpoint(t.dir, types.Checkpoint{
		LocalCheckpoint:                  localCheckpoint,
		GlobalCheckpoint:                 globalCheckpoint,
		MaxSeqNo:                         maxSeqNo,
		Term:                             term,
		TranslogUUID:                     t.uuid,
		Generation:                       gen,
		NumOps:                           numOps,
		MinSeqNo:                         minSeqNo,
		MinTranslogGenerationForRecovery: minGenForRecovery,
		TrimmedAboveSeqNo:                trimmed,
	})
}

// TrimAboveSeqNo marks every entry with seqNo > n as excluded from future
// replay, without removing it from disk. Called on primary promotion so a
// promoted replica does not replay writes the old primary accepted but never
// acknowledged to this node.
func (t *Translog) TrimAboveSeqNo(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimmedAboveSeqNo = &n
}

// TrimmedAboveSeqNo reports the current trim marker, if any.
func (t *Translog) TrimmedAboveSeqNo() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.trimmedAboveSeqNo == nil {
		return 0, false
	}
	return *t.trimmedAboveSeqNo, true
}

// Roll forces an unconditional rollover to a new generation, returning the
// new generation number. Used by Flush so each commit's checkpoint can name
// a minGenForRecovery that starts clean.
func (t *Translog) Roll() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, engineerrors.ErrEngineClosed
	}
	if err := t.rotateLocked(); err != nil {
		return 0, err
	}
	return t.generation, nil
}

// CurrentGeneration returns the generation currently being written to.
func (t *Translog) CurrentGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// SizeInBytes returns the active generation's current size, for Stats().
func (t *Translog) SizeInBytes() uint64 {
	t.mu.Lock()
	active := t.active
	t.mu.Unlock()
	if active == nil {
		return 0
	}
	return active.Size()
}

// GenerationCount returns how many generation files currently exist on
// disk, for Stats().
func (t *Translog) GenerationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	gens, err := t.rotator.listGenerations()
	if err != nil {
		return 0
	}
	// listGenerations reads the directory; count the active generation even
	// if its file is not listed there.
	found := false
	for _, g := range gens {
		if g == t.generation {
			found = true
			break
		}
	}
	if !found {
		gens = append(gens, t.generation)
	}
	return len(gens)
}

// AcquireViewForGeneration pins a generation so retention will not delete
// it while a snapshot view still reads from it.
func (t *Translog) AcquireViewForGeneration(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewRefs[generation]++
}

// ReleaseViewForGeneration undoes a prior AcquireViewForGeneration.
func (t *Translog) ReleaseViewForGeneration(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.viewRefs[generation] > 0 {
		t.viewRefs[generation]--
		if t.viewRefs[generation] == 0 {
			delete(t.viewRefs, generation)
		}
	}
}

// MinRetainedGenerationForViews returns the oldest generation currently
// pinned by an outstanding view, or the current generation if none.
func (t *Translog) MinRetainedGenerationForViews() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	min := t.generation
	for g := range t.viewRefs {
		if g < min {
			min = g
		}
	}
	return min
}

// DeleteGenerationsBelow removes generation files strictly below minGen,
// never touching the active generation, a generation pinned by an
// outstanding view, or a generation the secondary age/size retention still
// keeps for history-based recovery. Called by Engine.flush with the
// retained-generation floor computed by the DeletionPolicy.
func (t *Translog) DeleteGenerationsBelow(minGen uint64) error {
	t.mu.Lock()
	gens, err := t.rotator.listGenerations()
	pinned := make(map[uint64]bool, len(t.viewRefs))
	for g, refs := range t.viewRefs {
		if refs > 0 {
			pinned[g] = true
		}
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}

	// Walk newest-first so the size budget is charged to the most recent
	// history; only once age or size runs out does a generation below the
	// floor actually get deleted.
	var retainedBytes uint64
	now := time.Now()
	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		path := generationPath(t.dir, g)
		if g >= minGen || pinned[g] {
			if info, err := os.Stat(path); err == nil {
				retainedBytes += uint64(info.Size())
			}
			continue
		}
		if t.retainedBySecondaryPolicy(path, now, &retainedBytes) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to delete translog generation %d: %v", g, err)
			continue
		}
		if err := os.Remove(generationCheckpointPath(t.dir, g)); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to delete checkpoint for generation %d: %v", g, err)
		}
		t.logger.Debug("deleted translog generation %d", g)
	}
	return nil
}

// retainedBySecondaryPolicy reports whether the age/size retention options
// keep a generation that the commit-derived floor no longer needs, charging
// its size against the running budget when it does.
func (t *Translog) retainedBySecondaryPolicy(path string, now time.Time, retainedBytes *uint64) bool {
	if t.cfg.RetentionAge <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if now.Sub(info.ModTime()) > t.cfg.RetentionAge {
		return false
	}
	if t.cfg.RetentionSizeBytes > 0 && *retainedBytes+uint64(info.Size()) > t.cfg.RetentionSizeBytes {
		return false
	}
	*retainedBytes += uint64(info.Size())
	return true
}

// ReadGeneration returns every valid operation recorded in the given
// generation, in write order, stopping at the first corrupt/partial record.
func (t *Translog) ReadGeneration(generation uint64) ([]types.Operation, error) {
	path := generationPath(t.dir, generation)
	return readAllValid(path, t.uuid)
}

// ReadFrom streams every operation with seqNo >= fromSeqNo across every
// generation still on disk, oldest generation first, for RecoveryDriver's
// phase2 replay.
func (t *Translog) ReadFrom(fromSeqNo uint64) ([]types.Operation, error) {
	t.mu.Lock()
	gens, err := t.rotator.listGenerations()
	current := t.generation
	trimAbove, trimmed := t.trimmedAboveSeqNo, t.trimmedAboveSeqNo != nil
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	found := false
	for _, g := range gens {
		if g == current {
			found = true
		}
	}
	if !found {
		gens = append(gens, current)
	}

	var out []types.Operation
	for _, g := range gens {
		ops, err := t.ReadGeneration(g)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.SeqNo < fromSeqNo {
				continue
			}
			if trimmed && op.SeqNo > *trimAbove {
				continue
			}
			out = append(out, op)
		}
	}
	return out, nil
}

func (t *Translog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.active != nil {
		return t.active.close()
	}
	return nil
}
