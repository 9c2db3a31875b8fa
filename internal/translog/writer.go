package translog

import (
	"os"
	"sync"

	"github.com/docshard/shardkernel/internal/config"
	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/logging"
)

// generationWriter manages the single append-only file backing one translog
// generation: atomic record writes, fsync per the configured durability
// policy, and size tracking for rollover.
type generationWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       uint64
	generation uint64
	durability config.Durability
	logger     *logging.Logger

	// pendingSync is set when a write happened under async durability and
	// has not yet been fsynced by the background sync ticker.
	pendingSync bool

	// numOps, minSeqNo and maxSeqNo accumulate this generation's own
	// checkpoint accounting, carried into its sealed .ckp sidecar.
	numOps   uint64
	minSeqNo uint64
	maxSeqNo uint64
}

func newGenerationWriter(path string, generation uint64, durability config.Durability, log *logging.Logger) *generationWriter {
	return &generationWriter{
		path:       path,
		generation: generation,
		durability: durability,
		logger:     log,
		minSeqNo:   noSeqNoSeen,
	}
}

// noSeqNoSeen marks a generation that has not yet recorded any op.
const noSeqNoSeen = ^uint64(0)

func (w *generationWriter) open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.file = file
	w.size = uint64(info.Size())
	return nil
}

// writeHeader writes the generation header if the file is brand new. An
// already-populated file keeps the header it was created with.
func (w *generationWriter) writeHeader(encoded []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size > 0 {
		return nil
	}
	n, err := w.file.Write(encoded)
	if err != nil {
		return engineerrors.ErrIOError
	}
	w.size += uint64(n)
	if w.durability == config.DurabilityRequest {
		if err := w.file.Sync(); err != nil {
			return engineerrors.ErrIOError
		}
	} else {
		w.pendingSync = true
	}
	return nil
}

// append writes one encoded record and, under Request durability, fsyncs
// before returning so the caller's write is durable by the time Index/Delete
// acknowledges.
func (w *generationWriter) append(encoded []byte) (offset uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	offset = w.size

	n, err := w.file.Write(encoded)
	if err != nil {
		return 0, engineerrors.ErrIOError
	}
	w.size += uint64(n)

	if w.durability == config.DurabilityRequest {
		if err := w.file.Sync(); err != nil {
			return 0, engineerrors.ErrIOError
		}
		w.pendingSync = false
	} else {
		w.pendingSync = true
	}

	return offset, nil
}

// sync fsyncs the file if a write is outstanding; used by the async
// durability ticker and by explicit flush-before-commit calls.
func (w *generationWriter) sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil || !w.pendingSync {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return engineerrors.ErrIOError
	}
	w.pendingSync = false
	return nil
}

func (w *generationWriter) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// recordOp updates this generation's checkpoint accounting for a
// successfully appended op.
func (w *generationWriter) recordOp(seqNo uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.numOps++
	if seqNo < w.minSeqNo {
		w.minSeqNo = seqNo
	}
	if seqNo > w.maxSeqNo {
		w.maxSeqNo = seqNo
	}
}

// stats returns this generation's accumulated numOps/minSeqNo/maxSeqNo, with
// minSeqNo reported as 0 if the generation has not recorded any op yet.
func (w *generationWriter) stats() (numOps, minSeqNo, maxSeqNo uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ms := w.minSeqNo
	if ms == noSeqNoSeen {
		ms = 0
	}
	return w.numOps, ms, w.maxSeqNo
}

func (w *generationWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		w.file = nil
		return engineerrors.ErrIOError
	}
	err := w.file.Close()
	w.file = nil
	return err
}
