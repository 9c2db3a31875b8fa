package translog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"

	"github.com/docshard/shardkernel/internal/types"
)

const checkpointFileName = "translog.ckp"

// generationCheckpointPath returns the sealed per-generation sidecar path,
// translog-<gen>.ckp, written once when a generation is closed at rollover.
func generationCheckpointPath(dir string, generation uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d.ckp", generationFileBase, generation))
}

// checkpointFile is the JSON-encoded sidecar persisted next to the active
// generation: the local/global checkpoint, max/min seqNo and op count for
// the active generation, term, translog UUID/generation, the oldest
// generation recovery still needs, and the trim-above marker, if any.
type checkpointFile struct {
	LocalCheckpoint                  uint64  `json:"local_checkpoint"`
	GlobalCheckpoint                 uint64  `json:"global_checkpoint"`
	MaxSeqNo                         uint64  `json:"max_seq_no"`
	MinSeqNo                         uint64  `json:"min_seq_no"`
	NumOps                           uint64  `json:"num_ops"`
	Term                             uint64  `json:"term"`
	TranslogUUID                     string  `json:"translog_uuid"`
	Generation                       uint64  `json:"generation"`
	MinTranslogGenerationForRecovery uint64  `json:"min_translog_generation_for_recovery"`
	TrimmedAboveSeqNo                *uint64 `json:"trimmed_above_seq_no,omitempty"`
}

// writeCheckpoint atomically replaces the checkpoint sidecar file. Grounded
// on the liftbridge commitlog's high-watermark checkpoint file, which uses
// natefinch/atomic's write-then-rename for exactly this kind of small,
// frequently-rewritten sidecar so a crash mid-write never leaves a
// half-written checkpoint behind.
func writeCheckpoint(dir string, cp types.Checkpoint) error {
	cf := checkpointFile{
		LocalCheckpoint:                  cp.LocalCheckpoint,
		GlobalCheckpoint:                 cp.GlobalCheckpoint,
		MaxSeqNo:                         cp.MaxSeqNo,
		MinSeqNo:                         cp.MinSeqNo,
		NumOps:                           cp.NumOps,
		Term:                             cp.Term,
		TranslogUUID:                     cp.TranslogUUID,
		Generation:                       cp.Generation,
		MinTranslogGenerationForRecovery: cp.MinTranslogGenerationForRecovery,
		TrimmedAboveSeqNo:                cp.TrimmedAboveSeqNo,
	}

	data, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := filepath.Join(dir, checkpointFileName)
	return natomic.WriteFile(path, bytes.NewReader(data))
}

// writeGenerationCheckpoint seals a just-closed generation's accounting into
// its own sidecar file, so recovery can inspect a generation's seqNo range
// without re-reading its records.
func writeGenerationCheckpoint(dir string, cp types.Checkpoint) error {
	cf := checkpointFile{
		LocalCheckpoint:                  cp.LocalCheckpoint,
		GlobalCheckpoint:                 cp.GlobalCheckpoint,
		MaxSeqNo:                         cp.MaxSeqNo,
		MinSeqNo:                         cp.MinSeqNo,
		NumOps:                           cp.NumOps,
		Term:                             cp.Term,
		TranslogUUID:                     cp.TranslogUUID,
		Generation:                       cp.Generation,
		MinTranslogGenerationForRecovery: cp.MinTranslogGenerationForRecovery,
		TrimmedAboveSeqNo:                cp.TrimmedAboveSeqNo,
	}
	data, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("marshal generation checkpoint: %w", err)
	}
	return natomic.WriteFile(generationCheckpointPath(dir, cp.Generation), bytes.NewReader(data))
}

func readCheckpoint(dir string) (types.Checkpoint, bool, error) {
	path := filepath.Join(dir, checkpointFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Checkpoint{}, false, nil
		}
		return types.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var cf checkpointFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return types.Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}

	return types.Checkpoint{
		LocalCheckpoint:                  cf.LocalCheckpoint,
		GlobalCheckpoint:                 cf.GlobalCheckpoint,
		MaxSeqNo:                         cf.MaxSeqNo,
		MinSeqNo:                         cf.MinSeqNo,
		NumOps:                           cf.NumOps,
		Term:                             cf.Term,
		TranslogUUID:                     cf.TranslogUUID,
		Generation:                       cf.Generation,
		MinTranslogGenerationForRecovery: cf.MinTranslogGenerationForRecovery,
		TrimmedAboveSeqNo:                cf.TrimmedAboveSeqNo,
	}, true, nil
}
