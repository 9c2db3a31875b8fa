package translog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/types"
)

// generationReader streams records sequentially out of one generation file,
// stopping at the first corrupt or partially-written record instead of
// failing the whole replay.
type generationReader struct {
	file *os.File
}

// openGenerationReader opens a generation file and validates its header
// before any record is read. An empty file is a valid, freshly-created
// generation; a file whose header fails validation is unreadable as a whole.
func openGenerationReader(path, expectedUUID string) (*generationReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, headerSize)
	n, err := io.ReadFull(f, hdr)
	if err != nil {
		f.Close()
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, engineerrors.ErrTranslogCorruption
	}
	if _, _, err := DecodeHeader(hdr, expectedUUID); err != nil {
		f.Close()
		return nil, err
	}

	return &generationReader{file: f}, nil
}

// Next returns the next operation in the generation, io.EOF at a clean end
// of file, or engineerrors.ErrTranslogCorruption if the tail is a partial
// or corrupt record (the caller should treat everything read so far as
// valid and stop there).
func (r *generationReader) Next() (types.Operation, error) {
	lenBuf := make([]byte, recordLenSize)
	if _, err := io.ReadFull(r.file, lenBuf); err != nil {
		if err == io.EOF {
			return types.Operation{}, io.EOF
		}
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}
	recordLen := binary.LittleEndian.Uint64(lenBuf)

	if recordLen < uint64(headerMin) || recordLen > uint64(MaxPayloadSize)+uint64(headerMin)+uint64(MaxDocIDLen) {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}

	rest := make([]byte, recordLen-recordLenSize)
	if _, err := io.ReadFull(r.file, rest); err != nil {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}

	full := append(lenBuf, rest...)
	return DecodeOperation(full)
}

func (r *generationReader) Close() error {
	return r.file.Close()
}

// readAllValid reads every valid record from a generation file, stopping at
// the first corrupt or partial record (used by recovery, which treats the
// valid prefix as the generation's true contents).
func readAllValid(path, expectedUUID string) ([]types.Operation, error) {
	r, err := openGenerationReader(path, expectedUUID)
	if err != nil {
		if os.IsNotExist(err) || err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("open generation %s: %w", path, err)
	}
	defer r.Close()

	var ops []types.Operation
	for {
		op, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Stop at the first corrupt/partial record: everything read so
			// far is the valid prefix of this generation.
			break
		}
		ops = append(ops, op)
	}
	return ops, nil
}
