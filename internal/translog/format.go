package translog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/docshard/shardkernel/internal/engineerrors"
	"github.com/docshard/shardkernel/internal/types"
)

var byteOrder = binary.LittleEndian

// Generation header layout (little endian):
//
//	[4 magic] [4 formatVersion] [16 translog uuid] [8 initialGlobalCheckpoint]
//	[8 minGenForRecovery]
const (
	headerMagic   uint32 = 0xE50FC0DE
	formatVersion uint32 = 1
	headerSize           = 4 + 4 + 16 + 8 + 8
)

// EncodeHeader serializes a generation file header. The uuid binds the file
// to this translog so a commit's checkpoint can never be paired with a
// stranger's generations.
func EncodeHeader(translogUUID string, initialGlobalCheckpoint, minGenForRecovery uint64) ([]byte, error) {
	id, err := uuid.Parse(translogUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize)
	byteOrder.PutUint32(buf[0:], headerMagic)
	byteOrder.PutUint32(buf[4:], formatVersion)
	copy(buf[8:24], id[:])
	byteOrder.PutUint64(buf[24:], initialGlobalCheckpoint)
	byteOrder.PutUint64(buf[32:], minGenForRecovery)
	return buf, nil
}

// DecodeHeader validates a generation header against the expected uuid
// (skipped when expectedUUID is empty) and returns the initial global
// checkpoint and min recovery generation it recorded.
func DecodeHeader(data []byte, expectedUUID string) (initialGlobalCheckpoint, minGenForRecovery uint64, err error) {
	if len(data) < headerSize {
		return 0, 0, engineerrors.ErrTranslogCorruption
	}
	if byteOrder.Uint32(data[0:]) != headerMagic {
		return 0, 0, engineerrors.ErrTranslogCorruption
	}
	if byteOrder.Uint32(data[4:]) != formatVersion {
		return 0, 0, engineerrors.ErrTranslogCorruption
	}
	if expectedUUID != "" {
		want, perr := uuid.Parse(expectedUUID)
		if perr != nil {
			return 0, 0, perr
		}
		var got uuid.UUID
		copy(got[:], data[8:24])
		if got != want {
			return 0, 0, engineerrors.ErrTranslogMissing
		}
	}
	return byteOrder.Uint64(data[24:]), byteOrder.Uint64(data[32:]), nil
}

// Record layout (little endian):
//
//	[8  recordLen] [8 seqNo] [8 term] [8 version] [1 opKind]
//	[2 docIDLen] [docID bytes] [4 payloadLen] [4 payloadCRC]
//	[payload bytes] [4 recordCRC]
const (
	recordLenSize  = 8
	seqNoSize      = 8
	termSize       = 8
	versionSize    = 8
	opKindSize     = 1
	docIDLenSize   = 2
	payloadLenSize = 4
	payloadCRCSize = 4
	crcSize        = 4

	headerMin = recordLenSize + seqNoSize + termSize + versionSize + opKindSize + docIDLenSize + payloadLenSize + payloadCRCSize + crcSize

	// MaxPayloadSize bounds a single operation's source payload.
	MaxPayloadSize = 64 * 1024 * 1024
	// MaxDocIDLen bounds the docId length.
	MaxDocIDLen = 1024
)

// EncodeOperation serializes an Operation into a single translog record.
func EncodeOperation(op types.Operation) ([]byte, error) {
	docIDBytes := []byte(op.DocID)
	if len(docIDBytes) > MaxDocIDLen {
		return nil, engineerrors.ErrIOError
	}
	if len(op.Source) > MaxPayloadSize {
		return nil, engineerrors.ErrIOError
	}

	payloadCRC := uint32(0)
	if len(op.Source) > 0 {
		payloadCRC = crc32.ChecksumIEEE(op.Source)
	}

	totalLen := uint64(headerMin + len(docIDBytes) + len(op.Source))
	buf := make([]byte, totalLen)

	off := 0
	byteOrder.PutUint64(buf[off:], totalLen)
	off += recordLenSize
	byteOrder.PutUint64(buf[off:], op.SeqNo)
	off += seqNoSize
	byteOrder.PutUint64(buf[off:], op.Term)
	off += termSize
	byteOrder.PutUint64(buf[off:], op.Version)
	off += versionSize
	buf[off] = byte(op.Kind)
	off += opKindSize
	byteOrder.PutUint16(buf[off:], uint16(len(docIDBytes)))
	off += docIDLenSize
	copy(buf[off:], docIDBytes)
	off += len(docIDBytes)
	byteOrder.PutUint32(buf[off:], uint32(len(op.Source)))
	off += payloadLenSize
	byteOrder.PutUint32(buf[off:], payloadCRC)
	off += payloadCRCSize
	if len(op.Source) > 0 {
		copy(buf[off:], op.Source)
		off += len(op.Source)
	}

	crc := crc32.ChecksumIEEE(buf[:off])
	byteOrder.PutUint32(buf[off:], crc)

	return buf, nil
}

// DecodeOperation parses a single record previously produced by
// EncodeOperation, validating both the record CRC and payload CRC.
func DecodeOperation(data []byte) (types.Operation, error) {
	if len(data) < headerMin {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}

	off := 0
	recordLen := byteOrder.Uint64(data[off:])
	off += recordLenSize
	if uint64(len(data)) != recordLen {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}

	storedCRC := byteOrder.Uint32(data[len(data)-crcSize:])
	computedCRC := crc32.ChecksumIEEE(data[:len(data)-crcSize])
	if storedCRC != computedCRC {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}

	seqNo := byteOrder.Uint64(data[off:])
	off += seqNoSize
	term := byteOrder.Uint64(data[off:])
	off += termSize
	version := byteOrder.Uint64(data[off:])
	off += versionSize
	kind := types.OpKind(data[off])
	off += opKindSize

	docIDLen := int(byteOrder.Uint16(data[off:]))
	off += docIDLenSize
	if off+docIDLen > len(data) {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}
	docID := string(data[off : off+docIDLen])
	off += docIDLen

	if off+payloadLenSize+payloadCRCSize > len(data) {
		return types.Operation{}, engineerrors.ErrTranslogCorruption
	}
	payloadLen := int(byteOrder.Uint32(data[off:]))
	off += payloadLenSize
	payloadCRC := byteOrder.Uint32(data[off:])
	off += payloadCRCSize

	var payload []byte
	if payloadLen > 0 {
		if off+payloadLen > len(data) {
			return types.Operation{}, engineerrors.ErrTranslogCorruption
		}
		payload = make([]byte, payloadLen)
		copy(payload, data[off:off+payloadLen])
		if crc32.ChecksumIEEE(payload) != payloadCRC {
			return types.Operation{}, engineerrors.ErrTranslogCorruption
		}
	}

	return types.Operation{
		Kind:    kind,
		DocID:   docID,
		SeqNo:   seqNo,
		Term:    term,
		Version: version,
		Source:  payload,
	}, nil
}
