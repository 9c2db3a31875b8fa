package translog

import (
	"testing"

	"github.com/docshard/shardkernel/internal/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	op := types.Operation{
		Kind: types.OpIndex, DocID: "doc-1", SeqNo: 42, Term: 3, Version: 7,
		Source: []byte(`{"a":1}`),
	}

	encoded, err := EncodeOperation(op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeOperation(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.DocID != op.DocID || decoded.SeqNo != op.SeqNo || decoded.Term != op.Term || decoded.Version != op.Version {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, op)
	}
	if string(decoded.Source) != string(op.Source) {
		t.Fatalf("payload mismatch: got %q, want %q", decoded.Source, op.Source)
	}
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	op := types.Operation{Kind: types.OpDelete, DocID: "doc-1", SeqNo: 1, Term: 1, Version: 1}
	encoded, err := EncodeOperation(op)
	if err != nil {
		t.Fatal(err)
	}

	encoded[len(encoded)-1] ^= 0xFF // flip a bit in the CRC field

	if _, err := DecodeOperation(encoded); err == nil {
		t.Fatal("expected corruption error, got nil")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	const id = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	hdr, err := EncodeHeader(id, 42, 3)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}

	gcp, minGen, err := DecodeHeader(hdr, id)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if gcp != 42 || minGen != 3 {
		t.Fatalf("header round trip mismatch: gcp=%d minGen=%d", gcp, minGen)
	}

	if _, _, err := DecodeHeader(hdr, "6ba7b810-9dad-11d1-80b4-00c04fd430c9"); err == nil {
		t.Fatal("expected uuid mismatch to be rejected")
	}

	hdr[0] ^= 0xFF
	if _, _, err := DecodeHeader(hdr, id); err == nil {
		t.Fatal("expected corrupt magic to be rejected")
	}
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	op := types.Operation{Kind: types.OpIndex, DocID: "doc-1", SeqNo: 1, Term: 1, Version: 1, Source: []byte("hello")}
	encoded, err := EncodeOperation(op)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecodeOperation(encoded[:len(encoded)-3]); err == nil {
		t.Fatal("expected error decoding truncated record, got nil")
	}
}
