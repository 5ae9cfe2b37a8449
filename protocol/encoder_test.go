package protocol

import (
	"bytes"
	"testing"
)

func TestPackThenUnpackScalars(t *testing.T) {
	enc := NewEncoder().
		Uint32(0xdeadbeef).
		Int32(-7).
		Uint64(0x0102030405060708).
		CString("hello").
		FixedBuf([]byte{1, 2, 3, 4})

	raw := enc.Encode()
	if len(raw) != enc.Size() {
		t.Fatalf("Size() mismatch: got %d want %d", enc.Size(), len(raw))
	}

	dec := NewDecoder(raw)
	if got := dec.Uint32(); got != 0xdeadbeef {
		t.Fatalf("Uint32 = %x", got)
	}
	if got := dec.Int32(); got != -7 {
		t.Fatalf("Int32 = %d", got)
	}
	if got := dec.Uint64(); got != 0x0102030405060708 {
		t.Fatalf("Uint64 = %x", got)
	}
	if got := dec.CString(); got != "hello" {
		t.Fatalf("CString = %q", got)
	}
	if got := dec.FixedBuf(4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("FixedBuf = %v", got)
	}
	if !dec.CheckCompleted() {
		t.Fatalf("unexpected decode error: %v", dec.Err())
	}
	if dec.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", dec.Remaining())
	}
}

func TestEncodeWithPrefix(t *testing.T) {
	enc := NewEncoder().Uint32(42)
	framed := enc.EncodeWithPrefix()
	if len(framed) != enc.SizeWithPrefix() {
		t.Fatalf("framed len = %d, want %d", len(framed), enc.SizeWithPrefix())
	}
	sz, ok := ReadFrameSize(framed)
	if !ok || sz != enc.Size() {
		t.Fatalf("ReadFrameSize = (%d,%v), want (%d,true)", sz, ok, enc.Size())
	}
}

func TestFixedBufRejectsSizeMismatch(t *testing.T) {
	enc := NewEncoder().FixedBuf([]byte{1, 2, 3})
	dec := NewDecoder(enc.Encode())
	if got := dec.FixedBuf(4); got != nil {
		t.Fatalf("expected nil on size mismatch, got %v", got)
	}
	if dec.CheckCompleted() {
		t.Fatalf("expected decode error on size mismatch")
	}
}

func TestCStringEmptyPayloadOnlyLegalForHello(t *testing.T) {
	// An empty frame body (size 0) is legal only for the hello command; the
	// decoder for any field-bearing command must fail on a short buffer
	// rather than synthesize zero values.
	dec := NewDecoder(nil)
	if got := dec.CString(); got != "" {
		t.Fatalf("CString on empty buffer = %q", got)
	}
	if dec.CheckCompleted() {
		t.Fatalf("expected decode error reading from empty buffer")
	}
}
