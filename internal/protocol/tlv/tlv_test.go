package tlv

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestDecodeKeepsUnknownFields(t *testing.T) {
	in := []Field{
		String(1, "termbus:ipc"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	b, err := EncodeFields(in)
	if err != nil {
		t.Fatalf("encode fields: %v", err)
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	if f, ok := Find(out, 1); !ok || string(f.Value) != "termbus:ipc" {
		t.Fatalf("find channel field: %+v ok=%v", f, ok)
	}
	if _, ok := Find(out, 2); ok {
		t.Fatalf("unexpected field 2")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := DecodeFields([]byte{1, 2, 3}); !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{1, 0, TypeString, 5, 0, 'a', 'b'}
	if _, err := DecodeFields(payload); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestSignedFields(t *testing.T) {
	b, err := EncodeFields([]Field{I32(1, -42), I64(2, -1), Bytes(3, nil)})
	if err != nil {
		t.Fatalf("encode fields: %v", err)
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if v, err := out[0].Int32(); err != nil || v != -42 {
		t.Fatalf("i32 mismatch: v=%d err=%v", v, err)
	}
	if v, err := out[1].Int64(); err != nil || v != -1 {
		t.Fatalf("i64 mismatch: v=%d err=%v", v, err)
	}
	if len(out[2].Value) != 0 {
		t.Fatalf("expected empty bytes field, got %d bytes", len(out[2].Value))
	}
	if _, err := out[0].Int64(); !errors.Is(err, ErrFieldType) {
		t.Fatalf("expected type mismatch reading i32 as i64, got %v", err)
	}
	short := Field{ID: 7, Type: TypeI64, Value: []byte{1, 2}}
	if _, err := short.Int64(); !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected short i64 to fail, got %v", err)
	}
}

func TestEncodeRejectsOversizedValue(t *testing.T) {
	_, err := EncodeFields([]Field{String(1, strings.Repeat("x", 1<<16))})
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong, got %v", err)
	}
}
