// Package tlv encodes the typed fields that make up a command payload.
//
// Each field is id u16, type u8, length u16, then length value bytes, little
// endian. Decoders keep fields they do not recognise.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const HeaderLen = 5

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrFieldTooLong     = errors.New("tlv: field value too long")
	ErrFieldType        = errors.New("tlv: field type mismatch")
)

const (
	TypeI32    uint8 = 1
	TypeI64    uint8 = 2
	TypeString uint8 = 3
	TypeBytes  uint8 = 4
)

// Field is one decoded field. Value aliases the payload it was decoded from.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), v...)}
}

func I32(id uint16, v int32) Field {
	return Field{ID: id, Type: TypeI32, Value: binary.LittleEndian.AppendUint32(nil, uint32(v))}
}

func I64(id uint16, v int64) Field {
	return Field{ID: id, Type: TypeI64, Value: binary.LittleEndian.AppendUint64(nil, uint64(v))}
}

// Expect fails unless f carries the given type.
func (f Field) Expect(typ uint8) error {
	if f.Type != typ {
		return fmt.Errorf("%w: field %d has type %d, want %d", ErrFieldType, f.ID, f.Type, typ)
	}
	return nil
}

func (f Field) Int32() (int32, error) {
	if err := f.Expect(TypeI32); err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: field %d i32 length %d", ErrShortFieldValue, f.ID, len(f.Value))
	}
	return int32(binary.LittleEndian.Uint32(f.Value)), nil
}

func (f Field) Int64() (int64, error) {
	if err := f.Expect(TypeI64); err != nil {
		return 0, err
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("%w: field %d i64 length %d", ErrShortFieldValue, f.ID, len(f.Value))
	}
	return int64(binary.LittleEndian.Uint64(f.Value)), nil
}

// EncodeFields concatenates fields in order.
func EncodeFields(fields []Field) ([]byte, error) {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		if len(f.Value) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: field %d is %d bytes", ErrFieldTooLong, f.ID, len(f.Value))
		}
		out = binary.LittleEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out, nil
}

func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	for len(payload) > 0 {
		if len(payload) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.LittleEndian.Uint16(payload[0:2])
		typ := payload[2]
		n := int(binary.LittleEndian.Uint16(payload[3:5]))
		payload = payload[HeaderLen:]
		if len(payload) < n {
			return nil, fmt.Errorf("%w: field %d wants %d bytes, %d left", ErrShortFieldValue, id, n, len(payload))
		}
		fields = append(fields, Field{ID: id, Type: typ, Value: payload[:n:n]})
		payload = payload[n:]
	}
	return fields, nil
}

// Find returns the first field with id.
func Find(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
