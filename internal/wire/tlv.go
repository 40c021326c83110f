package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TLV payload primitives for typed command payloads riding inside envelopes.

const fieldHeaderLen = 7

var (
	ErrShortFieldHeader  = errors.New("wire: short tlv field header")
	ErrShortFieldValue   = errors.New("wire: short tlv field value")
	ErrFieldTypeMismatch = errors.New("wire: tlv field type mismatch")
	ErrFieldLength       = errors.New("wire: invalid tlv field length")
)

// FieldType identifies a TLV value encoding.
type FieldType uint8

const (
	FieldUint32 FieldType = 1
	FieldUint64 FieldType = 2
	FieldBool   FieldType = 3
	FieldString FieldType = 4
	FieldBytes  FieldType = 5
)

// Field is one TLV field: u16 id | u8 type | u32 len | value.
type Field struct {
	ID    uint16
	Type  FieldType
	Value []byte
}

func NewFieldUint32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: FieldUint32, Value: buf}
}

func NewFieldUint64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: FieldUint64, Value: buf}
}

func NewFieldBool(id uint16, v bool) Field {
	return Field{ID: id, Type: FieldBool, Value: []byte{boolByte(v)}}
}

func NewFieldString(id uint16, v string) Field {
	return Field{ID: id, Type: FieldString, Value: []byte(v)}
}

func NewFieldBytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: FieldBytes, Value: buf}
}

// Uint32 returns the field value as uint32.
func (f Field) Uint32() (uint32, error) {
	if f.Type != FieldUint32 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 4 {
		return 0, ErrFieldLength
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

// Uint64 returns the field value as uint64.
func (f Field) Uint64() (uint64, error) {
	if f.Type != FieldUint64 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 8 {
		return 0, ErrFieldLength
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

// Bool returns the field value as bool.
func (f Field) Bool() (bool, error) {
	if f.Type != FieldBool {
		return false, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return false, ErrFieldLength
	}
	return byteBool(f.Value[0])
}

// String returns the field value as string.
func (f Field) String() (string, error) {
	if f.Type != FieldString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

// Bytes returns a copy of the field value.
func (f Field) Bytes() ([]byte, error) {
	if f.Type != FieldBytes {
		return nil, ErrFieldTypeMismatch
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}

// EncodeFields serializes fields back to back.
func EncodeFields(fields []Field) []byte {
	total := 0
	for _, f := range fields {
		total += fieldHeaderLen + len(f.Value)
	}
	out := make([]byte, 0, total)
	for _, f := range fields {
		buf := make([]byte, fieldHeaderLen)
		binary.BigEndian.PutUint16(buf[0:2], f.ID)
		buf[2] = byte(f.Type)
		binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
		out = append(out, buf...)
		out = append(out, f.Value...)
	}
	return out
}

// DecodeFields parses a TLV payload into its fields.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	for off := 0; off < len(payload); {
		if len(payload)-off < fieldHeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[off : off+2])
		ft := FieldType(payload[off+2])
		length := binary.BigEndian.Uint32(payload[off+3 : off+7])
		off += fieldHeaderLen
		if uint32(len(payload)-off) < length {
			return nil, ErrShortFieldValue
		}
		value := make([]byte, length)
		copy(value, payload[off:off+int(length)])
		off += int(length)
		fields = append(fields, Field{ID: id, Type: ft, Value: value})
	}
	return fields, nil
}

// GetField returns the first field with the given id.
func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// RequireField returns the field with the given id and type, or an error
// naming the missing or mismatched field.
func RequireField(fields []Field, id uint16, ft FieldType) (Field, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return Field{}, fmt.Errorf("wire: missing required field %d", id)
	}
	if f.Type != ft {
		return Field{}, fmt.Errorf("%w: field %d got %d want %d", ErrFieldTypeMismatch, id, f.Type, ft)
	}
	return f, nil
}
