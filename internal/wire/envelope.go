package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// headerLen is id(8) + type_len(2); payload_len(4) follows the type bytes.
	headerLen = 10

	// ResponseSuffix marks a message type as a reply to a prior request.
	ResponseSuffix = "_response"

	// HelloType is the reserved handshake message type.
	HelloType = "hello"

	// ErrorResponseType carries a synthesized error reply for a failed dispatch.
	ErrorResponseType = "error_response"
)

var (
	ErrShortHeader     = errors.New("wire: short envelope header")
	ErrTypeTooLong     = errors.New("wire: message type too long")
	ErrTruncated       = errors.New("wire: truncated envelope")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrTrailingBytes   = errors.New("wire: trailing bytes after payload")
)

// Limits constrains envelope decode memory use.
type Limits struct {
	MaxTypeBytes    uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxTypeBytes:    1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// Envelope is one complete wire message. ID 0 marks a one-way push;
// ID > 0 marks a request or the matching response.
type Envelope struct {
	ID      uint64
	Type    string
	Payload []byte
}

// IsPush reports whether no response is expected for this envelope.
func (e Envelope) IsPush() bool {
	return e.ID == 0
}

// IsResponse reports whether the envelope is a reply to a prior request.
func (e Envelope) IsResponse() bool {
	return e.ID > 0 && (strings.HasSuffix(e.Type, ResponseSuffix) || e.Type == ErrorResponseType)
}

// DecodeError reports where and why envelope decoding failed.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode failed at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(offset int, err error) error {
	return &DecodeError{Offset: offset, Err: err}
}

// Validate checks e's lengths against limits so Decode(Encode(e)) round
// trips. Send paths call it before Encode; envelopes beyond the u16 type /
// u32 payload length fields cannot be framed at all.
func (e Envelope) Validate(limits Limits) error {
	if uint64(len(e.Type)) > limits.MaxTypeBytes || len(e.Type) > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrTypeTooLong, len(e.Type))
	}
	if uint64(len(e.Payload)) > limits.MaxPayloadBytes || uint64(len(e.Payload)) > 0xffffffff {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.Payload))
	}
	return nil
}

// Encode serializes e. The caller holds the Validate bounds: length fields
// are u16/u32 on the wire, so an envelope past them does not round trip.
// Wire layout, big-endian: u64 id | u16 type_len | type | u32 payload_len | payload.
func Encode(e Envelope) []byte {
	buf := make([]byte, headerLen+len(e.Type)+4+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:8], e.ID)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(e.Type)))
	copy(buf[headerLen:], e.Type)
	off := headerLen + len(e.Type)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.Payload)))
	copy(buf[off+4:], e.Payload)
	return buf
}

// Decode parses one envelope from b, validating every length against limits.
// Malformed input yields a *DecodeError, never a panic.
func Decode(b []byte, limits Limits) (Envelope, error) {
	if len(b) < headerLen {
		return Envelope{}, decodeErr(0, ErrShortHeader)
	}
	id := binary.BigEndian.Uint64(b[0:8])
	typeLen := int(binary.BigEndian.Uint16(b[8:10]))
	if uint64(typeLen) > limits.MaxTypeBytes {
		return Envelope{}, decodeErr(8, ErrTypeTooLong)
	}
	off := headerLen
	if len(b)-off < typeLen+4 {
		return Envelope{}, decodeErr(off, ErrTruncated)
	}
	msgType := string(b[off : off+typeLen])
	off += typeLen
	payloadLen := uint64(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if payloadLen > limits.MaxPayloadBytes {
		return Envelope{}, decodeErr(off-4, ErrPayloadTooLarge)
	}
	if uint64(len(b)-off) < payloadLen {
		return Envelope{}, decodeErr(off, ErrTruncated)
	}
	end := off + int(payloadLen)
	if end != len(b) {
		return Envelope{}, decodeErr(end, ErrTrailingBytes)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, b[off:end])
	}
	return Envelope{ID: id, Type: msgType, Payload: payload}, nil
}
