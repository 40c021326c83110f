package wire

import (
	"encoding/binary"
	"errors"
)

const helloPayloadLen = 6

var (
	ErrInvalidHello     = errors.New("wire: invalid hello payload")
	ErrInvalidHelloBool = errors.New("wire: invalid hello flag value")
)

// Hello is the capability-negotiation record a UI-role peer sends once,
// immediately after connect, as a binary envelope with id 0 and type "hello".
// Control-only clients never send one.
type Hello struct {
	ProtocolVersion uint32
	WantsRender     bool
	WantsEvents     bool
}

// WantsUI reports whether the peer asked for render or event subscriptions.
func (h Hello) WantsUI() bool {
	return h.WantsRender || h.WantsEvents
}

// EncodeHello builds the hello envelope for h.
func EncodeHello(h Hello) Envelope {
	buf := make([]byte, helloPayloadLen)
	binary.BigEndian.PutUint32(buf[0:4], h.ProtocolVersion)
	buf[4] = boolByte(h.WantsRender)
	buf[5] = boolByte(h.WantsEvents)
	return Envelope{ID: 0, Type: HelloType, Payload: buf}
}

// DecodeHello parses a hello payload.
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) != helloPayloadLen {
		return Hello{}, ErrInvalidHello
	}
	wantsRender, err := byteBool(payload[4])
	if err != nil {
		return Hello{}, err
	}
	wantsEvents, err := byteBool(payload[5])
	if err != nil {
		return Hello{}, err
	}
	return Hello{
		ProtocolVersion: binary.BigEndian.Uint32(payload[0:4]),
		WantsRender:     wantsRender,
		WantsEvents:     wantsEvents,
	}, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func byteBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidHelloBool
	}
}
