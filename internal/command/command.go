// Package command owns typed command registration and name-keyed dispatch.
//
// Ownership boundary:
// - Message codec contract for typed command/response pairs
// - type-erased handler table built once at service setup
// - the one-reply-per-call contract on handler authors
//
// Payload transport and framing stay with the transport service; this
// package only decodes payloads into typed commands and routes replies
// through the router recorded at dispatch time.
package command

import "errors"

var (
	ErrNoHandler    = errors.New("command: no handler registered for message type")
	ErrDecodeFailed = errors.New("command: payload decode failed")
	ErrNilHandler   = errors.New("command: nil handler")
)

// Message is a named wire payload with a binary payload codec. The name is
// both the dispatch key and the JSON "command"/"response_type" value, so it
// must be stable across peers.
type Message interface {
	CommandName() string
	MarshalPayload() ([]byte, error)
	UnmarshalPayload(payload []byte) error
}

// RouteFunc delivers the reply for one dispatched command. The transport
// binds it to the correlation ID and protocol mode observed at dispatch
// time; resp is nil when the handler failed.
type RouteFunc func(resp Message, handlerErr error) error
