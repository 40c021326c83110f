// Package jsonwire owns the debug JSON wire contract.
//
// Ownership boundary:
// - request/response/push envelope shapes
// - envelope classification for inbound text frames
// - the injection seam for application-supplied deserialization/dispatch
//
// The binary protocol lives in package wire; a connection's first frame
// picks which one governs its outbound traffic.
package jsonwire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("jsonwire: malformed envelope")
	ErrUnknownShape      = errors.New("jsonwire: neither command nor response")
)

// Kind classifies one inbound JSON message.
type Kind int

const (
	KindRequest  Kind = iota // has "command", id > 0
	KindPush                 // has "command", id == 0
	KindResponse             // has "success", id > 0
)

// Envelope is the parsed header of one JSON message. Body retains the full
// object so the application deserializer can decode command fields from it.
type Envelope struct {
	ID      uint64
	Command string
	Kind    Kind
	Body    []byte
}

// Response is the JSON reply shape.
type Response struct {
	ID           uint64          `json:"id"`
	Success      bool            `json:"success"`
	Value        json.RawMessage `json:"value,omitempty"`
	Error        string          `json:"error,omitempty"`
	ResponseType string          `json:"response_type,omitempty"`
}

// Push is the JSON form of an unsolicited server-to-client message.
type Push struct {
	ID      uint64 `json:"id"`
	Command string `json:"command"`
	Data    []byte `json:"data,omitempty"`
	Format  string `json:"format,omitempty"`
}

type header struct {
	ID      uint64 `json:"id"`
	Command string `json:"command"`
	Success *bool  `json:"success"`
}

// Parse classifies one JSON text frame and extracts its header.
func Parse(text []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(text, &h); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env := Envelope{ID: h.ID, Command: h.Command, Body: text}
	switch {
	case h.Command != "" && h.ID > 0:
		env.Kind = KindRequest
	case h.Command != "":
		env.Kind = KindPush
	case h.Success != nil && h.ID > 0:
		env.Kind = KindResponse
	default:
		return Envelope{}, ErrUnknownShape
	}
	return env, nil
}

// ParseResponse decodes a full response envelope.
func ParseResponse(text []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(text, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return resp, nil
}

// MarshalSuccess builds a success reply for id.
func MarshalSuccess(id uint64, responseType string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Response{
		ID:           id,
		Success:      true,
		Value:        raw,
		ResponseType: responseType,
	})
}

// MarshalFailure builds an error reply for id. It never fails: the shape
// holds only primitives.
func MarshalFailure(id uint64, message string) []byte {
	out, _ := json.Marshal(Response{ID: id, Success: false, Error: message})
	return out
}

// ReplyRouter routes one JSON reply back to the requesting connection. The
// transport binds implementations to the connection and correlation ID
// observed at dispatch time.
type ReplyRouter interface {
	// ID returns the correlation ID being answered.
	ID() uint64
	// Reply sends a success response of the named type.
	Reply(responseType string, value any) error
	// Fail sends a best-effort error response.
	Fail(err error) error
}

// Deserializer decodes the body of one JSON command into its typed value.
// Supplied by the application layer at service-configuration time.
type Deserializer func(command string, body []byte) (any, error)

// Dispatcher invokes the right typed handler for a decoded command and
// routes the reply. Supplied alongside the Deserializer.
type Dispatcher func(cmd any, r ReplyRouter) error
