package transport

import (
	"errors"
	"fmt"
)

var (
	ErrConnectFailed     = errors.New("transport: connect failed")
	ErrConnectTimeout    = errors.New("transport: connect timed out")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrAlreadyConnected  = errors.New("transport: already connected")
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrListenFailed      = errors.New("transport: listen failed")
	ErrAlreadyListening  = errors.New("transport: already listening")
	ErrVersionMismatch   = errors.New("transport: hello protocol version mismatch")
	ErrUIConnectionTaken = errors.New("transport: ui connection already registered")
	ErrJSONNotConfigured = errors.New("transport: json protocol not configured")
	ErrServiceClosed     = errors.New("transport: service closed")
)

// RemoteError is a peer-reported failure for one correlated request.
type RemoteError struct {
	Code        uint32
	Message     string
	RequestType string
}

func (e *RemoteError) Error() string {
	if e.RequestType != "" {
		return fmt.Sprintf("transport: remote error (code=%d, request=%s): %s", e.Code, e.RequestType, e.Message)
	}
	return fmt.Sprintf("transport: remote error (code=%d): %s", e.Code, e.Message)
}
