package transport

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/jsonwire"
	"github.com/quillan/sandbus/internal/observability"
	"github.com/quillan/sandbus/internal/wire"
)

// Push message types for unsolicited server-to-client traffic.
const (
	EventPushType  = "event"
	RenderPushType = "render"
)

// pushTo frames data as an id-0 push in the connection's own mode.
func (s *Service) pushTo(c *conn, msgType, format string, data []byte) error {
	switch c.Mode() {
	case ModeJSON:
		body, err := json.Marshal(jsonwire.Push{ID: 0, Command: msgType, Data: data, Format: format})
		if err != nil {
			return err
		}
		observability.RecordMessage("out", ModeJSON.String())
		return c.writeText(body)
	default:
		observability.RecordMessage("out", ModeBinary.String())
		return c.writeBinary(wire.Encode(wire.Envelope{ID: 0, Type: msgType, Payload: data}))
	}
}

// BroadcastBinary pushes data to every open connection whose hello
// subscribed to events, and to no others.
func (s *Service) BroadcastBinary(data []byte) int {
	observability.RecordBroadcast("event")
	delivered := 0
	for _, c := range s.liveConns() {
		if !c.wantsEvents() {
			continue
		}
		if err := s.pushTo(c, EventPushType, "", data); err != nil {
			log.Debug().Str("conn", c.id).Err(err).Msg("event broadcast skipped dead connection")
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastRenderMessage pushes one render frame to the connections whose
// hello subscribed to rendering in the given format.
func (s *Service) BroadcastRenderMessage(format string, data []byte) int {
	observability.RecordBroadcast("render")
	delivered := 0
	for _, c := range s.liveConns() {
		if !c.wantsRender() || c.renderFmt() != format {
			continue
		}
		if err := s.pushTo(c, RenderPushType, format, data); err != nil {
			log.Debug().Str("conn", c.id).Err(err).Msg("render broadcast skipped dead connection")
			continue
		}
		delivered++
	}
	return delivered
}

// SendToClient pushes data to one connection by ID.
func (s *Service) SendToClient(connID string, data []byte) error {
	c, err := s.connByID(connID)
	if err != nil {
		return err
	}
	return s.pushTo(c, EventPushType, "", data)
}
