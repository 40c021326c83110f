package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/command"
	"github.com/quillan/sandbus/internal/jsonwire"
	"github.com/quillan/sandbus/internal/observability"
	"github.com/quillan/sandbus/internal/pending"
	"github.com/quillan/sandbus/internal/wire"
)

// readLoop owns the socket: it is the only reader, and its exit is the
// disconnect event that sweeps the connection's registry entries.
func (s *Service) readLoop(c *conn) {
	defer func() {
		s.dropConn(c)
		observability.ConnectionClosed()
		log.Info().Str("conn", c.id).Msg("connection closed")
	}()

	if s.cfg.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		})
	}

	for {
		frameType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("conn", c.id).Err(err).Msg("socket read failed")
			}
			return
		}
		if s.cfg.PongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}
		switch frameType {
		case websocket.BinaryMessage:
			s.handleFrame(c, ModeBinary, data)
		case websocket.TextMessage:
			s.handleFrame(c, ModeJSON, data)
		}
	}
}

// handleFrame processes one inbound frame. Nothing thrown by handlers or
// codecs may escape into the socket loop. Handler panics are recovered at
// the dispatch sites, where the correlation ID is in scope for an error
// reply; this recover is the last resort for codec bugs.
func (s *Service) handleFrame(c *conn, frameMode Mode, data []byte) {
	c.setModeIfUnset(frameMode)
	observability.RecordMessage("in", frameMode.String())

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("conn", c.id).Interface("panic", r).Msg("frame handling panic recovered")
		}
	}()

	// Mode governs outbound framing only; every inbound frame is decoded
	// per its own kind.
	if frameMode == ModeBinary {
		s.handleBinary(c, data)
		return
	}
	s.handleText(c, data)
}

func (s *Service) handleBinary(c *conn, data []byte) {
	env, err := wire.Decode(data, s.cfg.Limits)
	if err != nil {
		log.Warn().Str("conn", c.id).Err(err).Msg("malformed binary envelope")
		observability.RecordDispatchError("malformed_envelope")
		return
	}

	switch {
	case env.Type == wire.HelloType && env.ID == 0:
		s.handleHello(c, env.Payload)
	case env.IsResponse():
		s.fulfillBinary(env)
	case env.IsPush() && !s.handlers.Handles(env.Type):
		s.deliverPush(env.Type, env.Payload)
	default:
		s.dispatchBinary(c, env)
	}
}

func (s *Service) fulfillBinary(env wire.Envelope) {
	if env.Type == wire.ErrorResponseType {
		we, err := wire.DecodeErrorPayload(env.Payload)
		if err != nil {
			log.Warn().Uint64("id", env.ID).Err(err).Msg("malformed error response payload")
			we = wire.WireError{Message: "malformed error response"}
		}
		s.pending.Fail(env.ID, &RemoteError{Code: we.Code, Message: we.Message, RequestType: we.RequestType})
		return
	}
	s.pending.Fulfill(env.ID, pending.Result{Binary: env.Payload})
}

func (s *Service) dispatchBinary(c *conn, env wire.Envelope) {
	start := time.Now()
	route := s.binaryRoute(c, env.ID, env.Type)
	defer func() {
		if r := recover(); r != nil {
			observability.RecordDispatchError("handler_panic")
			log.Error().Str("conn", c.id).Str("type", env.Type).Uint64("id", env.ID).
				Interface("panic", r).Msg("handler panic recovered")
			s.synthesizeBinaryError(c, env.ID, wire.WireError{
				Code: wire.ErrCodeHandlerFailed, Message: fmt.Sprintf("handler panic: %v", r), RequestType: env.Type,
			})
		}
	}()
	err := s.handlers.Dispatch(env.Type, env.Payload, route)
	if err == nil {
		observability.RecordDispatch(env.Type, "ok", time.Since(start))
		return
	}

	switch {
	case errors.Is(err, command.ErrNoHandler):
		observability.RecordDispatchError("no_handler")
		s.synthesizeBinaryError(c, env.ID, wire.WireError{
			Code: wire.ErrCodeNoHandler, Message: err.Error(), RequestType: env.Type,
		})
	case errors.Is(err, command.ErrDecodeFailed):
		observability.RecordDispatchError("decode_failed")
		s.synthesizeBinaryError(c, env.ID, wire.WireError{
			Code: wire.ErrCodeDecodeFailed, Message: err.Error(), RequestType: env.Type,
		})
	default:
		observability.RecordDispatchError("dispatch_failed")
	}
	log.Warn().Str("conn", c.id).Str("type", env.Type).Uint64("id", env.ID).Err(err).Msg("dispatch failed")
}

// synthesizeBinaryError sends a best-effort error reply when a correlation
// ID exists; pushes get nothing to answer to.
func (s *Service) synthesizeBinaryError(c *conn, id uint64, we wire.WireError) {
	if id == 0 {
		return
	}
	if err := c.writeBinary(wire.Encode(wire.EncodeErrorEnvelope(id, we))); err != nil {
		log.Debug().Str("conn", c.id).Err(err).Msg("error reply not delivered")
	}
}

// binaryRoute binds a dispatch reply to the correlation ID and the binary
// framing observed at dispatch time.
func (s *Service) binaryRoute(c *conn, id uint64, reqType string) command.RouteFunc {
	return func(resp command.Message, handlerErr error) error {
		if handlerErr != nil {
			s.synthesizeBinaryError(c, id, wire.WireError{
				Code: wire.ErrCodeHandlerFailed, Message: handlerErr.Error(), RequestType: reqType,
			})
			return nil
		}
		if id == 0 {
			// Push commands carry no reply address.
			return nil
		}
		payload, err := resp.MarshalPayload()
		if err != nil {
			return err
		}
		observability.RecordMessage("out", ModeBinary.String())
		return c.writeBinary(wire.Encode(wire.Envelope{ID: id, Type: resp.CommandName(), Payload: payload}))
	}
}

// ----------------------------------------------------------------------------
// JSON frames
// ----------------------------------------------------------------------------

func (s *Service) handleText(c *conn, data []byte) {
	env, err := jsonwire.Parse(data)
	if err != nil {
		log.Warn().Str("conn", c.id).Err(err).Msg("malformed json envelope")
		observability.RecordDispatchError("malformed_envelope")
		return
	}

	switch env.Kind {
	case jsonwire.KindResponse:
		s.pending.Fulfill(env.ID, pending.Result{Text: env.Body, IsText: true})
	case jsonwire.KindPush:
		// Without a JSON pipeline the push handler is the only consumer,
		// mirroring the binary path's unhandled-push delivery.
		if _, _, ok := s.jsonPipeline(); !ok {
			s.deliverJSONPush(c, env)
			return
		}
		s.dispatchJSON(c, env)
	case jsonwire.KindRequest:
		s.dispatchJSON(c, env)
	}
}

func (s *Service) deliverJSONPush(c *conn, env jsonwire.Envelope) {
	var push jsonwire.Push
	if err := json.Unmarshal(env.Body, &push); err != nil {
		log.Warn().Str("conn", c.id).Str("command", env.Command).Err(err).Msg("malformed json push")
		return
	}
	s.deliverPush(push.Command, push.Data)
}

func (s *Service) dispatchJSON(c *conn, env jsonwire.Envelope) {
	deserialize, dispatch, ok := s.jsonPipeline()
	if !ok {
		log.Warn().Str("conn", c.id).Str("command", env.Command).Msg("json pipeline not configured")
		observability.RecordDispatchError("json_not_configured")
		if env.ID > 0 {
			_ = c.writeText(jsonwire.MarshalFailure(env.ID, ErrJSONNotConfigured.Error()))
		}
		return
	}

	start := time.Now()
	router := &jsonRouter{conn: c, id: env.ID}
	defer func() {
		if r := recover(); r != nil {
			observability.RecordDispatchError("handler_panic")
			log.Error().Str("conn", c.id).Str("command", env.Command).Uint64("id", env.ID).
				Interface("panic", r).Msg("handler panic recovered")
			if env.ID > 0 {
				_ = router.Fail(fmt.Errorf("handler panic: %v", r))
			}
		}
	}()
	cmd, err := deserialize(env.Command, env.Body)
	if err == nil {
		err = dispatch(cmd, router)
	}
	if err != nil {
		observability.RecordDispatchError("json_dispatch_failed")
		log.Warn().Str("conn", c.id).Str("command", env.Command).Err(err).Msg("json dispatch failed")
		if env.ID > 0 {
			_ = router.Fail(err)
		}
		return
	}
	observability.RecordDispatch(env.Command, "ok", time.Since(start))
}

// jsonRouter is the reply route handed to the application's JSON
// dispatcher, bound to the requesting connection and correlation ID.
type jsonRouter struct {
	conn *conn
	id   uint64
}

func (r *jsonRouter) ID() uint64 {
	return r.id
}

func (r *jsonRouter) Reply(responseType string, value any) error {
	if r.id == 0 {
		return nil
	}
	body, err := jsonwire.MarshalSuccess(r.id, responseType, value)
	if err != nil {
		return err
	}
	observability.RecordMessage("out", ModeJSON.String())
	return r.conn.writeText(body)
}

func (r *jsonRouter) Fail(err error) error {
	if r.id == 0 {
		return nil
	}
	return r.conn.writeText(jsonwire.MarshalFailure(r.id, err.Error()))
}

var _ jsonwire.ReplyRouter = (*jsonRouter)(nil)
