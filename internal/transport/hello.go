package transport

import (
	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/wire"
)

// handleHello applies the capability-negotiation rules:
//   - protocol version mismatch closes the connection, no reply (the peer
//     would not understand one)
//   - at most one UI connection per server; first registered wins, a
//     second UI hello is closed without evicting the incumbent
//   - control-only peers never reach here; hellos without subscriptions
//     are stored but claim nothing
func (s *Service) handleHello(c *conn, payload []byte) {
	h, err := wire.DecodeHello(payload)
	if err != nil {
		log.Warn().Str("conn", c.id).Err(err).Msg("malformed hello, closing connection")
		c.close()
		return
	}

	if h.ProtocolVersion != s.cfg.ProtocolVersion {
		log.Warn().
			Str("conn", c.id).
			Uint32("peer_version", h.ProtocolVersion).
			Uint32("version", s.cfg.ProtocolVersion).
			Err(ErrVersionMismatch).
			Msg("closing connection")
		c.close()
		return
	}

	if !h.WantsUI() {
		c.setHello(h, "")
		return
	}

	s.mu.Lock()
	taken := s.uiConnID != "" && s.uiConnID != c.id
	if !taken {
		s.uiConnID = c.id
	}
	s.mu.Unlock()

	if taken {
		log.Warn().Str("conn", c.id).Str("ui_conn", s.UIConnectionID()).
			Err(ErrUIConnectionTaken).Msg("closing newcomer")
		c.close()
		return
	}

	renderFormat := ""
	if h.WantsRender {
		renderFormat = DefaultRenderFormat
	}
	c.setHello(h, renderFormat)
	log.Info().
		Str("conn", c.id).
		Bool("wants_render", h.WantsRender).
		Bool("wants_events", h.WantsEvents).
		Msg("ui connection registered")
}
