package config

import (
	"time"

	"github.com/quillan/sandbus/internal/transport"
	"github.com/quillan/sandbus/internal/wire"
)

func msOrZero(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// TransportConfig maps the daemon's transport section onto transport
// defaults; zero-valued fields fall through to the package defaults.
func (c DaemonConfig) TransportConfig() transport.Config {
	return transport.Config{
		RequestTimeout: msOrZero(c.Transport.RequestTimeoutMS),
		WriteTimeout:   msOrZero(c.Transport.WriteTimeoutMS),
		PingInterval:   msOrZero(c.Transport.PingIntervalMS),
		PongWait:       msOrZero(c.Transport.PongWaitMS),
	}.WithDefaults()
}

// TransportConfig maps the panel config onto transport client defaults.
func (c PanelConfig) TransportConfig() transport.Config {
	mode := transport.ModeBinary
	if c.Protocol == "json" {
		mode = transport.ModeJSON
	}
	return transport.Config{
		ConnectTimeout:     msOrZero(c.ConnectTimeoutMS),
		RequestTimeout:     msOrZero(c.RequestTimeoutMS),
		MaxConnectAttempts: c.ConnectAttempts,
		ClientMode:         mode,
	}.WithDefaults()
}

// Hello builds the capability hello this panel advertises, or nil for a
// control-only panel.
func (c PanelConfig) Hello() *wire.Hello {
	if !c.WantsRender && !c.WantsEvents {
		return nil
	}
	return &wire.Hello{
		ProtocolVersion: transport.ProtocolVersion,
		WantsRender:     c.WantsRender,
		WantsEvents:     c.WantsEvents,
	}
}
