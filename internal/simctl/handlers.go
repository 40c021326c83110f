package simctl

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/quillan/sandbus/internal/command"
	"github.com/quillan/sandbus/internal/jsonwire"
)

// Handlers binds the simulation command set to an engine. One instance
// serves both wire formats: Register feeds the binary dispatch table,
// DecodeCommand and Dispatch form the JSON pipeline.
type Handlers struct {
	engine *Engine
}

func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// Register installs the typed binary handlers into reg.
func (h *Handlers) Register(reg *command.Registry) error {
	return multierr.Combine(
		command.Register[Ping](reg, h.handlePing),
		command.Register[CellSet](reg, h.handleCellSet),
		command.Register[WorldResize](reg, h.handleWorldResize),
		command.Register[PhysicsSettingsSet](reg, h.handlePhysicsSettingsSet),
		command.Register[SimStatus](reg, h.handleSimStatus),
	)
}

func (h *Handlers) handlePing(call *command.Call[Ping]) {
	h.routeErr("ping", call.Reply(&Pong{Value: call.Cmd.Value + 1}))
}

func (h *Handlers) handleCellSet(call *command.Call[CellSet]) {
	if err := h.engine.SetCell(call.Cmd.X, call.Cmd.Y, call.Cmd.Material); err != nil {
		h.routeErr("cell_set", call.Fail(err))
		return
	}
	h.routeErr("cell_set", call.Reply(&CellSetResponse{OK: true}))
}

func (h *Handlers) handleWorldResize(call *command.Call[WorldResize]) {
	if err := h.engine.Resize(call.Cmd.Width, call.Cmd.Height); err != nil {
		h.routeErr("world_resize", call.Fail(err))
		return
	}
	w, ht := h.engine.Dimensions()
	h.routeErr("world_resize", call.Reply(&WorldResizeResponse{Width: w, Height: ht}))
}

func (h *Handlers) handlePhysicsSettingsSet(call *command.Call[PhysicsSettingsSet]) {
	h.engine.ApplySettings(call.Cmd.GravityMilli, call.Cmd.Paused, call.Cmd.TickRate)
	h.routeErr("physics_settings_set", call.Reply(&PhysicsSettingsSetResponse{OK: true}))
}

func (h *Handlers) handleSimStatus(call *command.Call[SimStatus]) {
	status := h.engine.Status()
	h.routeErr("sim_status", call.Reply(&status))
}

// routeErr logs a reply that could not reach the wire. The handler already
// ran; nothing left to unwind.
func (h *Handlers) routeErr(cmd string, err error) {
	if err != nil {
		log.Warn().Err(err).Str("command", cmd).Msg("reply not delivered")
	}
}

// DecodeCommand is the jsonwire.Deserializer for the simulation command set.
func (h *Handlers) DecodeCommand(cmd string, body []byte) (any, error) {
	var target any
	switch cmd {
	case "ping":
		target = &Ping{}
	case "cell_set":
		target = &CellSet{}
	case "world_resize":
		target = &WorldResize{}
	case "physics_settings_set":
		target = &PhysicsSettingsSet{}
	case "sim_status":
		target = &SimStatus{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return nil, fmt.Errorf("simctl: decode %s: %w", cmd, err)
	}
	return target, nil
}

// Dispatch is the jsonwire.Dispatcher for the simulation command set. The
// decoded value comes from DecodeCommand, so an unknown type here means the
// two funcs drifted apart.
func (h *Handlers) Dispatch(cmd any, r jsonwire.ReplyRouter) error {
	switch c := cmd.(type) {
	case *Ping:
		return r.Reply((&Pong{}).CommandName(), &Pong{Value: c.Value + 1})
	case *CellSet:
		if err := h.engine.SetCell(c.X, c.Y, c.Material); err != nil {
			return r.Fail(err)
		}
		return r.Reply((&CellSetResponse{}).CommandName(), &CellSetResponse{OK: true})
	case *WorldResize:
		if err := h.engine.Resize(c.Width, c.Height); err != nil {
			return r.Fail(err)
		}
		w, ht := h.engine.Dimensions()
		return r.Reply((&WorldResizeResponse{}).CommandName(), &WorldResizeResponse{Width: w, Height: ht})
	case *PhysicsSettingsSet:
		h.engine.ApplySettings(c.GravityMilli, c.Paused, c.TickRate)
		return r.Reply((&PhysicsSettingsSetResponse{}).CommandName(), &PhysicsSettingsSetResponse{OK: true})
	case *SimStatus:
		status := h.engine.Status()
		return r.Reply(status.CommandName(), &status)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}
