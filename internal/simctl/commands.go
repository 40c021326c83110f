// Package simctl owns the simulation control command set: the typed wire
// boundary between the transport core and the physics engine, panel, and
// process manager.
//
// Ownership boundary:
// - command/response payload codecs (TLV binary + JSON forms)
// - the JSON deserializer/dispatcher pair injected into the transport
//
// Engine semantics stay with their owners; these types only move state
// across the socket.
package simctl

import (
	"errors"
	"fmt"

	"github.com/quillan/sandbus/internal/wire"
)

var ErrUnknownCommand = errors.New("simctl: unknown command")

// Field IDs shared by the command payloads.
const (
	fieldValue    uint16 = 1
	fieldX        uint16 = 2
	fieldY        uint16 = 3
	fieldMaterial uint16 = 4
	fieldWidth    uint16 = 5
	fieldHeight   uint16 = 6
	fieldGravity  uint16 = 7
	fieldPaused   uint16 = 8
	fieldTickRate uint16 = 9
	fieldRunning  uint16 = 10
	fieldTick     uint16 = 11
	fieldOK       uint16 = 12
)

// Ping asks the peer to answer with value+1. Used by the process manager's
// health checks and the echo tests.
type Ping struct {
	Value uint32 `json:"value"`
}

func (p *Ping) CommandName() string { return "ping" }

func (p *Ping) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{wire.NewFieldUint32(fieldValue, p.Value)}), nil
}

func (p *Ping) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	f, err := wire.RequireField(fields, fieldValue, wire.FieldUint32)
	if err != nil {
		return err
	}
	p.Value, err = f.Uint32()
	return err
}

// Pong is the ping reply.
type Pong struct {
	Value uint32 `json:"value"`
}

func (p *Pong) CommandName() string { return "ping" + wire.ResponseSuffix }

func (p *Pong) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{wire.NewFieldUint32(fieldValue, p.Value)}), nil
}

func (p *Pong) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	f, err := wire.RequireField(fields, fieldValue, wire.FieldUint32)
	if err != nil {
		return err
	}
	p.Value, err = f.Uint32()
	return err
}

// CellSet places one material cell into the world.
type CellSet struct {
	X        uint32 `json:"x"`
	Y        uint32 `json:"y"`
	Material string `json:"material"`
}

func (c *CellSet) CommandName() string { return "cell_set" }

func (c *CellSet) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{
		wire.NewFieldUint32(fieldX, c.X),
		wire.NewFieldUint32(fieldY, c.Y),
		wire.NewFieldString(fieldMaterial, c.Material),
	}), nil
}

func (c *CellSet) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	if c.X, err = requireUint32(fields, fieldX); err != nil {
		return err
	}
	if c.Y, err = requireUint32(fields, fieldY); err != nil {
		return err
	}
	mat, err := wire.RequireField(fields, fieldMaterial, wire.FieldString)
	if err != nil {
		return err
	}
	c.Material, _ = mat.String()
	return nil
}

// CellSetResponse acknowledges one cell placement.
type CellSetResponse struct {
	OK bool `json:"ok"`
}

func (c *CellSetResponse) CommandName() string { return "cell_set" + wire.ResponseSuffix }

func (c *CellSetResponse) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{wire.NewFieldBool(fieldOK, c.OK)}), nil
}

func (c *CellSetResponse) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	f, err := wire.RequireField(fields, fieldOK, wire.FieldBool)
	if err != nil {
		return err
	}
	c.OK, err = f.Bool()
	return err
}

// WorldResize changes the simulation grid dimensions.
type WorldResize struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (w *WorldResize) CommandName() string { return "world_resize" }

func (w *WorldResize) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{
		wire.NewFieldUint32(fieldWidth, w.Width),
		wire.NewFieldUint32(fieldHeight, w.Height),
	}), nil
}

func (w *WorldResize) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	if w.Width, err = requireUint32(fields, fieldWidth); err != nil {
		return err
	}
	w.Height, err = requireUint32(fields, fieldHeight)
	return err
}

// WorldResizeResponse reports the applied dimensions.
type WorldResizeResponse struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (w *WorldResizeResponse) CommandName() string { return "world_resize" + wire.ResponseSuffix }

func (w *WorldResizeResponse) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{
		wire.NewFieldUint32(fieldWidth, w.Width),
		wire.NewFieldUint32(fieldHeight, w.Height),
	}), nil
}

func (w *WorldResizeResponse) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	if w.Width, err = requireUint32(fields, fieldWidth); err != nil {
		return err
	}
	w.Height, err = requireUint32(fields, fieldHeight)
	return err
}

// PhysicsSettingsSet tunes the stepper. Gravity is milli-g to keep the
// payload integer-only.
type PhysicsSettingsSet struct {
	GravityMilli uint32 `json:"gravity_milli"`
	Paused       bool   `json:"paused"`
	TickRate     uint32 `json:"tick_rate"`
}

func (p *PhysicsSettingsSet) CommandName() string { return "physics_settings_set" }

func (p *PhysicsSettingsSet) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{
		wire.NewFieldUint32(fieldGravity, p.GravityMilli),
		wire.NewFieldBool(fieldPaused, p.Paused),
		wire.NewFieldUint32(fieldTickRate, p.TickRate),
	}), nil
}

func (p *PhysicsSettingsSet) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	if p.GravityMilli, err = requireUint32(fields, fieldGravity); err != nil {
		return err
	}
	paused, err := wire.RequireField(fields, fieldPaused, wire.FieldBool)
	if err != nil {
		return err
	}
	if p.Paused, err = paused.Bool(); err != nil {
		return err
	}
	p.TickRate, err = requireUint32(fields, fieldTickRate)
	return err
}

// PhysicsSettingsSetResponse acknowledges a settings change.
type PhysicsSettingsSetResponse struct {
	OK bool `json:"ok"`
}

func (p *PhysicsSettingsSetResponse) CommandName() string {
	return "physics_settings_set" + wire.ResponseSuffix
}

func (p *PhysicsSettingsSetResponse) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{wire.NewFieldBool(fieldOK, p.OK)}), nil
}

func (p *PhysicsSettingsSetResponse) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	f, err := wire.RequireField(fields, fieldOK, wire.FieldBool)
	if err != nil {
		return err
	}
	p.OK, err = f.Bool()
	return err
}

// SimStatus queries the stepper state.
type SimStatus struct{}

func (s *SimStatus) CommandName() string { return "sim_status" }

func (s *SimStatus) MarshalPayload() ([]byte, error) { return nil, nil }

func (s *SimStatus) UnmarshalPayload(payload []byte) error { return nil }

// SimStatusResponse reports the stepper state.
type SimStatusResponse struct {
	Running bool   `json:"running"`
	Tick    uint64 `json:"tick"`
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
}

func (s *SimStatusResponse) CommandName() string { return "sim_status" + wire.ResponseSuffix }

func (s *SimStatusResponse) MarshalPayload() ([]byte, error) {
	return wire.EncodeFields([]wire.Field{
		wire.NewFieldBool(fieldRunning, s.Running),
		wire.NewFieldUint64(fieldTick, s.Tick),
		wire.NewFieldUint32(fieldWidth, s.Width),
		wire.NewFieldUint32(fieldHeight, s.Height),
	}), nil
}

func (s *SimStatusResponse) UnmarshalPayload(payload []byte) error {
	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return err
	}
	running, err := wire.RequireField(fields, fieldRunning, wire.FieldBool)
	if err != nil {
		return err
	}
	if s.Running, err = running.Bool(); err != nil {
		return err
	}
	tick, err := wire.RequireField(fields, fieldTick, wire.FieldUint64)
	if err != nil {
		return err
	}
	if s.Tick, err = tick.Uint64(); err != nil {
		return err
	}
	if s.Width, err = requireUint32(fields, fieldWidth); err != nil {
		return err
	}
	s.Height, err = requireUint32(fields, fieldHeight)
	return err
}

func requireUint32(fields []wire.Field, id uint16) (uint32, error) {
	f, err := wire.RequireField(fields, id, wire.FieldUint32)
	if err != nil {
		return 0, err
	}
	v, err := f.Uint32()
	if err != nil {
		return 0, fmt.Errorf("simctl: field %d: %w", id, err)
	}
	return v, nil
}
