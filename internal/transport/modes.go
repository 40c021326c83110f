package transport

// Mode is a connection's wire encoding. The first inbound frame decides it
// and it stays sticky for the connection's life; it governs outbound
// serialization only, inbound frames are always decoded per their own kind.
type Mode int32

const (
	ModeUnset Mode = iota
	ModeBinary
	ModeJSON
)

func (m Mode) String() string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModeJSON:
		return "json"
	default:
		return "unset"
	}
}
