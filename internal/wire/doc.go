// Package wire owns the binary wire contract and parsing primitives.
//
// Ownership boundary:
// - envelope framing (correlation id, message type, opaque payload)
// - hello handshake record
// - tlv payload field primitives
//
// Payload bytes are opaque here; typed codecs live with their owners.
package wire
