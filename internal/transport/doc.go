// Package transport owns the duplex websocket transport and RPC core.
//
// Ownership boundary:
// - client role: connect, send, send-and-wait
// - server role: listen, dispatch, broadcast, directed send
// - connection registry and liveness
// - per-connection protocol mode (binary vs json, first frame wins)
// - hello capability negotiation and the single-UI-connection rule
//
// Typed command payloads are opaque here; their codecs live with the
// application (see internal/simctl). Correlation bookkeeping lives in
// internal/pending, the dispatch table in internal/command.
package transport
