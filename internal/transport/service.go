package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/command"
	"github.com/quillan/sandbus/internal/jsonwire"
	"github.com/quillan/sandbus/internal/pending"
	"github.com/quillan/sandbus/internal/wire"
)

// clientConnID scopes the client role's pending requests in the registry.
const clientConnID = "client"

// Service is the connection-scoped transport orchestrator. One instance
// serves either role: the client role dials a server and issues commands;
// the server role listens, dispatches inbound commands to registered
// handlers, and pushes broadcasts to subscribed peers.
type Service struct {
	cfg      Config
	clk      clock.Clock
	handlers *command.Registry
	pending  *pending.Registry

	jsonMu           sync.RWMutex
	jsonDeserializer jsonwire.Deserializer
	jsonDispatcher   jsonwire.Dispatcher

	pushMu sync.RWMutex
	onPush func(msgType string, payload []byte)

	mu         sync.Mutex
	conns      map[string]*conn
	nextConnID uint64
	uiConnID   string

	listening  bool
	httpSrv    *http.Server
	listenAddr string

	clientConn  *conn
	clientState ClientState

	closed bool
}

// NewService builds a transport service. A nil clk uses the wall clock;
// tests inject a mock.
func NewService(cfg Config, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		cfg:      cfg.WithDefaults(),
		clk:      clk,
		handlers: command.NewRegistry(),
		pending:  pending.NewRegistry(clk),
		conns:    make(map[string]*conn),
	}
}

// Handlers exposes the dispatch table for typed registrations. Register
// before traffic flows; the table is read-only afterwards.
func (s *Service) Handlers() *command.Registry {
	return s.handlers
}

// RegisterHandler installs a typed command handler on the service.
func RegisterHandler[C any, PC interface {
	command.Message
	*C
}](s *Service, h func(*command.Call[C])) error {
	return command.Register[C, PC](s.handlers, h)
}

// SetJSONPipeline injects the application-supplied JSON deserializer and
// dispatcher. Without them an inbound JSON command gets a structured
// "protocol not configured" error reply.
func (s *Service) SetJSONPipeline(d jsonwire.Deserializer, disp jsonwire.Dispatcher) {
	s.jsonMu.Lock()
	defer s.jsonMu.Unlock()
	s.jsonDeserializer = d
	s.jsonDispatcher = disp
}

func (s *Service) jsonPipeline() (jsonwire.Deserializer, jsonwire.Dispatcher, bool) {
	s.jsonMu.RLock()
	defer s.jsonMu.RUnlock()
	return s.jsonDeserializer, s.jsonDispatcher, s.jsonDeserializer != nil && s.jsonDispatcher != nil
}

// SetPushHandler registers the callback for unsolicited pushes received by
// the client role (events, render frames).
func (s *Service) SetPushHandler(fn func(msgType string, payload []byte)) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	s.onPush = fn
}

func (s *Service) deliverPush(msgType string, payload []byte) {
	s.pushMu.RLock()
	fn := s.onPush
	s.pushMu.RUnlock()
	if fn == nil {
		log.Debug().Str("type", msgType).Msg("push dropped, no handler registered")
		return
	}
	fn(msgType, payload)
}

// ----------------------------------------------------------------------------
// connection registry (server role)
// ----------------------------------------------------------------------------

// registerConn assigns a stable sequential ID the first time a connection
// is seen.
func (s *Service) registerConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Service) allocConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConnID++
	return fmt.Sprintf("conn-%d", s.nextConnID)
}

// connByID resolves a connection by ID, re-validating liveness. A record
// whose socket died is treated exactly like an absent one: both are
// ErrConnectionClosed to the caller, and the dead record is dropped as a
// side effect.
func (s *Service) connByID(id string) (*conn, error) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, id)
	}
	if !c.alive() {
		s.dropConn(c)
		return nil, fmt.Errorf("%w: %s", ErrConnectionClosed, id)
	}
	return c, nil
}

// dropConn removes a connection's registry entries and fails its pending
// requests so no waiter hangs on a dead peer.
func (s *Service) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if s.uiConnID == c.id {
		s.uiConnID = ""
	}
	if s.clientConn == c {
		s.clientConn = nil
		s.clientState = ClientClosed
	}
	s.mu.Unlock()
	c.close()
	if n := s.pending.FailConn(c.id, ErrConnectionClosed); n > 0 {
		log.Debug().Str("conn", c.id).Int("failed", n).Msg("pending requests failed on disconnect")
	}
}

// liveConns snapshots the open server-side connections.
func (s *Service) liveConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.alive() {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionIDs lists the currently registered connection IDs.
func (s *Service) ConnectionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id, c := range s.conns {
		if c.alive() {
			out = append(out, id)
		}
	}
	return out
}

// ClientWantsEvents reports whether the connection subscribed to event
// broadcasts in its hello.
func (s *Service) ClientWantsEvents(connID string) bool {
	c, err := s.connByID(connID)
	return err == nil && c.wantsEvents()
}

// ClientWantsRender reports whether the connection subscribed to render
// broadcasts in its hello.
func (s *Service) ClientWantsRender(connID string) bool {
	c, err := s.connByID(connID)
	return err == nil && c.wantsRender()
}

// SetClientRenderFormat switches which render-frame shape the connection
// receives on render broadcasts.
func (s *Service) SetClientRenderFormat(connID, format string) error {
	c, err := s.connByID(connID)
	if err != nil {
		return err
	}
	c.setRenderFmt(format)
	return nil
}

// UIConnectionID returns the registered UI connection's ID, or "".
func (s *Service) UIConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uiConnID
}

// ----------------------------------------------------------------------------
// send paths
// ----------------------------------------------------------------------------

// sendRequest frames and writes one command envelope on c per its mode.
func (s *Service) sendRequest(c *conn, id uint64, msg command.Message) error {
	mode := c.Mode()
	if mode == ModeUnset {
		mode = s.cfg.ClientMode
	}
	switch mode {
	case ModeJSON:
		body, err := marshalJSONCommand(id, msg)
		if err != nil {
			return err
		}
		return c.writeText(body)
	default:
		payload, err := msg.MarshalPayload()
		if err != nil {
			return err
		}
		env := wire.Envelope{ID: id, Type: msg.CommandName(), Payload: payload}
		if err := env.Validate(s.cfg.Limits); err != nil {
			return err
		}
		return c.writeBinary(wire.Encode(env))
	}
}

// marshalJSONCommand flattens msg's fields into the JSON request envelope.
func marshalJSONCommand(id uint64, msg command.Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj["id"] = id
	obj["command"] = msg.CommandName()
	return json.Marshal(obj)
}

// requestOn issues one correlated request on c and decodes the reply into
// resp. The pending slot is removed on timeout; a late reply is dropped.
func (s *Service) requestOn(c *conn, cmd, resp command.Message, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	id := s.pending.NextID()
	ticket, err := s.pending.Register(id, c.id)
	if err != nil {
		return err
	}
	if err := s.sendRequest(c, id, cmd); err != nil {
		s.pending.Fail(id, err)
		_, _ = ticket.Await(timeout)
		return err
	}
	res, err := ticket.Await(timeout)
	if err != nil {
		return err
	}
	return decodeResult(res, resp)
}

func decodeResult(res pending.Result, resp command.Message) error {
	if res.IsText {
		parsed, err := jsonwire.ParseResponse(res.Text)
		if err != nil {
			return err
		}
		if !parsed.Success {
			return &RemoteError{Message: parsed.Error, RequestType: parsed.ResponseType}
		}
		if resp == nil || len(parsed.Value) == 0 {
			return nil
		}
		return json.Unmarshal(parsed.Value, resp)
	}
	if resp == nil {
		return nil
	}
	return resp.UnmarshalPayload(res.Binary)
}

// SendCommand sends a fire-and-forget command (id 0) on the client
// connection.
func (s *Service) SendCommand(msg command.Message) error {
	c, err := s.clientConnOrErr()
	if err != nil {
		return err
	}
	return s.sendRequest(c, 0, msg)
}

// SendCommandAndGetResponse issues a correlated request on the client
// connection and blocks until the reply or the timeout.
func (s *Service) SendCommandAndGetResponse(cmd, resp command.Message, timeout time.Duration) error {
	c, err := s.clientConnOrErr()
	if err != nil {
		return err
	}
	return s.requestOn(c, cmd, resp, timeout)
}

// SendCommandAndGetResponseTo issues a correlated request to a specific
// server-side connection (used for health probes of attached peers).
func (s *Service) SendCommandAndGetResponseTo(connID string, cmd, resp command.Message, timeout time.Duration) error {
	c, err := s.connByID(connID)
	if err != nil {
		return err
	}
	return s.requestOn(c, cmd, resp, timeout)
}
