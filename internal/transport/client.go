package transport

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quillan/sandbus/internal/observability"
	"github.com/quillan/sandbus/internal/wire"
)

// ClientState is the client role's connection phase.
type ClientState int32

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientOpen
	ClientClosed
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "connecting"
	case ClientOpen:
		return "open"
	case ClientClosed:
		return "closed"
	case ClientFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// ConnectOptions shape one client connect.
type ConnectOptions struct {
	// Hello, when non-nil, is sent immediately after the socket opens to
	// claim UI status. Control-only clients leave it nil.
	Hello *wire.Hello
}

// ClientPhase returns the client role's current connection phase.
func (s *Service) ClientPhase() ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientState
}

// IsConnected reports whether the client connection is open.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	c := s.clientConn
	open := s.clientState == ClientOpen
	s.mu.Unlock()
	return open && c != nil && c.alive()
}

func (s *Service) clientConnOrErr() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientConn == nil || !s.clientConn.alive() {
		return nil, ErrNotConnected
	}
	return s.clientConn, nil
}

func (s *Service) setClientState(st ClientState) {
	s.mu.Lock()
	s.clientState = st
	s.mu.Unlock()
}

// Connect dials url and blocks until the connection is open or the connect
// timeout elapses, retrying with backoff up to MaxConnectAttempts.
func (s *Service) Connect(ctx context.Context, url string, opts ConnectOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.clientConn != nil && s.clientConn.alive() {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.clientState = ClientConnecting
	s.mu.Unlock()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		ws, err := s.dial(ctx, url)
		if err == nil {
			return s.adoptClientConn(ws, opts)
		}
		log.Warn().Int("attempt", attempt).Str("url", url).Err(err).Msg("client dial failed")
		if !s.shouldRetry(attempt) {
			s.setClientState(ClientFailed)
			if ctx.Err() != nil || isTimeout(err) {
				return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
			}
			return fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
		if err := s.sleepBackoff(ctx, attempt, rng); err != nil {
			s.setClientState(ClientFailed)
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
	}
}

func (s *Service) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	ws, resp, err := dialer.DialContext(dialCtx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (s *Service) adoptClientConn(ws *websocket.Conn, opts ConnectOptions) error {
	c := newConn(clientConnID, ws, s.cfg.WriteTimeout)
	c.mode.Store(int32(s.cfg.ClientMode))

	s.mu.Lock()
	s.clientConn = c
	s.clientState = ClientOpen
	s.mu.Unlock()

	// The read loop's exit decrements the gauge for every connection, so
	// client-role sockets count themselves in here.
	observability.ConnectionOpened()
	go s.readLoop(c)
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(c)
	}

	if opts.Hello != nil {
		h := *opts.Hello
		if h.ProtocolVersion == 0 {
			h.ProtocolVersion = s.cfg.ProtocolVersion
		}
		if err := c.writeBinary(wire.Encode(wire.EncodeHello(h))); err != nil {
			s.dropConn(c)
			s.setClientState(ClientFailed)
			return err
		}
	}
	log.Info().Str("state", ClientOpen.String()).Msg("client connection open")
	return nil
}

// Disconnect closes the client connection. Safe to call when not connected.
func (s *Service) Disconnect() error {
	s.mu.Lock()
	c := s.clientConn
	s.mu.Unlock()
	if c == nil {
		s.setClientState(ClientClosed)
		return nil
	}
	s.dropConn(c)
	return nil
}

func (s *Service) shouldRetry(attempt int) bool {
	if s.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < s.cfg.MaxConnectAttempts
}

func (s *Service) sleepBackoff(ctx context.Context, attempt int, rng *rand.Rand) error {
	delay := NextBackoffDelay(s.cfg.Backoff, attempt, rng)
	timer := s.clk.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) pingLoop(c *conn) {
	ticker := s.clk.Ticker(s.cfg.PingInterval)
	defer ticker.Stop()
	for c.alive() {
		<-ticker.C
		if !c.alive() {
			return
		}
		if err := c.writePing(); err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
