package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillan/sandbus/internal/wire"
)

// conn wraps one live websocket. The socket itself is owned by the read
// loop; everyone else holds this record through the registry and must go
// through the liveness-checked write helpers.
type conn struct {
	id string
	ws *websocket.Conn

	mode   atomic.Int32
	closed atomic.Bool

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu           sync.Mutex
	hello        *wire.Hello
	renderFormat string
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{id: id, ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) Mode() Mode {
	return Mode(c.mode.Load())
}

// setModeIfUnset makes the first observed frame's mode sticky and returns
// the connection's effective mode.
func (c *conn) setModeIfUnset(m Mode) Mode {
	if c.mode.CompareAndSwap(int32(ModeUnset), int32(m)) {
		return m
	}
	return Mode(c.mode.Load())
}

func (c *conn) alive() bool {
	return !c.closed.Load()
}

func (c *conn) setHello(h wire.Hello, renderFormat string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hello = &h
	c.renderFormat = renderFormat
}

func (c *conn) helloSnapshot() (wire.Hello, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil {
		return wire.Hello{}, false
	}
	return *c.hello, true
}

func (c *conn) wantsEvents() bool {
	h, ok := c.helloSnapshot()
	return ok && h.WantsEvents
}

func (c *conn) wantsRender() bool {
	h, ok := c.helloSnapshot()
	return ok && h.WantsRender
}

func (c *conn) renderFmt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderFormat
}

func (c *conn) setRenderFmt(format string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderFormat = format
}

// writeBinary sends one binary frame. Liveness is re-checked immediately
// before the write; a dead socket yields ErrConnectionClosed, never a throw
// past the caller.
func (c *conn) writeBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// writeText sends one text frame.
func (c *conn) writeText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *conn) write(frameType int, data []byte) error {
	if !c.alive() {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.id)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(frameType, data); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("%w: %s: %v", ErrConnectionClosed, c.id, err)
	}
	return nil
}

func (c *conn) writePing() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.Close()
	}
}
