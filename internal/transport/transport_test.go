package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillan/sandbus/internal/command"
	"github.com/quillan/sandbus/internal/jsonwire"
	"github.com/quillan/sandbus/internal/pending"
	"github.com/quillan/sandbus/internal/testutil/testlog"
	"github.com/quillan/sandbus/internal/wire"
)

// echoCmd and echoResp are the minimal request/reply pair used across the
// round-trip tests.
type echoCmd struct {
	Value uint32 `json:"value"`
}

func (e *echoCmd) CommandName() string { return "echo" }

func (e *echoCmd) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, e.Value)
	return buf, nil
}

func (e *echoCmd) UnmarshalPayload(payload []byte) error {
	if len(payload) != 4 {
		return errors.New("echo: bad payload length")
	}
	e.Value = binary.BigEndian.Uint32(payload)
	return nil
}

type echoResp struct {
	Value uint32 `json:"value"`
}

func (e *echoResp) CommandName() string { return "echo" + wire.ResponseSuffix }

func (e *echoResp) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, e.Value)
	return buf, nil
}

func (e *echoResp) UnmarshalPayload(payload []byte) error {
	if len(payload) != 4 {
		return errors.New("echo: bad payload length")
	}
	e.Value = binary.BigEndian.Uint32(payload)
	return nil
}

// parkCmd never gets a reply; its handler retains the call forever.
type parkCmd struct{}

func (p *parkCmd) CommandName() string             { return "park" }
func (p *parkCmd) MarshalPayload() ([]byte, error) { return nil, nil }
func (p *parkCmd) UnmarshalPayload(b []byte) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.PingInterval = 0
	cfg.PongWait = 0
	return cfg
}

func startServer(t *testing.T) (*Service, string) {
	t.Helper()
	srv := NewService(testConfig(), nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, "ws://" + srv.Addr() + "/ws"
}

func connectClient(t *testing.T, url string, opts ConnectOptions, mode Mode) *Service {
	t.Helper()
	cfg := testConfig()
	cfg.ClientMode = mode
	cl := NewService(cfg, nil)
	if err := cl.Connect(context.Background(), url, opts); err != nil {
		t.Fatalf("Connect(%s): %v", url, err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEchoRoundTripBinary(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	if err := RegisterHandler[echoCmd](srv, func(call *command.Call[echoCmd]) {
		_ = call.Reply(&echoResp{Value: call.Cmd.Value + 1})
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)

	var resp echoResp
	if err := cl.SendCommandAndGetResponse(&echoCmd{Value: 41}, &resp, 2*time.Second); err != nil {
		t.Fatalf("SendCommandAndGetResponse: %v", err)
	}
	if resp.Value != 42 {
		t.Fatalf("echo reply = %d, want 42", resp.Value)
	}
}

func TestRequestTimeoutLeavesOtherRequestsAlone(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	if err := RegisterHandler[parkCmd](srv, func(call *command.Call[parkCmd]) {
		// Retained, never answered.
	}); err != nil {
		t.Fatalf("RegisterHandler(park): %v", err)
	}
	if err := RegisterHandler[echoCmd](srv, func(call *command.Call[echoCmd]) {
		_ = call.Reply(&echoResp{Value: call.Cmd.Value + 1})
	}); err != nil {
		t.Fatalf("RegisterHandler(echo): %v", err)
	}

	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)

	err := cl.SendCommandAndGetResponse(&parkCmd{}, nil, 100*time.Millisecond)
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("parked request error = %v, want ErrTimeout", err)
	}

	var resp echoResp
	if err := cl.SendCommandAndGetResponse(&echoCmd{Value: 10}, &resp, 2*time.Second); err != nil {
		t.Fatalf("echo after timeout: %v", err)
	}
	if resp.Value != 11 {
		t.Fatalf("echo reply = %d, want 11", resp.Value)
	}
}

func TestDisconnectFailsOutstandingRequests(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	if err := RegisterHandler[parkCmd](srv, func(call *command.Call[parkCmd]) {}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)

	errCh := make(chan error, 1)
	go func() {
		errCh <- cl.SendCommandAndGetResponse(&parkCmd{}, nil, 10*time.Second)
	}()

	waitFor(t, 2*time.Second, "request in flight", func() bool {
		return len(srv.ConnectionIDs()) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if err := srv.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("request after disconnect = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request did not fail after disconnect")
	}
}

func TestSecondUIHelloClosedFirstKept(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)

	first := connectClient(t, url, ConnectOptions{Hello: &wire.Hello{WantsEvents: true}}, ModeBinary)
	waitFor(t, 2*time.Second, "first ui registration", func() bool {
		return srv.UIConnectionID() != ""
	})
	incumbent := srv.UIConnectionID()

	second := connectClient(t, url, ConnectOptions{Hello: &wire.Hello{WantsEvents: true}}, ModeBinary)
	waitFor(t, 2*time.Second, "second connection closed", func() bool {
		return !second.IsConnected()
	})

	if got := srv.UIConnectionID(); got != incumbent {
		t.Fatalf("ui connection = %q, want incumbent %q", got, incumbent)
	}
	if !first.IsConnected() {
		t.Fatal("incumbent connection was dropped")
	}
}

func TestVersionMismatchClosedWithoutReply(t *testing.T) {
	testlog.Start(t)
	_, url := startServer(t)

	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer ws.Close()

	hello := wire.EncodeHello(wire.Hello{ProtocolVersion: 99, WantsEvents: true})
	if err := ws.WriteMessage(websocket.BinaryMessage, wire.Encode(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected connection close, got a frame")
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)

	subbed := connectClient(t, url, ConnectOptions{Hello: &wire.Hello{WantsEvents: true}}, ModeBinary)
	plain := connectClient(t, url, ConnectOptions{}, ModeBinary)

	gotSub := make(chan []byte, 1)
	subbed.SetPushHandler(func(msgType string, payload []byte) {
		if msgType == EventPushType {
			gotSub <- payload
		}
	})
	gotPlain := make(chan []byte, 1)
	plain.SetPushHandler(func(msgType string, payload []byte) {
		gotPlain <- payload
	})

	waitFor(t, 2*time.Second, "event subscription", func() bool {
		for _, id := range srv.ConnectionIDs() {
			if srv.ClientWantsEvents(id) {
				return true
			}
		}
		return false
	})

	if n := srv.BroadcastBinary([]byte("tick")); n != 1 {
		t.Fatalf("BroadcastBinary delivered to %d connections, want 1", n)
	}

	select {
	case payload := <-gotSub:
		if string(payload) != "tick" {
			t.Fatalf("push payload = %q, want %q", payload, "tick")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive the broadcast")
	}

	select {
	case payload := <-gotPlain:
		t.Fatalf("non-subscriber received broadcast %q", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRenderBroadcastMatchesFormat(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)

	ui := connectClient(t, url, ConnectOptions{Hello: &wire.Hello{WantsRender: true}}, ModeBinary)
	got := make(chan []byte, 1)
	ui.SetPushHandler(func(msgType string, payload []byte) {
		if msgType == RenderPushType {
			got <- payload
		}
	})

	waitFor(t, 2*time.Second, "render subscription", func() bool {
		id := srv.UIConnectionID()
		return id != "" && srv.ClientWantsRender(id)
	})

	if n := srv.BroadcastRenderMessage("rgba8888", []byte("frame")); n != 0 {
		t.Fatalf("mismatched format delivered to %d connections, want 0", n)
	}
	if n := srv.BroadcastRenderMessage(DefaultRenderFormat, []byte("frame")); n != 1 {
		t.Fatalf("render broadcast delivered to %d connections, want 1", n)
	}
	select {
	case payload := <-got:
		if string(payload) != "frame" {
			t.Fatalf("render payload = %q, want %q", payload, "frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ui connection did not receive the render frame")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	srv.SetJSONPipeline(
		func(cmd string, body []byte) (any, error) {
			if cmd != "echo" {
				return nil, errors.New("unknown command")
			}
			var c echoCmd
			if err := json.Unmarshal(body, &c); err != nil {
				return nil, err
			}
			return &c, nil
		},
		func(cmd any, r jsonwire.ReplyRouter) error {
			c := cmd.(*echoCmd)
			return r.Reply("echo_response", &echoResp{Value: c.Value + 1})
		},
	)

	cl := connectClient(t, url, ConnectOptions{}, ModeJSON)

	var resp echoResp
	if err := cl.SendCommandAndGetResponse(&echoCmd{Value: 41}, &resp, 2*time.Second); err != nil {
		t.Fatalf("json request: %v", err)
	}
	if resp.Value != 42 {
		t.Fatalf("json reply = %d, want 42", resp.Value)
	}
}

func TestJSONWithoutPipelineGetsStructuredFailure(t *testing.T) {
	testlog.Start(t)
	_, url := startServer(t)

	cl := connectClient(t, url, ConnectOptions{}, ModeJSON)

	err := cl.SendCommandAndGetResponse(&echoCmd{Value: 1}, &echoResp{}, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("unconfigured pipeline error = %v, want RemoteError", err)
	}
	if remote.Message != ErrJSONNotConfigured.Error() {
		t.Fatalf("remote message = %q, want %q", remote.Message, ErrJSONNotConfigured.Error())
	}
}

func TestBinaryErrorResponseForUnknownCommand(t *testing.T) {
	testlog.Start(t)
	_, url := startServer(t)

	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)

	err := cl.SendCommandAndGetResponse(&echoCmd{Value: 1}, &echoResp{}, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("unhandled command error = %v, want RemoteError", err)
	}
	if remote.Code != wire.ErrCodeNoHandler {
		t.Fatalf("remote code = %d, want %d", remote.Code, wire.ErrCodeNoHandler)
	}
	if remote.RequestType != "echo" {
		t.Fatalf("remote request type = %q, want %q", remote.RequestType, "echo")
	}
}

func TestModeStickyPerConnection(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	if err := RegisterHandler[echoCmd](srv, func(call *command.Call[echoCmd]) {
		_ = call.Reply(&echoResp{Value: call.Cmd.Value + 1})
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	srv.SetJSONPipeline(
		func(cmd string, body []byte) (any, error) {
			var c echoCmd
			return &c, json.Unmarshal(body, &c)
		},
		func(cmd any, r jsonwire.ReplyRouter) error {
			return r.Reply("echo_response", &echoResp{Value: cmd.(*echoCmd).Value + 1})
		},
	)

	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame is JSON: the connection's outbound mode becomes JSON.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"command":"echo","value":5}`)); err != nil {
		t.Fatalf("write json request: %v", err)
	}
	frameType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read json reply: %v", err)
	}
	if frameType != websocket.TextMessage {
		t.Fatalf("json request answered with frame type %d", frameType)
	}
	parsed, err := jsonwire.ParseResponse(data)
	if err != nil || !parsed.Success {
		t.Fatalf("json reply = %s (err %v), want success", data, err)
	}

	// A later binary frame is still decoded as binary and answered in kind.
	env := wire.Envelope{ID: 2, Type: "echo", Payload: []byte{0, 0, 0, 7}}
	if err := ws.WriteMessage(websocket.BinaryMessage, wire.Encode(env)); err != nil {
		t.Fatalf("write binary request: %v", err)
	}
	frameType, data, err = ws.ReadMessage()
	if err != nil {
		t.Fatalf("read binary reply: %v", err)
	}
	if frameType != websocket.BinaryMessage {
		t.Fatalf("binary request answered with frame type %d", frameType)
	}
	reply, err := wire.Decode(data, wire.DefaultLimits())
	if err != nil {
		t.Fatalf("decode binary reply: %v", err)
	}
	if reply.ID != 2 || reply.Type != "echo_response" {
		t.Fatalf("binary reply = id %d type %q, want id 2 echo_response", reply.ID, reply.Type)
	}

	// Pushes follow the sticky mode: this connection gets JSON frames.
	ids := srv.ConnectionIDs()
	if len(ids) != 1 {
		t.Fatalf("ConnectionIDs = %v, want one connection", ids)
	}
	if err := srv.SendToClient(ids[0], []byte("evt")); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}
	frameType, data, err = ws.ReadMessage()
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	if frameType != websocket.TextMessage {
		t.Fatalf("push frame type = %d, want text", frameType)
	}
	var push jsonwire.Push
	if err := json.Unmarshal(data, &push); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if push.ID != 0 || push.Command != EventPushType || string(push.Data) != "evt" {
		t.Fatalf("push = %+v, want id 0 event evt", push)
	}
}

func TestHandlerPanicAnswersWithError(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	if err := RegisterHandler[echoCmd](srv, func(call *command.Call[echoCmd]) {
		panic("echo handler exploded")
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)

	err := cl.SendCommandAndGetResponse(&echoCmd{Value: 1}, &echoResp{}, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("panicking handler error = %v, want prompt RemoteError", err)
	}
	if remote.Code != wire.ErrCodeHandlerFailed {
		t.Fatalf("remote code = %d, want %d", remote.Code, wire.ErrCodeHandlerFailed)
	}
	if !strings.Contains(remote.Message, "panic") {
		t.Fatalf("remote message = %q, want panic mention", remote.Message)
	}

	// The connection survives the panic.
	if err := RegisterHandler[parkCmd](srv, func(call *command.Call[parkCmd]) {}); err != nil {
		t.Fatalf("RegisterHandler(park): %v", err)
	}
	if err := cl.SendCommand(&parkCmd{}); err != nil {
		t.Fatalf("send after panic: %v", err)
	}
}

func TestHandlerPanicJSONAnswersWithFailure(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	srv.SetJSONPipeline(
		func(cmd string, body []byte) (any, error) { return &echoCmd{}, nil },
		func(cmd any, r jsonwire.ReplyRouter) error { panic("json handler exploded") },
	)

	cl := connectClient(t, url, ConnectOptions{}, ModeJSON)

	err := cl.SendCommandAndGetResponse(&echoCmd{Value: 1}, &echoResp{}, 2*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("panicking dispatcher error = %v, want prompt RemoteError", err)
	}
	if !strings.Contains(remote.Message, "panic") {
		t.Fatalf("remote message = %q, want panic mention", remote.Message)
	}
}

func TestJSONPushDeliveredToHandler(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)
	srv.SetJSONPipeline(
		func(cmd string, body []byte) (any, error) {
			var c echoCmd
			return &c, json.Unmarshal(body, &c)
		},
		func(cmd any, r jsonwire.ReplyRouter) error {
			return r.Reply("echo_response", &echoResp{Value: cmd.(*echoCmd).Value + 1})
		},
	)

	cl := connectClient(t, url, ConnectOptions{}, ModeJSON)
	got := make(chan []byte, 1)
	cl.SetPushHandler(func(msgType string, payload []byte) {
		if msgType == EventPushType {
			got <- payload
		}
	})

	// The first request makes the server-side connection JSON-sticky.
	var resp echoResp
	if err := cl.SendCommandAndGetResponse(&echoCmd{Value: 1}, &resp, 2*time.Second); err != nil {
		t.Fatalf("json request: %v", err)
	}

	ids := srv.ConnectionIDs()
	if len(ids) != 1 {
		t.Fatalf("ConnectionIDs = %v, want one connection", ids)
	}
	if err := srv.SendToClient(ids[0], []byte("evt")); err != nil {
		t.Fatalf("SendToClient: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != "evt" {
			t.Fatalf("push payload = %q, want %q", payload, "evt")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("json push never reached the push handler")
	}
}

type longTypeCmd struct{}

func (l *longTypeCmd) CommandName() string             { return strings.Repeat("x", 2048) }
func (l *longTypeCmd) MarshalPayload() ([]byte, error) { return nil, nil }
func (l *longTypeCmd) UnmarshalPayload(b []byte) error { return nil }

func TestSendRejectsUnframeableType(t *testing.T) {
	testlog.Start(t)
	_, url := startServer(t)
	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)

	if err := cl.SendCommand(&longTypeCmd{}); !errors.Is(err, wire.ErrTypeTooLong) {
		t.Fatalf("oversized type send = %v, want ErrTypeTooLong", err)
	}
}

func scrapeOpenConnections(t *testing.T, addr string) float64 {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "sandbus_transport_open_connections ") {
			continue
		}
		v, err := strconv.ParseFloat(strings.Fields(line)[1], 64)
		if err != nil {
			t.Fatalf("parse gauge line %q: %v", line, err)
		}
		return v
	}
	t.Fatal("open_connections gauge not exposed")
	return 0
}

func TestConnectionGaugeBalancedAcrossRoles(t *testing.T) {
	testlog.Start(t)
	srv, url := startServer(t)

	// Let sockets from earlier tests finish closing before taking the
	// baseline.
	before := scrapeOpenConnections(t, srv.Addr())
	for settle := time.Now().Add(time.Second); time.Now().Before(settle); {
		time.Sleep(50 * time.Millisecond)
		v := scrapeOpenConnections(t, srv.Addr())
		if v == before {
			break
		}
		before = v
	}

	cl := connectClient(t, url, ConnectOptions{}, ModeBinary)
	waitFor(t, 2*time.Second, "both connection ends counted", func() bool {
		return scrapeOpenConnections(t, srv.Addr()) == before+2
	})

	if err := cl.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitFor(t, 2*time.Second, "gauge back to baseline", func() bool {
		return scrapeOpenConnections(t, srv.Addr()) == before
	})
}

func TestConnectRefusedFailsFast(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxConnectAttempts = 1
	cl := NewService(cfg, nil)
	err := cl.Connect(context.Background(), "ws://127.0.0.1:1/ws", ConnectOptions{})
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if cl.ClientPhase() != ClientFailed {
		t.Fatalf("client phase = %v, want failed", cl.ClientPhase())
	}
}
