package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/asm0dey/relaygo/internal/protocol"
)

// RFC 6455 close codes (the first two share values with the server
// package's constants), kept local so this package does not need to import
// internal/server.
const (
	closeCodeNormal = 1000
	closeCodeProtocolError = 1002
	closeCodeInternalError = 1011
)

// sendFunc is the subset of Client that ws_bridge needs: serializing one
// envelope onto the shared upstream connection.
type sendFunc func(ctx context.Context, env *protocol.Envelope) error

// wsBridgeManager tracks one originBridge per correlation ID, keyed by
// correlation ID rather than session ID, carrying binary envelope frames.
type wsBridgeManager struct {
	localURL string
	logger *slog.Logger

	mu sync.Mutex
	bridges map[string]*originBridge
}

func newWSBridgeManager(localURL string, logger *slog.Logger) *wsBridgeManager {
	return &wsBridgeManager{
		localURL: localURL,
		logger: logger,
		bridges: make(map[string]*originBridge),
	}
}

// open dials the origin's WebSocket endpoint for an upgrade request
// forwarded by the server and starts the bidirectional pump (spec §4.I).
// Failures are reported back as a WEBSOCKET_FRAME close frame so the
// server's external proxy session tears down cleanly.
func (m *wsBridgeManager) open(correlationID string, req *protocol.RequestPayload, send sendFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	target := originWSURL(m.localURL, req.Path, req.Query)
	header := make(http.Header)
	for k, v := range req.Headers {
		if wsUpgradeDenylist[strings.ToLower(k)] {
			continue
		}
		header.Set(k, v)
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		cancel()
		m.logger.Warn("origin websocket dial failed", "correlation_id", correlationID, "error", err)
		_ = send(context.Background(), closeFrameEnvelope(correlationID, closeCodeInternalError, "origin unreachable"))
		return
	}

	bridge := &originBridge{
		correlationID: correlationID,
		conn: conn,
		send: send,
		cancel: cancel,
		logger: m.logger,
	}

	m.mu.Lock()
	m.bridges[correlationID] = bridge
	m.mu.Unlock()

	go func() {
		bridge.pump(ctx)
		m.mu.Lock()
		delete(m.bridges, correlationID)
		m.mu.Unlock()
	}()
}

// forward routes one relayed frame to the bridge owning correlationID, or
// drops it if the bridge has already closed (a frame racing the close).
func (m *wsBridgeManager) forward(correlationID string, frame *protocol.WebSocketFramePayload) {
	m.mu.Lock()
	bridge, ok := m.bridges[correlationID]
	m.mu.Unlock()
	if !ok {
		return
	}
	bridge.writeFromServer(frame)
}

// closeAll tears down every open origin bridge, used when the upstream
// connection itself drops (spec §4.J: a lost tunnel takes its WS bridges
// down with it rather than leaving them dangling).
func (m *wsBridgeManager) closeAll() {
	m.mu.Lock()
	bridges := make([]*originBridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = make(map[string]*originBridge)
	m.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
}

// originBridge owns one outbound WebSocket connection to the local origin,
// pumping frames in both directions for the lifetime of one external
// WebSocket session (spec §4.I).
type originBridge struct {
	correlationID string
	conn *websocket.Conn
	send sendFunc
	cancel context.CancelFunc
	logger *slog.Logger

	writeMu sync.Mutex
}

// pump reads frames from the origin and relays each as a WEBSOCKET_FRAME
// envelope upstream, until the origin closes or ctx is cancelled.
func (b *originBridge) pump(ctx context.Context) {
	defer b.conn.CloseNow()
	for {
		msgType, data, err := b.conn.Read(ctx)
		if err != nil {
			code := closeCodeFromErr(err)
			_ = b.send(context.Background(), closeFrameEnvelope(b.correlationID, code, "origin closed"))
			return
		}
		frame := &protocol.WebSocketFramePayload{Data: data}
		switch msgType {
		case websocket.MessageText:
			frame.Type = protocol.FrameText
		case websocket.MessageBinary:
			frame.Type = protocol.FrameBinary
			frame.IsBinary = true
		default:
			continue
		}
		env := &protocol.Envelope{
			CorrelationID: b.correlationID,
			Type: protocol.MessageRequest,
			TimestampMs: nowMs(),
			Payload: frame,
		}
		if err := b.send(ctx, env); err != nil {
			return
		}
	}
}

// writeFromServer delivers one frame relayed from the external client,
// through the origin connection.
func (b *originBridge) writeFromServer(frame *protocol.WebSocketFramePayload) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Type {
	case protocol.FrameText:
		_ = b.conn.Write(ctx, websocket.MessageText, frame.Data)
	case protocol.FrameBinary, protocol.FramePing, protocol.FramePong:
		_ = b.conn.Write(ctx, websocket.MessageBinary, frame.Data)
	case protocol.FrameClose:
		code := frame.CloseCode
		if code == 0 {
			code = closeCodeNormal
		}
		b.conn.Close(websocket.StatusCode(code), frame.CloseReason)
		b.cancel()
	}
}

func (b *originBridge) close() {
	b.cancel()
}

// closeFrameEnvelope builds the WEBSOCKET_FRAME/close envelope sent upstream
// when the origin bridge terminates, so the server's external proxy session
// closes in step (spec §4.I).
func closeFrameEnvelope(correlationID string, code int, reason string) *protocol.Envelope {
	return &protocol.Envelope{
		CorrelationID: correlationID,
		Type: protocol.MessageRequest,
		TimestampMs: nowMs(),
		Payload: &protocol.WebSocketFramePayload{Type: protocol.FrameClose, CloseCode: code, CloseReason: reason},
	}
}

func closeCodeFromErr(err error) int {
	if code := websocket.CloseStatus(err); code != -1 {
		return int(code)
	}
	return closeCodeProtocolError
}

// wsUpgradeDenylist mirrors skipRequestHeaders in http_caller.go: headers
// that describe the hop to the relay server itself, not the origin.
var wsUpgradeDenylist = map[string]bool{
	"host": true,
	"connection": true,
	"upgrade": true,
	"sec-websocket-key": true,
	"sec-websocket-version": true,
	"sec-websocket-extensions": true,
}

// originWSURL rewrites localURL (http://host:port) to a ws:// dial target
// for the origin's WebSocket endpoint, preserving path and query.
func originWSURL(localURL, path string, query map[string]string) string {
	u, err := url.Parse(localURL)
	if err != nil {
		return localURL + path
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path
	if len(query) > 0 {
		values := u.Query()
		for k, v := range query {
			values.Set(k, v)
		}
		u.RawQuery = values.Encode()
	}
	return u.String()
}
