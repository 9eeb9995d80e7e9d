package weft

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader performs the WebSocket upgrade handshake. Framing beyond the
// handoff itself is an external collaborator's concern per spec §1 ("Out
// of scope ... WebSocket framing beyond the upgrade handoff"), so the
// core's involvement ends the moment a *websocket.Conn exists.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConn is the handoff value passed to a script handler that calls
// ctx.upgrade() (vm.go's buildWebSocketTable wraps it for Lua). It exposes
// only the small, synchronous write surface the teacher's own WebSocket
// type offered (websocket.go) plus a blocking ReadMessage; any richer framing protocol built on top of
// these frames is left to the script and a host-provided WebSocket library
// the core treats as a collaborator (spec §1).
type WebSocketConn struct {
	conn   *websocket.Conn
	closed bool
}

// upgradeHandoff upgrades r/w to a WebSocket connection and returns the
// handoff value, or an error if the handshake failed (e.g. missing
// Upgrade header). Called from PendingRequest.Upgrade, which server.go's
// serveHTTP sets up so the Executor Loop can trigger the handoff against
// the Connection Task's own w/r without ever holding them itself. Grounded
// on the teacher's own gorilla/websocket usage (websocket.go), generalized
// from the teacher's hand-built WebSocket struct into a pure-handoff type
// since the core itself never runs a message loop.
func upgradeHandoff(w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketConn{conn: conn}, nil
}

// Close closes the connection without sending or waiting for a close
// message.
func (ws *WebSocketConn) Close() error {
	ws.closed = true
	return ws.conn.Close()
}

// WriteText writes a text frame to the remote peer.
func (ws *WebSocketConn) WriteText(text string) error {
	return ws.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// WriteBinary writes a binary frame to the remote peer.
func (ws *WebSocketConn) WriteBinary(b []byte) error {
	return ws.conn.WriteMessage(websocket.BinaryMessage, b)
}

// WriteConnectionClose writes a close frame with statusCode and reason.
func (ws *WebSocketConn) WriteConnectionClose(statusCode int, reason string) error {
	return ws.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(statusCode, reason))
}

// ReadMessage blocks for the next frame, returning its message type and
// payload. Exposed to scripts as the handoff table's read() (vm.go);
// calling it blocks the single script VM for as long as the script's own
// read loop runs, which is the price of spec §5's synchronous-only
// execution model.
func (ws *WebSocketConn) ReadMessage() (messageType int, p []byte, err error) {
	return ws.conn.ReadMessage()
}
