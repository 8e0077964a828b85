package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-proctor/internal/session"
)

const (
	writeWait = 10 * time.Second
	// The stream is dropped after readWait without a message or pong.
	readWait = 2 * time.Minute
	// PingPeriod must stay below readWait.
	PingPeriod = time.Minute
)

// Keepalive sets the initial read deadline and extends it on every pong.
func Keepalive(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
// gorilla connections allow one concurrent writer; callers serialize.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteProgress pushes a progress snapshot.
func WriteProgress(conn *websocket.Conn, p session.Progress) error {
	return WriteTyped(conn, ProgressResponse{Event: EventProgress, Progress: p})
}

// WritePing sends a control ping; the pong extends the read deadline.
func WritePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WriteClose starts the close handshake with code and reason.
func WriteClose(conn *websocket.Conn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ReadJSON reads the next client message. Any message counts as liveness.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	if err := conn.ReadJSON(v); err != nil {
		return err
	}
	return conn.SetReadDeadline(time.Now().Add(readWait))
}
