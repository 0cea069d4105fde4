package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 512
)

// WebSocketSink writes events as text frames.
type WebSocketSink struct {
	conn *websocket.Conn
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	conn.SetReadLimit(wsReadLimit)
	return &WebSocketSink{conn: conn}
}

// Send writes one text frame.
func (s *WebSocketSink) Send(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Keepalive writes a ping control frame.
func (s *WebSocketSink) Keepalive() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Transport implements Sink.
func (s *WebSocketSink) Transport() string { return "websocket" }

// WatchClose reads and discards client frames until the connection fails, then cancels.
// The widget never sends data on this socket; reading is how a close is noticed.
func (s *WebSocketSink) WatchClose(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

// Close sends a close frame and closes the connection.
func (s *WebSocketSink) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	return s.conn.Close()
}
