package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsSender adapts a *websocket.Conn to registry.Sender, serializing
// every write behind a mutex so only one writer ever touches the
// socket at a time (spec §4.4, §5: "Per-socket writes must be
// serialized").
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

// Send writes one text frame. It is safe to call from multiple
// goroutines concurrently (e.g. several in-flight SendMessage fan-outs
// targeting the same connection).
func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket without a close handshake.
func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// closeWithCode performs a best-effort close handshake with the given
// WS close code before closing the socket (spec §6 close codes).
func (s *wsSender) closeWithCode(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}

// ping writes a PING control frame.
func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}
