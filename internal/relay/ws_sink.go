package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taxgpt-api/internal/sse"
)

const wsWriteWait = 10 * time.Second

// WSSink writes each frame as one JSON text message.
type WSSink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	gone    bool
	closed  bool
}

// NewWSSink takes over conn. It starts reading in the background so a peer close is
// noticed while the relay waits upstream; the caller must not read from conn afterwards.
func NewWSSink(conn *websocket.Conn) *WSSink {
	s := &WSSink{conn: conn}
	go s.watchPeer()
	return s
}

func (s *WSSink) watchPeer() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.markGone()
			return
		}
	}
}

func (s *WSSink) markGone() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

func (s *WSSink) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gone && !s.closed
}

func (s *WSSink) Send(ev sse.Event) error {
	if !s.Writable() {
		return ErrNotWritable
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.markGone()
		return err
	}
	return nil
}

func (s *WSSink) KeepAlive() error {
	if !s.Writable() {
		return ErrNotWritable
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
		s.markGone()
		return err
	}
	return nil
}

// Close sends a normal close frame and releases the connection.
func (s *WSSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	gone := s.gone
	s.mu.Unlock()

	if !gone {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		s.writeMu.Unlock()
	}
	return s.conn.Close()
}
