package mediastream

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/transport"
)

const writeTimeout = 5 * time.Second

// wsConn is the subset of *websocket.Conn the socket writes through.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Socket adapts an upgraded telephony websocket to transport.Socket. Writes
// are serialized; gorilla allows one concurrent writer.
type Socket struct {
	conn wsConn

	mu     sync.Mutex
	state  transport.SocketState
	closed chan struct{}
}

// NewSocket wraps an upgraded connection. The upgrade has completed, so the
// socket starts open.
func NewSocket(conn *websocket.Conn) *Socket {
	return newSocket(conn)
}

func newSocket(conn wsConn) *Socket {
	return &Socket{
		conn:   conn,
		state:  transport.StateOpen,
		closed: make(chan struct{}),
	}
}

// State implements transport.Socket.
func (s *Socket) State() transport.SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WriteMessage implements transport.Socket. Frames are sent as text, which
// is what the provider expects for JSON streaming data.
func (s *Socket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != transport.StateOpen {
		return transport.ErrSocketClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	err := s.conn.WriteMessage(websocket.TextMessage, data)
	if errors.Is(err, websocket.ErrCloseSent) {
		s.markClosedLocked()
	}
	return err
}

// MarkClosed records that the peer went away. Later writes become no-ops.
func (s *Socket) MarkClosed() {
	s.mu.Lock()
	s.markClosedLocked()
	s.mu.Unlock()
}

func (s *Socket) markClosedLocked() {
	if s.state == transport.StateClosed {
		return
	}
	s.state = transport.StateClosed
	close(s.closed)
}

// Closed is closed once the socket is marked closed.
func (s *Socket) Closed() <-chan struct{} {
	return s.closed
}

// Close sends a normal close frame and releases the connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == transport.StateOpen {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
	}
	s.markClosedLocked()
	return s.conn.Close()
}
