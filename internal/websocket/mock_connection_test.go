package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// mockConnection records writes; ReadMessage blocks until a message is
// pushed or the connection is closed.
type mockConnection struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closeCh  chan struct{}
	inbound  chan []byte
	writeErr error
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		closeCh: make(chan struct{}),
		inbound: make(chan []byte, 8),
	}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errConnClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	if messageType == websocket.TextMessage {
		m.written = append(m.written, append([]byte(nil), data...))
	}
	return nil
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.inbound:
		return websocket.TextMessage, msg, nil
	case <-m.closeCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
	}
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConnection) SetReadLimit(int64)               {}
func (m *mockConnection) SetPongHandler(func(string) error) {}
func (m *mockConnection) RemoteAddr() string               { return "127.0.0.1:50000" }

func (m *mockConnection) messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.written...)
}

func (m *mockConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
