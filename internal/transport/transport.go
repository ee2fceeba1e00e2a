// Package transport implements the external Socket Manager collaborator
// spec.md §6 describes, plus a Listener Pool that accepts connections and
// hands them to it. Idiomatic Go makes the OS-level read-readiness
// multiplexing spec.md asks an external socket manager to provide
// unnecessary: TCPSocketManager gives every accepted connection its own
// reader goroutine and a blocking net.Conn.Read, which produces the same
// message_received/socket_closed callback shape without hand-rolled epoll.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

// SocketManager is the external collaborator interface of spec.md §6:
// AddSocket/RemoveSocket/Startup/Shutdown plus asynchronous callbacks.
type SocketManager interface {
	Startup() error
	Shutdown()
	AddSocket(handle int, conn net.Conn)
	RemoveSocket(handle int)
}

// MessageReceivedFunc is invoked once per parsed wire.Message.
type MessageReceivedFunc func(handle int, msg wire.Message)

// SocketClosedFunc is invoked when a connection's reader goroutine exits,
// graceful reporting whether the peer closed cleanly (EOF) as opposed to a
// reset or a protocol error forcing local closure.
type SocketClosedFunc func(handle int, graceful bool)

// ProtocolErrorFunc is invoked when a connection's parser reports a
// protocol error outcome (wire.PartialBlockProtErr / wire.FullBlockProtErr),
// letting the caller apply the 3-strikes-per-second escalation of spec.md §7.
type ProtocolErrorFunc func(handle int)

// TCPSocketManager is the default SocketManager: one reader goroutine per
// socket, feeding bytes through a per-connection wire.Parser.
type TCPSocketManager struct {
	OnMessageReceived MessageReceivedFunc
	OnSocketClosed    SocketClosedFunc
	OnProtocolError   ProtocolErrorFunc
	Log               *logrus.Entry

	mu      sync.Mutex
	conns   map[int]net.Conn
	started bool
}

// NewTCPSocketManager returns a TCPSocketManager; wire its callback fields
// before calling Startup.
func NewTCPSocketManager() *TCPSocketManager {
	return &TCPSocketManager{conns: make(map[int]net.Conn)}
}

// Startup marks the manager ready to accept new sockets.
func (m *TCPSocketManager) Startup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

// Shutdown closes every tracked socket; each socket's reader goroutine then
// reports itself closed via OnSocketClosed.
func (m *TCPSocketManager) Shutdown() {
	m.mu.Lock()
	m.started = false
	conns := make([]net.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// AddSocket starts a reader goroutine for conn under handle.
func (m *TCPSocketManager) AddSocket(handle int, conn net.Conn) {
	m.mu.Lock()
	m.conns[handle] = conn
	m.mu.Unlock()
	go m.readLoop(handle, conn)
}

// RemoveSocket closes and forgets handle's socket without waiting for the
// reader goroutine (which will observe the close and exit on its own).
func (m *TCPSocketManager) RemoveSocket(handle int) {
	m.mu.Lock()
	conn, ok := m.conns[handle]
	delete(m.conns, handle)
	m.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (m *TCPSocketManager) readLoop(handle int, conn net.Conn) {
	parser := wire.NewParser()
	buf := make([]byte, 4096)
	graceful := true

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, _, outcome := parser.Feed(buf[:n])
			for _, msg := range msgs {
				if m.OnMessageReceived != nil {
					m.OnMessageReceived(handle, msg)
				}
			}
			if outcome == wire.FullBlockProtErr || outcome == wire.PartialBlockProtErr {
				if m.OnProtocolError != nil {
					m.OnProtocolError(handle)
				}
			}
		}
		if err != nil {
			graceful = errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
			break
		}
	}

	m.mu.Lock()
	delete(m.conns, handle)
	m.mu.Unlock()

	if m.OnSocketClosed != nil {
		m.OnSocketClosed(handle, graceful)
	}
}
