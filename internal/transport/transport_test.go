package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

func TestTCPSocketManagerDeliversParsedMessages(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	var mu sync.Mutex
	var received []wire.Message
	got := make(chan struct{}, 1)

	m := NewTCPSocketManager()
	m.OnMessageReceived = func(handle int, msg wire.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	}
	require.NoError(t, m.Startup())
	m.AddSocket(1, serverConn)

	buf, err := wire.Pack(wire.Null{})
	require.NoError(t, err)
	go func() { _, _ = clientConn.Write(buf) }()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	_, ok := received[0].(wire.Null)
	assert.True(t, ok)
}

func TestTCPSocketManagerReportsGracefulClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-accepted

	closed := make(chan bool, 1)
	m := NewTCPSocketManager()
	m.OnSocketClosed = func(handle int, graceful bool) { closed <- graceful }
	require.NoError(t, m.Startup())
	m.AddSocket(1, serverConn)

	clientConn.Close()

	select {
	case g := <-closed:
		assert.True(t, g)
	case <-time.After(2 * time.Second):
		t.Fatal("socket-closed callback never fired")
	}
}

func TestListenerPoolAcceptsAndRegisters(t *testing.T) {
	reg := registry.New()
	m := NewTCPSocketManager()
	require.NoError(t, m.Startup())

	pool := &ListenerPool{Registry: reg, Manager: m}
	require.NoError(t, pool.Listen("tcp", "127.0.0.1:0"))

	var accepted *registry.Record
	acceptedCh := make(chan struct{}, 1)
	pool.OnAccept = func(rec *registry.Record) {
		accepted = rec
		acceptedCh <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Serve(ctx)

	addr := pool.Addrs()[0].String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never accepted")
	}

	require.NotNil(t, accepted)
	_, ok := reg.ByHandle(accepted.Handle)
	assert.True(t, ok)
}
