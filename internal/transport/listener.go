package transport

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
)

// ListenerPool runs one accept goroutine per bound address, per spec.md
// §5's "one listener task per bound address." Each accepted connection is
// handed to Registry.Accept (to obtain a handle) and then to the
// SocketManager (to start its reader goroutine).
type ListenerPool struct {
	Registry *registry.Registry
	Manager  SocketManager
	QueueCap int
	Log      *logrus.Entry

	// OnAccept is invoked with the new record immediately after Accept, so
	// the caller can run connfsm.Attach before any bytes can arrive.
	OnAccept func(rec *registry.Record)

	listeners []net.Listener
}

// Listen binds addr (host:port form; an empty host means all interfaces)
// and adds it to the pool. Call before Serve.
func (p *ListenerPool) Listen(network, addr string) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	p.listeners = append(p.listeners, l)
	return nil
}

// Addrs returns the bound address of every listener, useful for discovering
// an ephemeral (:0) port after Listen.
func (p *ListenerPool) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(p.listeners))
	for i, l := range p.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Serve runs an accept loop on every bound listener until ctx is canceled.
// It blocks until all accept goroutines have returned.
func (p *ListenerPool) Serve(ctx context.Context) {
	done := make(chan struct{}, len(p.listeners))
	for _, l := range p.listeners {
		go p.acceptLoop(ctx, l, done)
	}
	for range p.listeners {
		<-done
	}
}

func (p *ListenerPool) acceptLoop(ctx context.Context, l net.Listener, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if p.Log != nil {
				p.Log.WithError(err).Debug("listener closed")
			}
			return
		}
		rec := p.Registry.Accept(conn, conn.RemoteAddr().String(), p.QueueCap)
		if p.OnAccept != nil {
			p.OnAccept(rec)
		}
		p.Manager.AddSocket(rec.Handle, conn)
	}
}

// Close closes every bound listener without waiting for in-flight accepts.
func (p *ListenerPool) Close() {
	for _, l := range p.listeners {
		_ = l.Close()
	}
}
