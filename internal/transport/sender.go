package transport

import (
	"time"

	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
)

// Send implements scheduler.Sender by writing buf to rec's underlying
// socket under a 10ms write deadline, so a stalled peer cannot block the
// scheduler. Partial writes are returned as-is so the cursor in
// internal/queue can resume from where it left off, per spec.md §5's
// "partial sends are expected and handled by the queue cursor." A write
// that hits the deadline returns a *net.OpError whose Temporary() reports
// true, which scheduler.isTransient uses to distinguish a retry-next-pass
// error from a fatal one.
func (m *TCPSocketManager) Send(rec *registry.Record, buf []byte) (int, error) {
	_ = rec.Conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	return rec.Conn.Write(buf)
}
