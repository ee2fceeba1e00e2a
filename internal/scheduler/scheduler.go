// Package scheduler implements the cooperative per-tick service loop that
// reaps dead clients, enforces heartbeats, and drains one outbound buffer
// per client per pass, per spec.md §4.8.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/connfsm"
	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

// DefaultPeriod is the loop's default sleep between passes that did no work.
const DefaultPeriod = time.Millisecond

// Sender writes buf to a client's socket. It must not block indefinitely;
// callers supply a non-blocking or deadline-bound implementation
// (internal/transport's TCPSocketManager is the production Sender).
type Sender interface {
	Send(rec *registry.Record, buf []byte) (n int, err error)
}

// Loop runs the service loop described in spec.md §4.8.
type Loop struct {
	Registry *registry.Registry
	FSM      *connfsm.Machine
	Sender   Sender
	Period   time.Duration
	Log      *logrus.Entry

	// OnReap is invoked for every record the loop reaps, so the caller (the
	// top-level Broker) can emit a Broker.ClientRemove notification and
	// close the underlying socket.
	OnReap func(rec *registry.Record)
}

// packNull packs a Broker.Null with the FSM's sender CID stamped.
func (l *Loop) packNull() []byte {
	buf, err := wire.Pack(wire.WithSender(wire.Null{}, l.FSM.BrokerCID))
	if err != nil {
		if l.Log != nil {
			l.Log.WithError(err).Error("failed to pack heartbeat null")
		}
		return nil
	}
	return buf
}

func isNullBuf(nullBuf []byte) func([]byte) bool {
	return func(buf []byte) bool {
		return len(buf) == len(nullBuf) && string(buf) == string(nullBuf)
	}
}

// Run executes the loop until ctx is canceled, sleeping Period (or
// DefaultPeriod if unset) between passes that accomplished no work.
func (l *Loop) Run(ctx context.Context) {
	period := l.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if l.Pass() {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
	}
}

// Pass runs one service-loop iteration and reports whether any message was
// written, so the caller can spin again without sleeping.
func (l *Loop) Pass() bool {
	for _, rec := range l.Registry.Reap() {
		if l.OnReap != nil {
			l.OnReap(rec)
		}
	}

	wrote := false
	now := time.Now()
	nullBuf := l.packNull()

	for _, handle := range l.Registry.Snapshot(nil, nil) {
		rec, ok := l.Registry.ByHandle(handle)
		if !ok {
			continue
		}
		if l.visit(rec, now, nullBuf) {
			wrote = true
		}
	}
	return wrote
}

// visit never holds rec.Mu across a call into the FSM or the queue: each of
// those already takes rec.Mu (or the queue's own mutex) for just its one
// operation, per the lock-ordering rule in spec.md §5.
func (l *Loop) visit(rec *registry.Record, now time.Time, nullBuf []byte) bool {
	rec.Mu.Lock()
	state := rec.State
	rec.Mu.Unlock()
	if state == registry.MarkedForDestruction {
		return false
	}

	destroyed, sendNullDue := l.FSM.CheckHeartbeat(rec, now)
	if destroyed {
		return false
	}
	if sendNullDue && rec.Queue.Empty() && nullBuf != nil {
		rec.Queue.PushNullFront(nullBuf, isNullBuf(nullBuf))
	}

	data, ok := rec.Queue.Peek()
	if !ok {
		return false
	}
	n, err := l.Sender.Send(rec, data)
	if n > 0 {
		rec.Queue.Advance(n)
		l.FSM.OnBytesSent(rec)
	}
	if err != nil {
		if !isTransient(err) {
			rec.Mu.Lock()
			rec.State = registry.MarkedForDestruction
			rec.DestructionReason = "send error: " + err.Error()
			rec.Mu.Unlock()
		}
		return n > 0
	}
	return n > 0
}

// isTransient reports whether err is a recoverable, try-again-next-pass send
// error (e.g. EAGAIN/EWOULDBLOCK on a non-blocking socket) rather than a
// fatal one. The production Sender is responsible for classifying its own
// errors this way; by default any error is treated as fatal.
func isTransient(err error) bool {
	type transient interface{ Temporary() bool }
	if t, ok := err.(transient); ok {
		return t.Temporary()
	}
	return false
}
