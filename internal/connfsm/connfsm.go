// Package connfsm drives a single client record through its connection
// lifecycle: TCPConnected -> AwaitingConnect -> Connected ->
// MarkedForDestruction, per spec.md §4.6.
package connfsm

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokererrors"
	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/uidmgr"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

const (
	heartbeatReceiveTimeout = 15 * time.Second
	heartbeatSendIdle       = 7500 * time.Millisecond
)

// Machine drives every Record's handshake and heartbeat behavior for one
// broker instance.
type Machine struct {
	Registry *registry.Registry
	UIDs     *uidmgr.Manager
	Log      *logrus.Entry

	BrokerCID      uuid.UUID
	BrokerUID      rdmuid.UID
	Scope          string
	E133Version    uint16
	MaxConnections int
	MaxControllers int
	MaxDevices     int
	QueueCap       int
}

// Attach moves a just-accepted record from TCPConnected into AwaitingConnect
// and arms its first heartbeat deadlines.
func (m *Machine) Attach(rec *registry.Record) {
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	rec.State = registry.AwaitingConnect
	rec.HeartbeatDeadline = time.Now().Add(heartbeatReceiveTimeout)
	rec.SendDeadline = time.Now().Add(heartbeatSendIdle)
}

// OnMessageReceived resets the heartbeat receive deadline. Call for every
// message successfully parsed off the wire; a parse failure never reaches
// here, so by construction this only fires for valid messages, matching
// spec.md §4.6's "any valid message resets heartbeat_deadline".
func (m *Machine) OnMessageReceived(rec *registry.Record) {
	rec.Mu.Lock()
	rec.HeartbeatDeadline = time.Now().Add(heartbeatReceiveTimeout)
	rec.Mu.Unlock()
}

// OnBytesSent resets the heartbeat send-idle deadline.
func (m *Machine) OnBytesSent(rec *registry.Record) {
	rec.Mu.Lock()
	rec.SendDeadline = time.Now().Add(heartbeatSendIdle)
	rec.Mu.Unlock()
}

// HandleClientConnect processes an inbound Broker.ClientConnect: queues a
// ConnectReply and promotes the record to Connected on success, or queues a
// refusal and marks the record for destruction, per spec.md §4.6. It
// returns true if the connection was refused/destroyed.
func (m *Machine) HandleClientConnect(rec *registry.Record, msg wire.ClientConnect) bool {
	rec.Mu.Lock()
	state := rec.State
	rec.Mu.Unlock()

	if state == registry.Connected {
		m.refuse(rec, wire.StatusInvalidClientEntry, "protocol error: ClientConnect while already Connected")
		return true
	}
	if msg.Scope != m.Scope {
		m.refuse(rec, wire.StatusScopeMismatch, "scope mismatch")
		return true
	}
	if msg.Entry.Protocol != wire.ClientProtocolRPT {
		m.refuse(rec, wire.StatusInvalidClientEntry, "unsupported client protocol (EPT not implemented)")
		return true
	}
	if m.MaxConnections > 0 && m.Registry.Len() > m.MaxConnections {
		m.refuse(rec, wire.StatusCapacityExceeded, "connection capacity exceeded")
		return true
	}
	typeCount := m.Registry.CountByType(msg.Entry.ClientType)
	if msg.Entry.ClientType == wire.RPTClientTypeController && m.MaxControllers > 0 && typeCount >= m.MaxControllers {
		m.refuse(rec, wire.StatusCapacityExceeded, "controller capacity exceeded")
		return true
	}
	if msg.Entry.ClientType == wire.RPTClientTypeDevice && m.MaxDevices > 0 && typeCount >= m.MaxDevices {
		m.refuse(rec, wire.StatusCapacityExceeded, "device capacity exceeded")
		return true
	}

	clientUID, err := m.allocateUID(rec.Handle, msg.Entry)
	if err != nil {
		status := wire.StatusInvalidUid
		switch {
		case errors.Is(err, brokererrors.ErrDuplicateUID):
			status = wire.StatusDuplicateUid
		case errors.Is(err, brokererrors.ErrCapacityExceeded):
			status = wire.StatusCapacityExceeded
		}
		m.refuse(rec, status, "uid allocation failed: "+err.Error())
		return true
	}

	rec.Mu.Lock()
	rec.CID = msg.Entry.CID
	rec.Protocol = msg.Entry.Protocol
	rec.BindingCID = msg.Entry.BindingCID
	rec.Mu.Unlock()

	m.Registry.Promote(rec, clientUID, msg.Entry.ClientType, m.QueueCap)
	m.queueConnectReply(rec, wire.StatusOk, clientUID)
	return false
}

func (m *Machine) allocateUID(handle int, entry wire.ClientEntry) (rdmuid.UID, error) {
	if entry.UID.IsDynamicRequest() || entry.UID.IsBroadcast() {
		return m.UIDs.AddDynamic(handle, entry.CID)
	}
	return entry.UID, m.UIDs.AddStatic(handle, entry.UID)
}

func (m *Machine) refuse(rec *registry.Record, status uint16, reason string) {
	m.queueConnectReply(rec, status, rdmuid.UID{})
	m.Registry.MarkForDestruction(rec.Handle, reason)
	if m.Log != nil {
		m.Log.WithFields(logrus.Fields{"handle": rec.Handle, "status": status}).Warn(reason)
	}
}

func (m *Machine) queueConnectReply(rec *registry.Record, status uint16, clientUID rdmuid.UID) {
	reply := wire.ConnectReply{
		Status:      status,
		E133Version: m.E133Version,
		BrokerUID:   m.BrokerUID,
		ClientUID:   clientUID,
	}
	m.packAndQueue(rec, reply)
}

// HandleDisconnect marks rec for destruction on receipt of Broker.Disconnect.
func (m *Machine) HandleDisconnect(rec *registry.Record, _ wire.Disconnect) {
	m.Registry.MarkForDestruction(rec.Handle, "peer sent Disconnect")
}

// CheckHeartbeat marks rec for destruction if its receive deadline has
// passed, and returns true if a Broker.Null send is now due (idempotent:
// the caller is responsible for not double-queuing, via queue.PushNullFront).
func (m *Machine) CheckHeartbeat(rec *registry.Record, now time.Time) (destroyed bool, sendNullDue bool) {
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	if now.After(rec.HeartbeatDeadline) {
		rec.State = registry.MarkedForDestruction
		rec.DestructionReason = "heartbeat receive timeout"
		return true, false
	}
	return false, now.After(rec.SendDeadline)
}

func (m *Machine) packAndQueue(rec *registry.Record, msg wire.Message) {
	sent := wire.WithSender(msg, m.BrokerCID)
	buf, err := wire.Pack(sent)
	if err != nil {
		if m.Log != nil {
			m.Log.WithError(err).Error("failed to pack outbound message")
		}
		return
	}
	if err := rec.Queue.PushBroker(buf); err != nil {
		if m.Log != nil {
			m.Log.WithError(err).Warn("broker queue full, dropping handshake reply")
		}
	}
}
