package connfsm

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/uidmgr"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

func newMachine(t *testing.T) (*Machine, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	uids := uidmgr.New(0x4554, 0)
	m := &Machine{
		Registry:    reg,
		UIDs:        uids,
		BrokerCID:   uuid.New(),
		BrokerUID:   rdmuid.UID{Manufacturer: 0x4554, Device: 1},
		Scope:       "default",
		E133Version: 1,
	}
	return m, reg
}

func acceptRecord(t *testing.T, m *Machine, reg *registry.Registry) *registry.Record {
	t.Helper()
	conn, _ := net.Pipe()
	rec := reg.Accept(conn, "peer", 0)
	m.Attach(rec)
	return rec
}

func firstConnectReply(t *testing.T, rec *registry.Record) wire.ConnectReply {
	t.Helper()
	data, ok := rec.Queue.Peek()
	require.True(t, ok)
	p := wire.NewParser()
	msgs, _, _ := p.Feed(data)
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(wire.ConnectReply)
	require.True(t, ok)
	return reply
}

func TestHandshakeScopeMismatchRefusalCode(t *testing.T) {
	m, reg := newMachine(t)
	rec := acceptRecord(t, m, reg)

	refused := m.HandleClientConnect(rec, wire.ClientConnect{
		Scope: "other",
		Entry: wire.ClientEntry{CID: uuid.New(), Protocol: wire.ClientProtocolRPT, UID: rdmuid.UID{Device: rdmuid.UID{}.Device}, ClientType: wire.RPTClientTypeController},
	})
	assert.True(t, refused)

	reply := firstConnectReply(t, rec)
	assert.Equal(t, wire.StatusScopeMismatch, reply.Status)

	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	assert.Equal(t, registry.MarkedForDestruction, rec.State)
}

func TestHandshakeCapacityExceededRefusalCode(t *testing.T) {
	m, reg := newMachine(t)
	m.MaxConnections = 1
	// Occupy the one slot.
	_ = acceptRecord(t, m, reg)
	rec := acceptRecord(t, m, reg)

	refused := m.HandleClientConnect(rec, wire.ClientConnect{
		Scope: "default",
		Entry: wire.ClientEntry{CID: uuid.New(), Protocol: wire.ClientProtocolRPT, ClientType: wire.RPTClientTypeController},
	})
	assert.True(t, refused)
	reply := firstConnectReply(t, rec)
	assert.Equal(t, wire.StatusCapacityExceeded, reply.Status)
}

func TestHandshakeDuplicateStaticUIDRefusalCode(t *testing.T) {
	m, reg := newMachine(t)
	staticUID := rdmuid.UID{Manufacturer: 0x1111, Device: 42}
	require.NoError(t, m.UIDs.AddStatic(999, staticUID))

	rec := acceptRecord(t, m, reg)
	refused := m.HandleClientConnect(rec, wire.ClientConnect{
		Scope: "default",
		Entry: wire.ClientEntry{CID: uuid.New(), Protocol: wire.ClientProtocolRPT, UID: staticUID, ClientType: wire.RPTClientTypeController},
	})
	assert.True(t, refused)
	reply := firstConnectReply(t, rec)
	assert.Equal(t, wire.StatusDuplicateUid, reply.Status)
}

func TestHandshakeSuccessPromotesAndRepliesOk(t *testing.T) {
	m, reg := newMachine(t)
	rec := acceptRecord(t, m, reg)

	cid := uuid.New()
	refused := m.HandleClientConnect(rec, wire.ClientConnect{
		Scope: "default",
		Entry: wire.ClientEntry{
			CID:        cid,
			Protocol:   wire.ClientProtocolRPT,
			UID:        rdmuid.UID{Manufacturer: 0x6574, Device: 0x80000001},
			ClientType: wire.RPTClientTypeController,
		},
	})
	assert.False(t, refused)

	reply := firstConnectReply(t, rec)
	assert.Equal(t, wire.StatusOk, reply.Status)

	rec.Mu.Lock()
	state := rec.State
	rec.Mu.Unlock()
	assert.Equal(t, registry.Connected, state)
}

func TestRepeatedClientConnectWhileConnectedIsProtocolError(t *testing.T) {
	m, reg := newMachine(t)
	rec := acceptRecord(t, m, reg)
	m.HandleClientConnect(rec, wire.ClientConnect{
		Scope: "default",
		Entry: wire.ClientEntry{CID: uuid.New(), Protocol: wire.ClientProtocolRPT, UID: rdmuid.UID{Manufacturer: 1, Device: 0x80000001}, ClientType: wire.RPTClientTypeController},
	})

	refused := m.HandleClientConnect(rec, wire.ClientConnect{
		Scope: "default",
		Entry: wire.ClientEntry{CID: uuid.New(), Protocol: wire.ClientProtocolRPT, UID: rdmuid.UID{Manufacturer: 1, Device: 0x80000002}, ClientType: wire.RPTClientTypeController},
	})
	assert.True(t, refused)
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	assert.Equal(t, registry.MarkedForDestruction, rec.State)
}

func TestCheckHeartbeatExpiryMarksDestruction(t *testing.T) {
	m, reg := newMachine(t)
	rec := acceptRecord(t, m, reg)

	destroyed, _ := m.CheckHeartbeat(rec, time.Now().Add(16*time.Second))
	assert.True(t, destroyed)

	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	assert.Equal(t, registry.MarkedForDestruction, rec.State)
}

func TestCheckHeartbeatSendIdleDueAtSevenPointFiveSeconds(t *testing.T) {
	m, reg := newMachine(t)
	rec := acceptRecord(t, m, reg)

	destroyed, due := m.CheckHeartbeat(rec, time.Now().Add(8*time.Second))
	assert.False(t, destroyed)
	assert.True(t, due)
}
