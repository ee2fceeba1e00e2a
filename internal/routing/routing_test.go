package routing

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

func testPack(msg wire.Message) ([]byte, error) {
	return wire.Pack(msg)
}

func firstRPTStatus(t *testing.T, rec *registry.Record) wire.RPTStatus {
	t.Helper()
	data, ok := rec.Queue.Peek()
	require.True(t, ok)
	p := wire.NewParser()
	msgs, _, _ := p.Feed(data)
	require.Len(t, msgs, 1)
	status, ok := msgs[0].(wire.RPTStatus)
	require.True(t, ok)
	return status
}

func newConnectedRecord(t *testing.T, reg *registry.Registry, clientType uint8, uid rdmuid.UID) *registry.Record {
	t.Helper()
	conn, _ := net.Pipe()
	rec := reg.Accept(conn, "peer", 0)
	rec.Mu.Lock()
	rec.State = registry.AwaitingConnect
	rec.Mu.Unlock()
	reg.Promote(rec, uid, clientType, 0)
	return rec
}

func TestRouteUnicastRequestToDevice(t *testing.T) {
	reg := registry.New()
	controller := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 1})
	device := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 2})

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Route(controller, wire.RPTRequest{
		Header:     wire.RptHeader{SourceUID: controller.UID, DestUID: device.UID},
		RDMBuffers: [][]byte{{0x01}},
	}, testPack)
	require.NoError(t, err)

	_, ok := device.Queue.Peek()
	assert.True(t, ok)
	_, ok = controller.Queue.Peek()
	assert.False(t, ok, "no status reply expected on a successful route")
}

func TestRouteRequestFromDeviceIsInvalidCommandClass(t *testing.T) {
	reg := registry.New()
	device := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 1})
	other := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 2})

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Route(device, wire.RPTRequest{
		Header:     wire.RptHeader{SourceUID: device.UID, DestUID: other.UID},
		RDMBuffers: [][]byte{{0x01}},
	}, testPack)
	require.NoError(t, err)

	status := firstRPTStatus(t, device)
	assert.Equal(t, wire.RPTStatusInvalidCommandClass, status.StatusCode)
}

func TestRouteRequestToUnknownUIDRepliesUnknownRptUid(t *testing.T) {
	reg := registry.New()
	controller := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 1})

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Route(controller, wire.RPTRequest{
		Header:     wire.RptHeader{SourceUID: controller.UID, DestUID: rdmuid.UID{Manufacturer: 9, Device: 9}},
		RDMBuffers: [][]byte{{0x01}},
	}, testPack)
	require.NoError(t, err)

	status := firstRPTStatus(t, controller)
	assert.Equal(t, wire.RPTStatusUnknownRptUid, status.StatusCode)
}

func TestRouteRequestWithMultipleBuffersIsInvalidMessage(t *testing.T) {
	reg := registry.New()
	controller := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 1})
	device := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 2})

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Route(controller, wire.RPTRequest{
		Header:     wire.RptHeader{SourceUID: controller.UID, DestUID: device.UID},
		RDMBuffers: [][]byte{{0x01}, {0x02}},
	}, testPack)
	require.NoError(t, err)

	status := firstRPTStatus(t, controller)
	assert.Equal(t, wire.RPTStatusInvalidMessage, status.StatusCode)
}

func TestRouteStatusBroadcastToAllControllers(t *testing.T) {
	reg := registry.New()
	device := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 1})
	c1 := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 2})
	c2 := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 3})

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Route(device, wire.RPTStatus{
		Header:     wire.RptHeader{SourceUID: device.UID, DestUID: rdmuid.AllControllers},
		StatusCode: wire.RPTStatusRdmTimeout,
	}, testPack)
	require.NoError(t, err)

	_, ok := c1.Queue.Peek()
	assert.True(t, ok)
	_, ok = c2.Queue.Peek()
	assert.True(t, ok)
}

func TestRouteBroadcastCompleteStatusIsSuppressed(t *testing.T) {
	reg := registry.New()
	device := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 1})
	controller := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 2})

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Route(device, wire.RPTStatus{
		Header:     wire.RptHeader{SourceUID: device.UID, DestUID: rdmuid.AllControllers},
		StatusCode: wire.RPTStatusBroadcastComplete,
	}, testPack)
	require.NoError(t, err)

	_, ok := controller.Queue.Peek()
	assert.False(t, ok)
}

func TestBroadcastDeviceQueueFullDoesNotAbortOthers(t *testing.T) {
	reg := registry.New()
	controller := newConnectedRecord(t, reg, wire.RPTClientTypeController, rdmuid.UID{Manufacturer: 1, Device: 1})
	full := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 2})
	ok2 := newConnectedRecord(t, reg, wire.RPTClientTypeDevice, rdmuid.UID{Manufacturer: 1, Device: 3})

	// Leave full's queue with no room by swapping in a capacity-1 queue via
	// a second Promote call and filling its one slot.
	reg.Promote(full, full.UID, wire.RPTClientTypeDevice, 1)
	require.NoError(t, full.Queue.PushRPT(controller.Handle, []byte("x")))

	e := NewEngine(reg, rdmuid.UID{Manufacturer: 1, Device: 0xFE}, nil)
	err := e.Broadcast(nil, controller.Handle, wire.RPTNotification{
		Header:     wire.RptHeader{SourceUID: controller.UID, DestUID: rdmuid.AllDevices},
		RDMBuffers: [][]byte{{0x01}},
	}, testPack)
	require.NoError(t, err)

	assert.Equal(t, 1, e.OverflowCount(full.Handle))
	_, gotOk := ok2.Queue.Peek()
	assert.True(t, gotOk, "other device must still receive the broadcast")
}
