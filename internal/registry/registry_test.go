package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

func TestAcceptCreatesUnindexedRecord(t *testing.T) {
	reg := New()
	c1, _ := net.Pipe()
	rec := reg.Accept(c1, "127.0.0.1:1234", 0)

	assert.Equal(t, TCPConnected, rec.State)
	_, found := reg.ByUID(rdmuid.UID{})
	assert.False(t, found)
	assert.Equal(t, 1, reg.Len())
}

func TestHandlesAreDenseAndNotReused(t *testing.T) {
	reg := New()
	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	c3, _ := net.Pipe()
	r1 := reg.Accept(c1, "a", 0)
	r2 := reg.Accept(c2, "b", 0)
	assert.Equal(t, 0, r1.Handle)
	assert.Equal(t, 1, r2.Handle)

	reg.MarkForDestruction(r1.Handle, "test")
	reg.Reap()

	r3 := reg.Accept(c3, "c", 0)
	assert.NotEqual(t, r2.Handle, r3.Handle)
}

func TestPromoteInstallsSecondaryIndices(t *testing.T) {
	reg := New()
	conn, _ := net.Pipe()
	rec := reg.Accept(conn, "addr", 0)

	uid := rdmuid.UID{Manufacturer: 0x4554, Device: 1}
	rec.Mu.Lock()
	reg.Promote(rec, uid, wire.RPTClientTypeController, 0)
	rec.Mu.Unlock()

	got, ok := reg.ByUID(uid)
	require.True(t, ok)
	assert.Equal(t, rec.Handle, got.Handle)
	assert.Equal(t, Connected, rec.State)
	assert.Equal(t, 1, reg.CountByType(wire.RPTClientTypeController))
}

func TestReapRemovesFromAllIndices(t *testing.T) {
	reg := New()
	conn, _ := net.Pipe()
	rec := reg.Accept(conn, "addr", 0)
	uid := rdmuid.UID{Manufacturer: 0x4554, Device: 1}
	rec.Mu.Lock()
	reg.Promote(rec, uid, wire.RPTClientTypeDevice, 0)
	rec.Mu.Unlock()

	reg.MarkForDestruction(rec.Handle, "shutdown")
	removed := reg.Reap()

	require.Len(t, removed, 1)
	assert.Equal(t, rec.Handle, removed[0].Handle)
	_, ok := reg.ByHandle(rec.Handle)
	assert.False(t, ok)
	_, ok = reg.ByUID(uid)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.CountByType(wire.RPTClientTypeDevice))
}

func TestSnapshotFiltersByTypeAndManufacturer(t *testing.T) {
	reg := New()
	conn1, _ := net.Pipe()
	conn2, _ := net.Pipe()
	r1 := reg.Accept(conn1, "a", 0)
	r2 := reg.Accept(conn2, "b", 0)

	r1.Mu.Lock()
	reg.Promote(r1, rdmuid.UID{Manufacturer: 1, Device: 1}, wire.RPTClientTypeDevice, 0)
	r1.Mu.Unlock()
	r2.Mu.Lock()
	reg.Promote(r2, rdmuid.UID{Manufacturer: 2, Device: 1}, wire.RPTClientTypeDevice, 0)
	r2.Mu.Unlock()

	deviceType := wire.RPTClientTypeDevice
	manu := uint16(1)
	handles := reg.Snapshot(&deviceType, &manu)
	require.Len(t, handles, 1)
	assert.Equal(t, r1.Handle, handles[0])
}

func TestNoteProtocolErrorEscalatesAtThreeWithinOneSecond(t *testing.T) {
	rec := &Record{}
	now := time.Now()
	assert.False(t, rec.NoteProtocolError(now))
	assert.False(t, rec.NoteProtocolError(now))
	assert.True(t, rec.NoteProtocolError(now))
}
