package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
)

func TestPackSizeAgreesWithPack(t *testing.T) {
	msg := ClientConnect{
		baseMessage:  newBase(uuid.New()),
		Scope:        "default",
		E133Version:  1,
		SearchDomain: "local.",
		ConnectFlags: ConnectFlagIncrementalUpdates,
		Entry: ClientEntry{
			CID:        uuid.New(),
			Protocol:   ClientProtocolRPT,
			UID:        rdmuid.UID{Manufacturer: 0x4554, Device: 1},
			ClientType: RPTClientTypeController,
		},
	}

	want, err := Size(msg)
	require.NoError(t, err)

	buf, err := Pack(msg)
	require.NoError(t, err)
	assert.Equal(t, want, len(buf))
}

func TestPackParseRoundTripClientConnect(t *testing.T) {
	sender := uuid.New()
	entryCID := uuid.New()
	msg := ClientConnect{
		baseMessage:  newBase(sender),
		Scope:        "default",
		E133Version:  1,
		SearchDomain: "local.",
		ConnectFlags: ConnectFlagIncrementalUpdates,
		Entry: ClientEntry{
			CID:        entryCID,
			Protocol:   ClientProtocolRPT,
			UID:        rdmuid.UID{Manufacturer: 0x4554, Device: 0x00000042},
			ClientType: RPTClientTypeController,
		},
	}

	buf, err := Pack(msg)
	require.NoError(t, err)

	p := NewParser()
	msgs, consumed, outcome := p.Feed(buf)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, FullBlockOk, outcome)
	require.Len(t, msgs, 1)

	got, ok := msgs[0].(ClientConnect)
	require.True(t, ok)
	assert.Equal(t, sender, got.SenderCID())
	assert.Equal(t, msg.Scope, got.Scope)
	assert.Equal(t, msg.E133Version, got.E133Version)
	assert.Equal(t, msg.SearchDomain, got.SearchDomain)
	assert.Equal(t, msg.ConnectFlags, got.ConnectFlags)
	assert.Equal(t, entryCID, got.Entry.CID)
	assert.True(t, msg.Entry.UID.Equal(got.Entry.UID))
	assert.Equal(t, msg.Entry.ClientType, got.Entry.ClientType)
}

func TestPackParseRoundTripConnectReply(t *testing.T) {
	msg := ConnectReply{
		baseMessage: newBase(uuid.New()),
		Status:      StatusCapacityExceeded,
		E133Version: 1,
		BrokerUID:   rdmuid.UID{Manufacturer: 0x4554, Device: 1},
		ClientUID:   rdmuid.UID{Manufacturer: 0x4554, Device: 2},
	}
	buf, err := Pack(msg)
	require.NoError(t, err)

	p := NewParser()
	msgs, _, outcome := p.Feed(buf)
	require.Equal(t, FullBlockOk, outcome)
	require.Len(t, msgs, 1)
	got := msgs[0].(ConnectReply)
	assert.Equal(t, msg.Status, got.Status)
	assert.True(t, msg.BrokerUID.Equal(got.BrokerUID))
	assert.True(t, msg.ClientUID.Equal(got.ClientUID))
}

func TestPackParseRoundTripClientList(t *testing.T) {
	msg := ClientList{
		baseMessage: newBase(uuid.New()),
		Op:          ClientListAdd,
		Entries: []ClientEntry{
			{CID: uuid.New(), Protocol: ClientProtocolRPT, UID: rdmuid.UID{Manufacturer: 1, Device: 1}, ClientType: RPTClientTypeDevice},
			{CID: uuid.New(), Protocol: ClientProtocolRPT, UID: rdmuid.UID{Manufacturer: 1, Device: 2}, ClientType: RPTClientTypeController},
		},
		MoreComing: true,
	}
	buf, err := Pack(msg)
	require.NoError(t, err)

	p := NewParser()
	msgs, _, outcome := p.Feed(buf)
	require.Equal(t, FullBlockOk, outcome)
	require.Len(t, msgs, 1)
	got := msgs[0].(ClientList)
	assert.Equal(t, ClientListAdd, got.Op)
	assert.True(t, got.MoreComing)
	require.Len(t, got.Entries, 2)
	assert.True(t, msg.Entries[0].UID.Equal(got.Entries[0].UID))
	assert.True(t, msg.Entries[1].UID.Equal(got.Entries[1].UID))
}

func TestPackParseRoundTripRPTRequest(t *testing.T) {
	msg := RPTRequest{
		baseMessage: newBase(uuid.New()),
		Header: RptHeader{
			SourceUID:      rdmuid.UID{Manufacturer: 0x4554, Device: 1},
			SourceEndpoint: 0,
			DestUID:        rdmuid.UID{Manufacturer: 0x4554, Device: 2},
			DestEndpoint:   0,
			Seqnum:         7,
		},
		RDMBuffers: [][]byte{{0x01, 0x02, 0x03}, {0xAA}},
		MoreComing: false,
	}
	buf, err := Pack(msg)
	require.NoError(t, err)

	p := NewParser()
	msgs, _, outcome := p.Feed(buf)
	require.Equal(t, FullBlockOk, outcome)
	require.Len(t, msgs, 1)
	got := msgs[0].(RPTRequest)
	assert.Equal(t, msg.Header.Seqnum, got.Header.Seqnum)
	assert.True(t, msg.Header.SourceUID.Equal(got.Header.SourceUID))
	assert.True(t, msg.Header.DestUID.Equal(got.Header.DestUID))
	require.Len(t, got.RDMBuffers, 2)
	assert.Equal(t, msg.RDMBuffers[0], got.RDMBuffers[0])
	assert.Equal(t, msg.RDMBuffers[1], got.RDMBuffers[1])
}

func TestPackParseRoundTripRPTStatus(t *testing.T) {
	msg := RPTStatus{
		baseMessage: newBase(uuid.New()),
		Header: RptHeader{
			SourceUID: rdmuid.UID{Manufacturer: 1, Device: 1},
			DestUID:   rdmuid.UID{Manufacturer: 1, Device: 2},
			Seqnum:    1,
		},
		StatusCode:   RPTStatusQueueOverflow,
		StatusString: "queue full",
	}
	buf, err := Pack(msg)
	require.NoError(t, err)

	p := NewParser()
	msgs, _, _ := p.Feed(buf)
	require.Len(t, msgs, 1)
	got := msgs[0].(RPTStatus)
	assert.Equal(t, msg.StatusCode, got.StatusCode)
	assert.Equal(t, msg.StatusString, got.StatusString)
}

func TestPackRPTStatusRejectsStringOverMax(t *testing.T) {
	msg := RPTStatus{
		baseMessage: newBase(uuid.New()),
		Header: RptHeader{
			SourceUID: rdmuid.UID{Manufacturer: 1, Device: 1},
			DestUID:   rdmuid.UID{Manufacturer: 1, Device: 2},
			Seqnum:    1,
		},
		StatusCode:   RPTStatusQueueOverflow,
		StatusString: string(make([]byte, RPTStatusStringMax+1)),
	}
	_, err := Size(msg)
	assert.Error(t, err)
	_, err = Pack(msg)
	assert.Error(t, err)
}

func TestPackRPTStatusHasNoLengthByte(t *testing.T) {
	msg := RPTStatus{
		baseMessage: newBase(uuid.New()),
		Header: RptHeader{
			SourceUID: rdmuid.UID{Manufacturer: 1, Device: 1},
			DestUID:   rdmuid.UID{Manufacturer: 1, Device: 2},
			Seqnum:    1,
		},
		StatusCode:   RPTStatusQueueOverflow,
		StatusString: "queue full",
	}
	buf, err := Pack(msg)
	require.NoError(t, err)

	// Status string is the last field, with no length byte ahead of it:
	// the string's bytes sit immediately after the 2-byte status code at
	// the end of the buffer.
	assert.Equal(t, msg.StatusString, string(buf[len(buf)-len(msg.StatusString):]))
}

func TestRedirectRoundTripV4AndV6(t *testing.T) {
	v4 := Redirect{baseMessage: newBase(uuid.New()), NewAddr: "192.168.1.5:5569", IsIPv6: false}
	buf, err := Pack(v4)
	require.NoError(t, err)
	p := NewParser()
	msgs, _, _ := p.Feed(buf)
	require.Len(t, msgs, 1)
	gotV4 := msgs[0].(Redirect)
	assert.Equal(t, "192.168.1.5:5569", gotV4.NewAddr)
	assert.False(t, gotV4.IsIPv6)

	v6 := Redirect{baseMessage: newBase(uuid.New()), NewAddr: "[::1]:5569", IsIPv6: true}
	buf2, err := Pack(v6)
	require.NoError(t, err)
	p2 := NewParser()
	msgs2, _, _ := p2.Feed(buf2)
	require.Len(t, msgs2, 1)
	gotV6 := msgs2[0].(Redirect)
	assert.True(t, gotV6.IsIPv6)
}
