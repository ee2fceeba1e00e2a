package wire

import (
	"github.com/google/uuid"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
)

// Message is the tagged union of every value the parser can emit and the
// codec can pack. Concrete types implement it as a marker; callers type-switch
// on the concrete type, matching the "no open-ended subclassing" design note.
type Message interface {
	isMessage()
	// SenderCID is the ACN root-layer sender CID this message carries (for
	// inbound messages) or should carry (for outbound messages); invariant I6
	// requires every emitted message to use the broker's own CID.
	SenderCID() uuid.UUID
}

type baseMessage struct {
	Sender uuid.UUID
}

// SenderCID implements Message.
func (b baseMessage) SenderCID() uuid.UUID { return b.Sender }

// ClientEntry describes a client's identity and protocol-specific sub-fields,
// per spec.md §3.
type ClientEntry struct {
	CID      uuid.UUID
	Protocol uint32 // ClientProtocolRPT or ClientProtocolEPT

	// RPT-only fields (Protocol == ClientProtocolRPT).
	UID        rdmuid.UID
	ClientType uint8 // RPTClientType*
	BindingCID uuid.UUID
}

// ClientConnect is Broker.ClientConnect.
type ClientConnect struct {
	baseMessage
	Scope        string
	E133Version  uint16
	SearchDomain string
	ConnectFlags uint8
	Entry        ClientEntry
}

func (ClientConnect) isMessage() {}

// ConnectReply is Broker.ConnectReply.
type ConnectReply struct {
	baseMessage
	Status      uint16
	E133Version uint16
	BrokerUID   rdmuid.UID
	ClientUID   rdmuid.UID
}

func (ConnectReply) isMessage() {}

// ClientEntryUpdate is Broker.ClientEntryUpdate.
type ClientEntryUpdate struct {
	baseMessage
	ConnectFlags uint8
	Entry        ClientEntry
}

func (ClientEntryUpdate) isMessage() {}

// Redirect is Broker.Redirect (v4 or v6 form; we carry the already-resolved
// host:port string and pack into whichever sub-vector matches its family).
type Redirect struct {
	baseMessage
	NewAddr string
	IsIPv6  bool
}

func (Redirect) isMessage() {}

// ClientListOp enumerates the operation carried by a Broker.ClientList.
type ClientListOp int

const (
	ClientListConnected ClientListOp = iota
	ClientListAdd
	ClientListRemove
	ClientListChange
)

// ClientList is Broker.ClientList (covers ConnectedClientList/ClientAdd/
// ClientRemove/ClientEntryChange on the wire, disambiguated by Op).
type ClientList struct {
	baseMessage
	Op         ClientListOp
	Entries    []ClientEntry
	MoreComing bool
}

func (ClientList) isMessage() {}

// DynamicUIDRequestItem is one entry of Broker.RequestDynamicUids.
type DynamicUIDRequestItem struct {
	CID          uuid.UUID
	Manufacturer uint16
}

// DynamicUIDRequestList is Broker.RequestDynamicUids.
type DynamicUIDRequestList struct {
	baseMessage
	Items      []DynamicUIDRequestItem
	MoreComing bool
}

func (DynamicUIDRequestList) isMessage() {}

// DynamicUIDMapping is one entry of Broker.AssignedDynamicUids.
type DynamicUIDMapping struct {
	RequestedCID uuid.UUID
	AssignedUID  rdmuid.UID
	StatusCode   uint16
}

// DynamicUIDAssignmentList is Broker.AssignedDynamicUids.
type DynamicUIDAssignmentList struct {
	baseMessage
	Mappings   []DynamicUIDMapping
	MoreComing bool
}

func (DynamicUIDAssignmentList) isMessage() {}

// FetchDynamicUIDList is Broker.FetchDynamicUidList.
type FetchDynamicUIDList struct {
	baseMessage
	UIDs []rdmuid.UID
}

func (FetchDynamicUIDList) isMessage() {}

// Disconnect is Broker.Disconnect.
type Disconnect struct {
	baseMessage
	Reason uint16
}

func (Disconnect) isMessage() {}

// Null is Broker.Null, the heartbeat message (no payload).
type Null struct {
	baseMessage
}

func (Null) isMessage() {}

// FetchClientList is Broker.FetchClientList (no payload).
type FetchClientList struct {
	baseMessage
}

func (FetchClientList) isMessage() {}

// RptHeader is the common header for RPT.Request/Notification/Status.
type RptHeader struct {
	SourceUID      rdmuid.UID
	SourceEndpoint uint16
	DestUID        rdmuid.UID
	DestEndpoint   uint16
	Seqnum         uint32
}

// RPTRequest is RPT.Request: exactly one RDM command buffer per spec.md §4.7.
type RPTRequest struct {
	baseMessage
	Header     RptHeader
	RDMBuffers [][]byte
	MoreComing bool
}

func (RPTRequest) isMessage() {}

// RPTNotification is RPT.Notification.
type RPTNotification struct {
	baseMessage
	Header     RptHeader
	RDMBuffers [][]byte
	MoreComing bool
}

func (RPTNotification) isMessage() {}

// RPTStatus is RPT.Status.
type RPTStatus struct {
	baseMessage
	Header       RptHeader
	StatusCode   uint16
	StatusString string // optional, <= RPTStatusStringMax bytes
}

func (RPTStatus) isMessage() {}

func newBase(sender uuid.UUID) baseMessage { return baseMessage{Sender: sender} }

// WithSender returns msg with its ACN sender CID set to sender, used to
// stamp the broker's own CID onto every outbound message (I6).
func WithSender(msg Message, sender uuid.UUID) Message {
	switch m := msg.(type) {
	case ClientConnect:
		m.Sender = sender
		return m
	case ConnectReply:
		m.Sender = sender
		return m
	case ClientEntryUpdate:
		m.Sender = sender
		return m
	case Redirect:
		m.Sender = sender
		return m
	case ClientList:
		m.Sender = sender
		return m
	case DynamicUIDRequestList:
		m.Sender = sender
		return m
	case DynamicUIDAssignmentList:
		m.Sender = sender
		return m
	case FetchDynamicUIDList:
		m.Sender = sender
		return m
	case Disconnect:
		m.Sender = sender
		return m
	case Null:
		m.Sender = sender
		return m
	case FetchClientList:
		m.Sender = sender
		return m
	case RPTRequest:
		m.Sender = sender
		return m
	case RPTNotification:
		m.Sender = sender
		return m
	case RPTStatus:
		m.Sender = sender
		return m
	default:
		return msg
	}
}
