// Package wire implements the ACN-framed RDMnet wire protocol: a resumable
// frame parser that assembles nested length-prefixed PDUs out of a streamed
// byte buffer, and a codec that is its exact inverse.
package wire

// Preamble is the fixed 16-byte literal that opens every RDMnet TCP frame,
// NUL-padded to 16 bytes.
var Preamble = [16]byte{'A', 'C', 'N', '-', 'P', 'a', 'c', 'k', 'e', 't', 0, 0, 0, 0, 0, 0}

// PreambleLen + RLPLengthLen is the size of the fixed TCP preamble header:
// 16-byte literal + 4-byte big-endian RLP block length.
const (
	PreambleLen     = 16
	RLPLengthLen    = 4
	TCPPreambleSize = PreambleLen + RLPLengthLen
)

// RootLayerFlags is the flags nibble every PDU length field in this protocol
// carries: length-extended form, vector present, header present, data
// present, no inheritance of parent flags. All three PDU levels (root,
// broker, RPT) share one 3-byte flags+length encoding: the first byte's top
// nibble is RootLayerFlags and its bottom nibble is bits 16-19 of a 20-bit
// length; the next two bytes are bits 0-15, big-endian. No message in this
// protocol approaches 2^20 bytes, so in practice the bottom nibble is always
// zero and the length fits the trailing two bytes, but decode always checks
// all 20 bits.
const RootLayerFlags = 0xF0

// LengthFieldSize is the shared 3-byte flags+length encoding used at every
// PDU nesting level.
const LengthFieldSize = 3

// Root layer vectors.
const (
	VectorRootBroker uint32 = 0x00000009
	VectorRootRPT    uint32 = 0x00000005
	VectorRootEPT    uint32 = 0x0000000B
)

// RootLayerHeaderSize is flags+length(3) + vector(4) + sender CID(16).
const RootLayerHeaderSize = LengthFieldSize + 4 + 16

// Broker PDU sub-vectors.
const (
	VectorBrokerConnect              uint16 = 0x0001
	VectorBrokerConnectReply         uint16 = 0x0002
	VectorBrokerClientEntryUpdate    uint16 = 0x0003
	VectorBrokerRedirectV4           uint16 = 0x0004
	VectorBrokerRedirectV6           uint16 = 0x0005
	VectorBrokerFetchClientList      uint16 = 0x0006
	VectorBrokerConnectedClientList  uint16 = 0x0007
	VectorBrokerClientAdd            uint16 = 0x0008
	VectorBrokerClientRemove         uint16 = 0x0009
	VectorBrokerClientEntryChange    uint16 = 0x000A
	VectorBrokerRequestDynamicUIDs   uint16 = 0x000B
	VectorBrokerAssignedDynamicUIDs  uint16 = 0x000C
	VectorBrokerFetchDynamicUIDList  uint16 = 0x000D
	VectorBrokerDisconnect           uint16 = 0x000E
	VectorBrokerNull                uint16 = 0x000F
)

// BrokerHeaderSize is flags+length(3) + sub-vector(2), the fixed part of every
// Broker PDU before its payload.
const BrokerHeaderSize = LengthFieldSize + 2

// VectorRPTData is not used by the codec: the RPT PDU's vector field carries
// one of the per-message vectors below (VectorRPTRequest, VectorRPTStatus,
// VectorRPTNotification).
const VectorRPTData uint32 = 0x00000001

// RptHeaderSize is source UID(6) + source endpoint(2) + dest UID(6) +
// dest endpoint(2) + seqnum(4) + reserved(1).
const RptHeaderSize = 6 + 2 + 6 + 2 + 4 + 1

// RPTFixedHeaderSize is flags+length(3) + vector(4), the fixed part of every
// RPT PDU before its RptHeader.
const RPTFixedHeaderSize = LengthFieldSize + 4

// RPTHeaderPDUSize is RPTFixedHeaderSize + RptHeader.
const RPTHeaderPDUSize = RPTFixedHeaderSize + RptHeaderSize

// RPT data-message vectors (classify the RPT PDU's content).
const (
	VectorRPTRequest      uint32 = 0x00000001
	VectorRPTStatus       uint32 = 0x00000002
	VectorRPTNotification uint32 = 0x00000003
)

// Connect-reply status codes. Values are the literal RDMnet wire codes;
// spec.md P8 requires ScopeMismatch=2, CapacityExceeded=5, DuplicateUid=6.
const (
	StatusOk                 uint16 = 0
	StatusUnknownClient      uint16 = 1
	StatusScopeMismatch      uint16 = 2
	StatusInvalidStaticUID   uint16 = 3
	StatusAlreadyConnected   uint16 = 4
	StatusCapacityExceeded   uint16 = 5
	StatusDuplicateUid       uint16 = 6
	StatusInvalidClientEntry uint16 = 7
	StatusInvalidUid         uint16 = 8
)

// RPT status codes used in RPT.Status messages.
const (
	RPTStatusUnknownRptUid       uint16 = 0x0000
	RPTStatusRdmTimeout          uint16 = 0x0001
	RPTStatusRdmInvalidResponse  uint16 = 0x0002
	RPTStatusUnknownRdmUid       uint16 = 0x0003
	RPTStatusUnknownEndpoint     uint16 = 0x0004
	RPTStatusBroadcastComplete   uint16 = 0x0005
	RPTStatusUnknownCommandClass uint16 = 0x0006
	RPTStatusInvalidCommandClass uint16 = 0x0007
	RPTStatusInvalidMessage      uint16 = 0x0008
	RPTStatusQueueOverflow       uint16 = 0x0009
)

// Client protocols, per ClientEntry.
const (
	ClientProtocolRPT uint32 = VectorRootRPT
	ClientProtocolEPT uint32 = VectorRootEPT
)

// RPT client types.
const (
	RPTClientTypeController uint8 = 0x00
	RPTClientTypeDevice     uint8 = 0x01
	RPTClientTypeUnknown    uint8 = 0xFF
)

// Broker disconnect reasons.
const (
	DisconnectShutdown         uint16 = 0x0000
	DisconnectCapacityExceeded uint16 = 0x0001
	DisconnectHardwareFault    uint16 = 0x0002
	DisconnectSoftwareFault    uint16 = 0x0003
	DisconnectSoftwareReset    uint16 = 0x0004
	DisconnectIncorrectScope   uint16 = 0x0005
	DisconnectRptSameIP        uint16 = 0x0006
	DisconnectRptNoSuchBroker  uint16 = 0x0007
	DisconnectRptAlreadyClaimed uint16 = 0x0008
	DisconnectRptHeartbeatTimeout uint16 = 0x0009
	DisconnectUserReconfigure  uint16 = 0x000A
)

// Fixed field widths for scope/domain/manufacturer/model/service-name strings.
const (
	ScopeFieldSize      = 63
	SearchDomainFieldSize = 231
	ManufacturerFieldSize = 63
	ModelFieldSize      = 63
	ServiceNameFieldSize = 63
	RPTStatusStringMax  = 63
	UUIDSize            = 16
)

// Client entry sizes (protocol, CID, then protocol-specific sub-fields).
const (
	ClientEntryHeaderSize = 4 + UUIDSize // protocol(4) + CID(16)
	RPTClientEntrySize    = 6 + 1 + UUIDSize // UID(6) + type(1) + binding CID(16)
)

// ClientConnectCommonSize is scope(63) + e133 version(2) + search domain(231)
// + connect flags(1), the fixed portion preceding the ClientEntry.
const ClientConnectCommonSize = ScopeFieldSize + 2 + SearchDomainFieldSize + 1

// Connect flags bits.
const (
	ConnectFlagIncrementalUpdates uint8 = 0x01
)

// UID list item size: manufacturer(2) + device(4).
const UIDItemSize = 6

// AssignedDynamicUID list item size: requested-UID-or-CID(16) + assigned UID(6) + status code(2).
const DynamicUidMappingSize = UUIDSize + UIDItemSize + 2

// DynamicUidRequestItemSize: CID(16) + manufacturer(2) requesting manufacturer ID.
const DynamicUidRequestItemSize = UUIDSize + 2
