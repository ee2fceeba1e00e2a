package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// entrySize returns the on-wire size of a ClientEntry: a fixed protocol+CID
// header, plus protocol-specific sub-fields. EPT entries carry no
// sub-fields in this implementation (EPT clients are refused outright, see
// SPEC_FULL.md's open-question resolution), so their entry is header-only.
func entrySize(e ClientEntry) int {
	size := ClientEntryHeaderSize
	if e.Protocol == ClientProtocolRPT {
		size += RPTClientEntrySize
	}
	return size
}

func putEntry(buf []byte, e ClientEntry) int {
	n := 0
	binary.BigEndian.PutUint32(buf[0:4], e.Protocol)
	putCID(buf[4:20], e.CID)
	n = ClientEntryHeaderSize
	if e.Protocol == ClientProtocolRPT {
		putUID(buf[n:n+6], e.UID)
		buf[n+6] = e.ClientType
		putCID(buf[n+7:n+23], e.BindingCID)
		n += RPTClientEntrySize
	}
	return n
}

func getEntry(buf []byte) (ClientEntry, int, error) {
	if len(buf) < ClientEntryHeaderSize {
		return ClientEntry{}, 0, fmt.Errorf("wire: short client entry")
	}
	e := ClientEntry{
		Protocol: binary.BigEndian.Uint32(buf[0:4]),
		CID:      getCID(buf[4:20]),
	}
	n := ClientEntryHeaderSize
	if e.Protocol == ClientProtocolRPT {
		if len(buf) < n+RPTClientEntrySize {
			return ClientEntry{}, 0, fmt.Errorf("wire: short RPT client entry")
		}
		e.UID = getUID(buf[n : n+6])
		e.ClientType = buf[n+6]
		e.BindingCID = getCID(buf[n+7 : n+23])
		n += RPTClientEntrySize
	}
	return e, n, nil
}

// brokerPayloadSize returns the size of a Broker PDU's payload, i.e. the
// bytes following the sub-vector field.
func brokerPayloadSize(msg Message) (int, error) {
	switch m := msg.(type) {
	case ClientConnect:
		return ClientConnectCommonSize + entrySize(m.Entry), nil
	case ConnectReply:
		return 2 + 2 + UIDItemSize + UIDItemSize, nil
	case ClientEntryUpdate:
		return 1 + entrySize(m.Entry), nil
	case Redirect:
		sz, err := redirectAddrSize(m)
		return sz, err
	case ClientList:
		size := 1 // MoreComing
		for _, e := range m.Entries {
			size += entrySize(e)
		}
		return size, nil
	case DynamicUIDRequestList:
		return 1 + len(m.Items)*DynamicUidRequestItemSize, nil
	case DynamicUIDAssignmentList:
		return 1 + len(m.Mappings)*DynamicUidMappingSize, nil
	case FetchDynamicUIDList:
		return len(m.UIDs) * UIDItemSize, nil
	case Disconnect:
		return 2, nil
	case Null:
		return 0, nil
	case FetchClientList:
		return 0, nil
	default:
		return 0, fmt.Errorf("wire: %T is not a Broker message", msg)
	}
}

func redirectAddrSize(m Redirect) (int, error) {
	if m.IsIPv6 {
		return 16 + 2, nil
	}
	return 4 + 2, nil
}

func brokerSubVector(msg Message) (uint16, error) {
	switch m := msg.(type) {
	case ClientConnect:
		return VectorBrokerConnect, nil
	case ConnectReply:
		return VectorBrokerConnectReply, nil
	case ClientEntryUpdate:
		return VectorBrokerClientEntryUpdate, nil
	case Redirect:
		if m.IsIPv6 {
			return VectorBrokerRedirectV6, nil
		}
		return VectorBrokerRedirectV4, nil
	case ClientList:
		switch m.Op {
		case ClientListConnected:
			return VectorBrokerConnectedClientList, nil
		case ClientListAdd:
			return VectorBrokerClientAdd, nil
		case ClientListRemove:
			return VectorBrokerClientRemove, nil
		case ClientListChange:
			return VectorBrokerClientEntryChange, nil
		}
		return 0, fmt.Errorf("wire: unknown ClientListOp %d", m.Op)
	case DynamicUIDRequestList:
		return VectorBrokerRequestDynamicUIDs, nil
	case DynamicUIDAssignmentList:
		return VectorBrokerAssignedDynamicUIDs, nil
	case FetchDynamicUIDList:
		return VectorBrokerFetchDynamicUIDList, nil
	case Disconnect:
		return VectorBrokerDisconnect, nil
	case Null:
		return VectorBrokerNull, nil
	case FetchClientList:
		return VectorBrokerFetchClientList, nil
	default:
		return 0, fmt.Errorf("wire: %T is not a Broker message", msg)
	}
}

func isBrokerMessage(msg Message) bool {
	_, err := brokerSubVector(msg)
	return err == nil
}

func isRPTMessage(msg Message) bool {
	switch msg.(type) {
	case RPTRequest, RPTNotification, RPTStatus:
		return true
	}
	return false
}

func rdmBuffersSize(bufs [][]byte) int {
	size := 1 // MoreComing
	for _, b := range bufs {
		size += 2 + len(b)
	}
	return size
}

func rptPayloadSize(msg Message) (int, error) {
	switch m := msg.(type) {
	case RPTRequest:
		return rdmBuffersSize(m.RDMBuffers), nil
	case RPTNotification:
		return rdmBuffersSize(m.RDMBuffers), nil
	case RPTStatus:
		if len(m.StatusString) > RPTStatusStringMax {
			return 0, fmt.Errorf("wire: RPT.Status string length %d exceeds max %d", len(m.StatusString), RPTStatusStringMax)
		}
		return 2 + len(m.StatusString), nil
	default:
		return 0, fmt.Errorf("wire: %T is not an RPT message", msg)
	}
}

func rptDataVector(msg Message) (uint32, error) {
	switch msg.(type) {
	case RPTRequest:
		return VectorRPTRequest, nil
	case RPTNotification:
		return VectorRPTNotification, nil
	case RPTStatus:
		return VectorRPTStatus, nil
	default:
		return 0, fmt.Errorf("wire: %T is not an RPT message", msg)
	}
}

// Size returns the total on-wire size of msg, including the 20-byte TCP
// preamble.
func Size(msg Message) (int, error) {
	switch {
	case isBrokerMessage(msg):
		payload, err := brokerPayloadSize(msg)
		if err != nil {
			return 0, err
		}
		return TCPPreambleSize + RootLayerHeaderSize + BrokerHeaderSize + payload, nil
	case isRPTMessage(msg):
		payload, err := rptPayloadSize(msg)
		if err != nil {
			return 0, err
		}
		return TCPPreambleSize + RootLayerHeaderSize + RPTHeaderPDUSize + payload, nil
	default:
		return 0, fmt.Errorf("wire: %T: unknown message category", msg)
	}
}

// Pack serializes msg into a freshly allocated buffer, including its TCP
// preamble. It is the exact inverse of Parser.Feed.
func Pack(msg Message) ([]byte, error) {
	total, err := Size(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, total)
	if err := packInto(buf, msg); err != nil {
		return nil, err
	}
	return buf, nil
}

func packInto(buf []byte, msg Message) error {
	rootVector := VectorRootBroker
	if isRPTMessage(msg) {
		rootVector = VectorRootRPT
	}

	rootLen := len(buf) - TCPPreambleSize
	copy(buf[0:PreambleLen], Preamble[:])
	binary.BigEndian.PutUint32(buf[PreambleLen:TCPPreambleSize], uint32(rootLen))

	root := buf[TCPPreambleSize:]
	encodeLength(root[0:LengthFieldSize], rootLen)
	binary.BigEndian.PutUint32(root[LengthFieldSize:LengthFieldSize+4], rootVector)
	putCID(root[LengthFieldSize+4:RootLayerHeaderSize], msg.SenderCID())

	sub := root[RootLayerHeaderSize:]
	if isRPTMessage(msg) {
		return packRPT(sub, msg)
	}
	return packBroker(sub, msg)
}

func packBroker(buf []byte, msg Message) error {
	vector, err := brokerSubVector(msg)
	if err != nil {
		return err
	}
	pduLen := len(buf)
	encodeLength(buf[0:LengthFieldSize], pduLen)
	binary.BigEndian.PutUint16(buf[LengthFieldSize:BrokerHeaderSize], vector)
	payload := buf[BrokerHeaderSize:]

	switch m := msg.(type) {
	case ClientConnect:
		putFixedString(payload[0:ScopeFieldSize], m.Scope, ScopeFieldSize)
		off := ScopeFieldSize
		binary.BigEndian.PutUint16(payload[off:off+2], m.E133Version)
		off += 2
		putFixedString(payload[off:off+SearchDomainFieldSize], m.SearchDomain, SearchDomainFieldSize)
		off += SearchDomainFieldSize
		payload[off] = m.ConnectFlags
		off++
		putEntry(payload[off:], m.Entry)
	case ConnectReply:
		binary.BigEndian.PutUint16(payload[0:2], m.Status)
		binary.BigEndian.PutUint16(payload[2:4], m.E133Version)
		putUID(payload[4:10], m.BrokerUID)
		putUID(payload[10:16], m.ClientUID)
	case ClientEntryUpdate:
		payload[0] = m.ConnectFlags
		putEntry(payload[1:], m.Entry)
	case Redirect:
		return packRedirect(payload, m)
	case ClientList:
		off := 0
		for _, e := range m.Entries {
			off += putEntry(payload[off:], e)
		}
		if m.MoreComing {
			payload[off] = 1
		}
	case DynamicUIDRequestList:
		off := 0
		for _, it := range m.Items {
			putCID(payload[off:off+UUIDSize], it.CID)
			binary.BigEndian.PutUint16(payload[off+UUIDSize:off+UUIDSize+2], it.Manufacturer)
			off += DynamicUidRequestItemSize
		}
		if m.MoreComing {
			payload[off] = 1
		}
	case DynamicUIDAssignmentList:
		off := 0
		for _, mp := range m.Mappings {
			putCID(payload[off:off+UUIDSize], mp.RequestedCID)
			putUID(payload[off+UUIDSize:off+UUIDSize+UIDItemSize], mp.AssignedUID)
			binary.BigEndian.PutUint16(payload[off+UUIDSize+UIDItemSize:off+DynamicUidMappingSize], mp.StatusCode)
			off += DynamicUidMappingSize
		}
		if m.MoreComing {
			payload[off] = 1
		}
	case FetchDynamicUIDList:
		off := 0
		for _, u := range m.UIDs {
			putUID(payload[off:off+UIDItemSize], u)
			off += UIDItemSize
		}
	case Disconnect:
		binary.BigEndian.PutUint16(payload[0:2], m.Reason)
	case Null, FetchClientList:
		// no payload
	default:
		return fmt.Errorf("wire: %T is not a Broker message", msg)
	}
	return nil
}

func packRedirect(payload []byte, m Redirect) error {
	host, portStr, err := net.SplitHostPort(m.NewAddr)
	if err != nil {
		return fmt.Errorf("wire: invalid redirect address %q: %w", m.NewAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("wire: invalid redirect port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("wire: invalid redirect ip %q", host)
	}
	if m.IsIPv6 {
		v6 := ip.To16()
		if v6 == nil {
			return fmt.Errorf("wire: %q is not a valid IPv6 address", host)
		}
		copy(payload[0:16], v6)
		binary.BigEndian.PutUint16(payload[16:18], uint16(port))
		return nil
	}
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("wire: %q is not a valid IPv4 address", host)
	}
	copy(payload[0:4], v4)
	binary.BigEndian.PutUint16(payload[4:6], uint16(port))
	return nil
}

func packRPT(buf []byte, msg Message) error {
	vector, err := rptDataVector(msg)
	if err != nil {
		return err
	}
	pduLen := len(buf)
	encodeLength(buf[0:LengthFieldSize], pduLen)
	binary.BigEndian.PutUint32(buf[LengthFieldSize:RPTFixedHeaderSize], vector)

	header := buf[RPTFixedHeaderSize:RPTHeaderPDUSize]
	payload := buf[RPTHeaderPDUSize:]

	var h RptHeader
	switch m := msg.(type) {
	case RPTRequest:
		h = m.Header
		putRDMBuffers(payload, m.RDMBuffers, m.MoreComing)
	case RPTNotification:
		h = m.Header
		putRDMBuffers(payload, m.RDMBuffers, m.MoreComing)
	case RPTStatus:
		h = m.Header
		binary.BigEndian.PutUint16(payload[0:2], m.StatusCode)
		copy(payload[2:2+len(m.StatusString)], m.StatusString)
	default:
		return fmt.Errorf("wire: %T is not an RPT message", msg)
	}
	putUID(header[0:6], h.SourceUID)
	binary.BigEndian.PutUint16(header[6:8], h.SourceEndpoint)
	putUID(header[8:14], h.DestUID)
	binary.BigEndian.PutUint16(header[14:16], h.DestEndpoint)
	binary.BigEndian.PutUint32(header[16:20], h.Seqnum)
	header[20] = 0
	return nil
}

func putRDMBuffers(payload []byte, bufs [][]byte, moreComing bool) {
	off := 0
	for _, b := range bufs {
		binary.BigEndian.PutUint16(payload[off:off+2], uint16(len(b)))
		off += 2
		copy(payload[off:off+len(b)], b)
		off += len(b)
	}
	if moreComing {
		payload[off] = 1
	}
}
