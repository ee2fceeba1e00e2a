package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
)

// Outcome reports what a single Parser.Feed call accomplished.
type Outcome int

const (
	// NoData means no new bytes were available to make progress on any
	// message; the caller should wait for more input.
	NoData Outcome = iota
	// FullBlockOk means every block buffered by this call (and any prior
	// calls) was fully parsed with no leftover partial block.
	FullBlockOk
	// FullBlockProtErr is like FullBlockOk but at least one malformed block
	// was encountered and skipped during this call.
	FullBlockProtErr
	// PartialBlockOk means zero or more complete messages were parsed and a
	// trailing partial block remains buffered, awaiting more data.
	PartialBlockOk
	// PartialBlockProtErr is like PartialBlockOk but at least one malformed
	// block was skipped during this call.
	PartialBlockProtErr
)

// maxMessageSize bounds how large a single RLP block is allowed to claim to
// be, defending against a corrupt or hostile length field driving unbounded
// buffer growth. RDMnet messages in practice never approach this.
const maxMessageSize = 1 << 20

// minValidRootLen is the smallest root-layer length that could possibly
// contain a real sub-message (root header + smallest Broker PDU header).
const minValidRootLen = RootLayerHeaderSize + BrokerHeaderSize

// Parser is a per-connection resumable frame parser. It accumulates bytes
// fed across calls and, as complete TCP-framed blocks become available,
// decodes them into Messages. It never blocks and never retains more than
// one partially-received block's worth of data.
type Parser struct {
	buf []byte
}

// NewParser returns a Parser ready to accept its first Feed call.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends data to the parser's internal buffer and decodes as many
// complete blocks as are available. It always consumes the entirety of
// data (it is copied into the internal buffer), so consumed == len(data)
// in every case; the return value is kept for interface symmetry with the
// outcome-reporting contract.
func (p *Parser) Feed(data []byte) (msgs []Message, consumed int, outcome Outcome) {
	if len(data) > 0 {
		p.buf = append(p.buf, data...)
	}

	protoErr := false
	processedBlock := false

	for {
		if len(p.buf) == 0 {
			break
		}
		if len(p.buf) < PreambleLen {
			// Not enough bytes to even confirm the preamble; wait.
			break
		}

		idx := bytes.Index(p.buf, Preamble[:])
		if idx == -1 {
			// No preamble anywhere in the buffer. Keep only the trailing
			// bytes that could still become a preamble once more data
			// arrives; the rest is definitively garbage.
			protoErr = protoErr || len(p.buf) > PreambleLen-1
			keep := PreambleLen - 1
			if len(p.buf) > keep {
				p.buf = p.buf[len(p.buf)-keep:]
			}
			break
		}
		if idx > 0 {
			// Garbage preceded the next preamble: a bad block was skipped.
			protoErr = true
			p.buf = p.buf[idx:]
		}

		if len(p.buf) < TCPPreambleSize {
			break // need more bytes to read the RLP length
		}

		rootLen := binary.BigEndian.Uint32(p.buf[PreambleLen:TCPPreambleSize])
		if int(rootLen) < minValidRootLen || rootLen > maxMessageSize {
			// Corrupt length field. Resync past this preamble and keep
			// searching; this whole block is unrecoverable.
			protoErr = true
			p.buf = p.buf[PreambleLen:]
			continue
		}

		totalLen := TCPPreambleSize + int(rootLen)
		if len(p.buf) < totalLen {
			break // full block not yet buffered
		}

		block := p.buf[:totalLen]
		p.buf = p.buf[totalLen:]

		msg, err := decodeBlock(block)
		if err != nil {
			protoErr = true
			continue
		}
		processedBlock = true
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}

	switch {
	case len(p.buf) > 0:
		if protoErr {
			outcome = PartialBlockProtErr
		} else {
			outcome = PartialBlockOk
		}
	case !processedBlock && !protoErr:
		outcome = NoData
	case protoErr:
		outcome = FullBlockProtErr
	default:
		outcome = FullBlockOk
	}

	return msgs, len(data), outcome
}

// decodeBlock decodes one complete TCP-framed block (preamble, RLP length,
// and root layer PDU). It returns a nil Message with a nil error for
// recognized-but-unknown sub-vectors, which are silently tolerated rather
// than treated as protocol errors.
func decodeBlock(block []byte) (Message, error) {
	root := block[TCPPreambleSize:]
	if len(root) < RootLayerHeaderSize {
		return nil, fmt.Errorf("wire: root layer PDU too short")
	}
	length, err := decodeLength(root[0:LengthFieldSize])
	if err != nil {
		return nil, err
	}
	if length != len(root) {
		return nil, fmt.Errorf("wire: root layer length %d does not match block size %d", length, len(root))
	}
	vector := binary.BigEndian.Uint32(root[LengthFieldSize : LengthFieldSize+4])
	cid := getCID(root[LengthFieldSize+4 : RootLayerHeaderSize])
	sub := root[RootLayerHeaderSize:]

	switch vector {
	case VectorRootBroker:
		return decodeBroker(sub, cid)
	case VectorRootRPT:
		return decodeRPT(sub, cid)
	case VectorRootEPT:
		return nil, fmt.Errorf("wire: EPT clients are not supported")
	default:
		return nil, nil // unknown root vector: tolerated, ignored
	}
}

func decodeBroker(sub []byte, cid uuid.UUID) (Message, error) {
	if len(sub) < BrokerHeaderSize {
		return nil, fmt.Errorf("wire: broker PDU too short")
	}
	length, err := decodeLength(sub[0:LengthFieldSize])
	if err != nil {
		return nil, err
	}
	if length != len(sub) {
		return nil, fmt.Errorf("wire: broker PDU length %d does not match block size %d", length, len(sub))
	}
	vector := binary.BigEndian.Uint16(sub[LengthFieldSize:BrokerHeaderSize])
	payload := sub[BrokerHeaderSize:]
	base := newBase(cid)

	switch vector {
	case VectorBrokerConnect:
		return decodeClientConnect(base, payload)
	case VectorBrokerConnectReply:
		return decodeConnectReply(base, payload)
	case VectorBrokerClientEntryUpdate:
		return decodeClientEntryUpdate(base, payload)
	case VectorBrokerRedirectV4:
		return decodeRedirect(base, payload, false)
	case VectorBrokerRedirectV6:
		return decodeRedirect(base, payload, true)
	case VectorBrokerFetchClientList:
		return FetchClientList{baseMessage: base}, nil
	case VectorBrokerConnectedClientList:
		return decodeClientList(base, payload, ClientListConnected)
	case VectorBrokerClientAdd:
		return decodeClientList(base, payload, ClientListAdd)
	case VectorBrokerClientRemove:
		return decodeClientList(base, payload, ClientListRemove)
	case VectorBrokerClientEntryChange:
		return decodeClientList(base, payload, ClientListChange)
	case VectorBrokerRequestDynamicUIDs:
		return decodeDynamicUIDRequestList(base, payload)
	case VectorBrokerAssignedDynamicUIDs:
		return decodeDynamicUIDAssignmentList(base, payload)
	case VectorBrokerFetchDynamicUIDList:
		return decodeFetchDynamicUIDList(base, payload)
	case VectorBrokerDisconnect:
		if len(payload) < 2 {
			return nil, fmt.Errorf("wire: short Disconnect payload")
		}
		return Disconnect{baseMessage: base, Reason: binary.BigEndian.Uint16(payload[0:2])}, nil
	case VectorBrokerNull:
		return Null{baseMessage: base}, nil
	default:
		return nil, nil // unknown broker sub-vector: tolerated, ignored
	}
}

func decodeClientConnect(base baseMessage, payload []byte) (Message, error) {
	if len(payload) < ClientConnectCommonSize {
		return nil, fmt.Errorf("wire: short ClientConnect payload")
	}
	m := ClientConnect{baseMessage: base}
	off := 0
	m.Scope = getFixedString(payload[off : off+ScopeFieldSize])
	off += ScopeFieldSize
	m.E133Version = binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	m.SearchDomain = getFixedString(payload[off : off+SearchDomainFieldSize])
	off += SearchDomainFieldSize
	m.ConnectFlags = payload[off]
	off++
	entry, _, err := getEntry(payload[off:])
	if err != nil {
		return nil, err
	}
	m.Entry = entry
	return m, nil
}

func decodeConnectReply(base baseMessage, payload []byte) (Message, error) {
	if len(payload) < 16 {
		return nil, fmt.Errorf("wire: short ConnectReply payload")
	}
	return ConnectReply{
		baseMessage: base,
		Status:      binary.BigEndian.Uint16(payload[0:2]),
		E133Version: binary.BigEndian.Uint16(payload[2:4]),
		BrokerUID:   getUID(payload[4:10]),
		ClientUID:   getUID(payload[10:16]),
	}, nil
}

func decodeClientEntryUpdate(base baseMessage, payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: short ClientEntryUpdate payload")
	}
	entry, _, err := getEntry(payload[1:])
	if err != nil {
		return nil, err
	}
	return ClientEntryUpdate{baseMessage: base, ConnectFlags: payload[0], Entry: entry}, nil
}

func decodeRedirect(base baseMessage, payload []byte, isV6 bool) (Message, error) {
	var ip net.IP
	var port uint16
	if isV6 {
		if len(payload) < 18 {
			return nil, fmt.Errorf("wire: short RedirectV6 payload")
		}
		ip = net.IP(append([]byte(nil), payload[0:16]...))
		port = binary.BigEndian.Uint16(payload[16:18])
	} else {
		if len(payload) < 6 {
			return nil, fmt.Errorf("wire: short RedirectV4 payload")
		}
		ip = net.IP(append([]byte(nil), payload[0:4]...))
		port = binary.BigEndian.Uint16(payload[4:6])
	}
	return Redirect{
		baseMessage: base,
		NewAddr:     net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)),
		IsIPv6:      isV6,
	}, nil
}

func decodeClientList(base baseMessage, payload []byte, op ClientListOp) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: short ClientList payload")
	}
	var entries []ClientEntry
	for len(payload) > 1 {
		e, n, err := getEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		payload = payload[n:]
	}
	return ClientList{baseMessage: base, Op: op, Entries: entries, MoreComing: payload[0] == 1}, nil
}

func decodeDynamicUIDRequestList(base baseMessage, payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: short RequestDynamicUids payload")
	}
	var items []DynamicUIDRequestItem
	for len(payload) > 1 {
		if len(payload) < DynamicUidRequestItemSize+1 {
			return nil, fmt.Errorf("wire: truncated dynamic UID request item")
		}
		items = append(items, DynamicUIDRequestItem{
			CID:          getCID(payload[0:UUIDSize]),
			Manufacturer: binary.BigEndian.Uint16(payload[UUIDSize : UUIDSize+2]),
		})
		payload = payload[DynamicUidRequestItemSize:]
	}
	return DynamicUIDRequestList{baseMessage: base, Items: items, MoreComing: payload[0] == 1}, nil
}

func decodeDynamicUIDAssignmentList(base baseMessage, payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("wire: short AssignedDynamicUids payload")
	}
	var mappings []DynamicUIDMapping
	for len(payload) > 1 {
		if len(payload) < DynamicUidMappingSize+1 {
			return nil, fmt.Errorf("wire: truncated dynamic UID mapping")
		}
		mappings = append(mappings, DynamicUIDMapping{
			RequestedCID: getCID(payload[0:UUIDSize]),
			AssignedUID:  getUID(payload[UUIDSize : UUIDSize+UIDItemSize]),
			StatusCode:   binary.BigEndian.Uint16(payload[UUIDSize+UIDItemSize : DynamicUidMappingSize]),
		})
		payload = payload[DynamicUidMappingSize:]
	}
	return DynamicUIDAssignmentList{baseMessage: base, Mappings: mappings, MoreComing: payload[0] == 1}, nil
}

func decodeFetchDynamicUIDList(base baseMessage, payload []byte) (Message, error) {
	var out []rdmuid.UID
	for len(payload) >= UIDItemSize {
		out = append(out, getUID(payload[0:UIDItemSize]))
		payload = payload[UIDItemSize:]
	}
	return FetchDynamicUIDList{baseMessage: base, UIDs: out}, nil
}

func decodeRPT(sub []byte, cid uuid.UUID) (Message, error) {
	if len(sub) < RPTHeaderPDUSize {
		return nil, fmt.Errorf("wire: RPT PDU too short")
	}
	length, err := decodeLength(sub[0:LengthFieldSize])
	if err != nil {
		return nil, err
	}
	if length != len(sub) {
		return nil, fmt.Errorf("wire: RPT PDU length %d does not match block size %d", length, len(sub))
	}
	dataVector := binary.BigEndian.Uint32(sub[LengthFieldSize:RPTFixedHeaderSize])
	header := sub[RPTFixedHeaderSize:RPTHeaderPDUSize]
	payload := sub[RPTHeaderPDUSize:]

	h := RptHeader{
		SourceUID:      getUID(header[0:6]),
		SourceEndpoint: binary.BigEndian.Uint16(header[6:8]),
		DestUID:        getUID(header[8:14]),
		DestEndpoint:   binary.BigEndian.Uint16(header[14:16]),
		Seqnum:         binary.BigEndian.Uint32(header[16:20]),
	}
	base := newBase(cid)

	switch dataVector {
	case VectorRPTRequest:
		bufs, more, err := decodeRDMBuffers(payload)
		if err != nil {
			return nil, err
		}
		return RPTRequest{baseMessage: base, Header: h, RDMBuffers: bufs, MoreComing: more}, nil
	case VectorRPTNotification:
		bufs, more, err := decodeRDMBuffers(payload)
		if err != nil {
			return nil, err
		}
		return RPTNotification{baseMessage: base, Header: h, RDMBuffers: bufs, MoreComing: more}, nil
	case VectorRPTStatus:
		if len(payload) < 2 {
			return nil, fmt.Errorf("wire: short RPT.Status payload")
		}
		// The status string has no length prefix on the wire; its length is
		// whatever remains of the block after the 2-byte status code.
		strLen := len(payload) - 2
		if strLen > RPTStatusStringMax {
			return nil, fmt.Errorf("wire: RPT.Status string length %d exceeds max %d", strLen, RPTStatusStringMax)
		}
		return RPTStatus{
			baseMessage:  base,
			Header:       h,
			StatusCode:   binary.BigEndian.Uint16(payload[0:2]),
			StatusString: string(payload[2:]),
		}, nil
	default:
		return nil, nil // unknown RPT data vector: tolerated, ignored
	}
}

func decodeRDMBuffers(payload []byte) (bufs [][]byte, moreComing bool, err error) {
	for len(payload) > 1 {
		if len(payload) < 2 {
			return nil, false, fmt.Errorf("wire: truncated RDM buffer length")
		}
		n := int(binary.BigEndian.Uint16(payload[0:2]))
		if len(payload) < 2+n {
			return nil, false, fmt.Errorf("wire: truncated RDM buffer")
		}
		bufs = append(bufs, append([]byte(nil), payload[2:2+n]...))
		payload = payload[2+n:]
	}
	if len(payload) != 1 {
		return nil, false, fmt.Errorf("wire: malformed RDM buffer list trailer")
	}
	return bufs, payload[0] == 1, nil
}
