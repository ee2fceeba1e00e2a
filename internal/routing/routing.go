// Package routing implements the Routing Engine: it takes a parsed RPT
// message and the sending client's record and applies destination-UID
// semantics to dispatch it onto one or more per-client queues, per
// spec.md §4.7.
package routing

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokererrors"
	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

// Engine routes parsed RPT messages between connected clients.
type Engine struct {
	Registry  *registry.Registry
	BrokerUID rdmuid.UID
	Log       *logrus.Entry

	// overflow counts, by destination handle, how many pushes to that
	// handle (broadcast or unicast) have been silently dropped for
	// QueueFull (spec.md §4.7 step 5). Not locked: only ever touched from the scheduler/routing
	// goroutine that also owns sends, matching the rest of the package.
	overflow map[int]int
}

// NewEngine returns an Engine bound to reg.
func NewEngine(reg *registry.Registry, brokerUID rdmuid.UID, log *logrus.Entry) *Engine {
	return &Engine{
		Registry:  reg,
		BrokerUID: brokerUID,
		Log:       log,
		overflow:  make(map[int]int),
	}
}

// packWithSender packs msg with the broker's sender CID stamped, matching
// connfsm.packAndQueue's contract; callers pass a closure over
// wire.WithSender + wire.Pack rather than routing importing connfsm
// directly, which would create an import cycle.
type packWithSender func(msg wire.Message) ([]byte, error)

// Route classifies, validates, and dispatches one RPT message sent by
// sender, per spec.md §4.7. pack packs a message with the broker's sender
// CID stamped (callers pass connfsm-equivalent packing, e.g.
// func(m wire.Message) ([]byte, error) { return wire.Pack(wire.WithSender(m, brokerCID)) }).
// When Route itself needs to reply to the sender (e.g. RPT.Status errors),
// it uses pack and pushes directly onto sender's queue.
func (e *Engine) Route(sender *registry.Record, msg wire.Message, pack packWithSender) error {
	header, rdmBuffers, moreComing, statusCode := extract(msg)

	sender.Mu.Lock()
	senderType := sender.ClientType
	senderHandle := sender.Handle
	sender.Mu.Unlock()

	class, ok := classify(msg, senderType)
	if !ok {
		return e.replyStatus(sender, header, wire.RPTStatusInvalidCommandClass, pack)
	}

	switch class {
	case classRequest:
		if len(rdmBuffers) != 1 || moreComing {
			return e.replyStatus(sender, header, wire.RPTStatusInvalidMessage, pack)
		}
		if header.DestUID.Equal(e.BrokerUID) {
			// Broker-addressed RDM request: handled by the broker's own RDM
			// responder, which is out of scope for the core routing path
			// (spec.md Non-goals: no RDM responder emulation).
			return nil
		}
		if header.DestUID.IsBroadcast() {
			deviceType := wire.RPTClientTypeDevice
			var manuFilter *uint16
			if header.DestUID.IsManufacturerBroadcast() {
				m := header.DestUID.Manufacturer
				manuFilter = &m
			}
			return e.broadcast(&deviceType, manuFilter, senderHandle, msg, pack, false)
		}
		dest, ok := e.Registry.ByUID(header.DestUID)
		if !ok || !dest.IsDevice() {
			return e.replyStatus(sender, header, wire.RPTStatusUnknownRptUid, pack)
		}
		return e.pushRPT(dest, senderHandle, msg, pack)

	case classStatusOrNotification, classStatus:
		if class == classStatus && statusCode == wire.RPTStatusBroadcastComplete {
			// Suppressed per spec.md §4.7 step 3: broadcast-complete
			// indicators are not themselves routed further.
			return nil
		}
		if header.DestUID.Equal(rdmuid.AllControllers) {
			controllerType := wire.RPTClientTypeController
			return e.broadcast(&controllerType, nil, senderHandle, msg, pack, true)
		}
		dest, ok := e.Registry.ByUID(header.DestUID)
		if !ok || dest.ClientType != wire.RPTClientTypeController {
			return e.replyStatus(sender, header, wire.RPTStatusUnknownRptUid, pack)
		}
		return e.pushStatusOrNotification(dest, msg, pack)
	}
	return nil
}

// Broadcast dispatches msg to every connected device (manufacturer==nil) or
// every device of a given manufacturer (manufacturer!=nil), per spec.md §4.7 step
// 4's device-broadcast / manufacturer-broadcast forms. sourceHandle
// identifies the partition a Device's fair rpt_q files the message under.
func (e *Engine) Broadcast(manufacturer *uint16, sourceHandle int, msg wire.Message, pack packWithSender) error {
	deviceType := wire.RPTClientTypeDevice
	return e.broadcast(&deviceType, manufacturer, sourceHandle, msg, pack, false)
}

func (e *Engine) broadcast(typeFilter *uint8, manuFilter *uint16, sourceHandle int, msg wire.Message, pack packWithSender, isStatus bool) error {
	handles := e.Registry.Snapshot(typeFilter, manuFilter)
	buf, err := pack(msg)
	if err != nil {
		return err
	}
	for _, h := range handles {
		rec, ok := e.Registry.ByHandle(h)
		if !ok {
			continue
		}
		var pushErr error
		if isStatus {
			pushErr = rec.Queue.PushStatus(buf)
		} else {
			pushErr = rec.Queue.PushRPT(sourceHandle, buf)
		}
		if pushErr != nil {
			if errors.Is(pushErr, brokererrors.ErrQueueFull) {
				e.overflow[h]++
				if e.Log != nil {
					e.Log.WithField("handle", h).Warn("broadcast dropped: destination queue full")
				}
				continue // step 5: do not abort the broadcast for other destinations
			}
			return pushErr
		}
	}
	return nil
}

func (e *Engine) pushRPT(dest *registry.Record, sourceHandle int, msg wire.Message, pack packWithSender) error {
	buf, err := pack(msg)
	if err != nil {
		return err
	}
	if err := dest.Queue.PushRPT(sourceHandle, buf); err != nil {
		if errors.Is(err, brokererrors.ErrQueueFull) {
			e.overflow[dest.Handle]++
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) pushStatusOrNotification(dest *registry.Record, msg wire.Message, pack packWithSender) error {
	buf, err := pack(msg)
	if err != nil {
		return err
	}
	if err := dest.Queue.PushStatus(buf); err != nil {
		if errors.Is(err, brokererrors.ErrQueueFull) {
			e.overflow[dest.Handle]++
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) replyStatus(sender *registry.Record, h wire.RptHeader, code uint16, pack packWithSender) error {
	status := wire.RPTStatus{
		Header: wire.RptHeader{
			SourceUID:      e.BrokerUID,
			SourceEndpoint: h.DestEndpoint,
			DestUID:        h.SourceUID,
			DestEndpoint:   h.SourceEndpoint,
			Seqnum:         h.Seqnum,
		},
		StatusCode: code,
	}
	buf, err := pack(status)
	if err != nil {
		return err
	}
	return sender.Queue.PushStatus(buf)
}

// OverflowCount returns the number of messages (broadcast or unicast)
// dropped for handle due to a full queue since the Engine was created.
func (e *Engine) OverflowCount(handle int) int {
	return e.overflow[handle]
}

type msgClass int

const (
	classRequest msgClass = iota
	classStatusOrNotification
	classStatus
)

func classify(msg wire.Message, senderType uint8) (msgClass, bool) {
	switch msg.(type) {
	case wire.RPTRequest:
		return classRequest, senderType == wire.RPTClientTypeController
	case wire.RPTStatus:
		return classStatus, senderType == wire.RPTClientTypeDevice
	case wire.RPTNotification:
		// Either client type, per spec.md §4.7 step 1.
		return classStatusOrNotification, senderType == wire.RPTClientTypeController || senderType == wire.RPTClientTypeDevice
	default:
		return 0, false
	}
}

func extract(msg wire.Message) (header wire.RptHeader, rdmBuffers [][]byte, moreComing bool, statusCode uint16) {
	switch m := msg.(type) {
	case wire.RPTRequest:
		return m.Header, m.RDMBuffers, m.MoreComing, 0
	case wire.RPTNotification:
		return m.Header, m.RDMBuffers, m.MoreComing, 0
	case wire.RPTStatus:
		return m.Header, nil, false, m.StatusCode
	default:
		return wire.RptHeader{}, nil, false, 0
	}
}
