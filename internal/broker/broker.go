// Package broker wires every other internal package into the top-level
// Broker type: the thing cmd/rdmnetbroker constructs, runs, and shuts down.
// It owns no protocol logic of its own beyond the glue between the
// transport, connection state machine, routing engine, scheduler, and
// discovery coordinator, following the shape of the teacher's own
// top-level services (identity's service.Run(ctx, wg)/service.Shutdown()
// lifecycle) adapted from a single-purpose microservice to this broker's
// wider component set.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokercfg"
	"github.com/ETCLabs/RDMnet-sub004/internal/brokererrors"
	"github.com/ETCLabs/RDMnet-sub004/internal/connfsm"
	"github.com/ETCLabs/RDMnet-sub004/internal/discovery"
	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/registry"
	"github.com/ETCLabs/RDMnet-sub004/internal/routing"
	"github.com/ETCLabs/RDMnet-sub004/internal/scheduler"
	"github.com/ETCLabs/RDMnet-sub004/internal/transport"
	"github.com/ETCLabs/RDMnet-sub004/internal/uidmgr"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

// EventKind identifies the asynchronous notifications a running Broker
// raises, per the error handling design's "broker.Event values for
// asynchronous notifications" list.
type EventKind string

const (
	EventScopeChanged   EventKind = "scope_changed"
	EventRegisterFailed EventKind = "register_failed"
	EventClientAdded    EventKind = "client_added"
	EventClientRemoved  EventKind = "client_removed"
)

// Event is one asynchronous notification raised by a running Broker.
type Event struct {
	Kind   EventKind
	Handle int
	CID    uuid.UUID
	UID    rdmuid.UID
	Err    error
}

// Broker is the explicit context handle for one running broker instance;
// nothing in this module falls back to package-level mutable state for
// broker identity (design note: "global singletons" resolved).
type Broker struct {
	Config *brokercfg.Config
	Log    *logrus.Entry

	CID       uuid.UUID
	BrokerUID rdmuid.UID

	Registry  *registry.Registry
	UIDs      *uidmgr.Manager
	FSM       *connfsm.Machine
	Routing   *routing.Engine
	Sockets   *transport.TCPSocketManager
	Listeners *transport.ListenerPool
	Discovery *discovery.Coordinator

	// Events carries asynchronous notifications to whatever goroutine the
	// caller wires to drain it (e.g. cmd/rdmnetbroker logs them). Sends
	// never block: a full channel drops the event and logs a warning,
	// matching internal/discovery's own event-posting pattern.
	Events chan Event

	status statusTracker
}

// statusTracker is this Broker's adaptation of the teacher's broker/state.go
// package-level status globals into instance state: same
// status/errorCount/lastError fields and RWMutex guard, just reachable
// through methods on *Broker instead of package-level functions, so a
// process can in principle run more than one Broker without the two
// instances trampling each other's state.
type statusTracker struct {
	mu         sync.RWMutex
	phase      string
	errorCount int
	lastError  error
}

func (s *statusTracker) setPhase(v string) {
	s.mu.Lock()
	s.phase = v
	s.mu.Unlock()
}

func (s *statusTracker) getPhase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *statusTracker) recordError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.errorCount++
	s.mu.Unlock()
}

func (s *statusTracker) getErrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorCount
}

func (s *statusTracker) getLastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Status reports the broker's current lifecycle phase ("starting",
// "running", "stopping", "stopped").
func (b *Broker) Status() string { return b.status.getPhase() }

// ErrorCount reports the total number of errors recorded via status.recordError.
func (b *Broker) ErrorCount() int { return b.status.getErrorCount() }

// LastError returns the most recently recorded error, if any.
func (b *Broker) LastError() error { return b.status.getLastError() }

// New builds a Broker from cfg, wiring every component's concrete default
// (StaticPlatform for discovery, TCPSocketManager for transport) the way
// cmd/rdmnetbroker expects. log should already carry whatever fields the
// caller wants on every broker log line (internal/rlog.Initialize's return
// value is the intended input).
func New(cfg *brokercfg.Config, log *logrus.Entry) (*Broker, error) {
	cid, err := uuid.Parse(cfg.CID)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid cid: %w", err)
	}

	brokerUID, err := resolveBrokerUID(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	uids := uidmgr.New(cfg.UID.Manufacturer, 0)

	fsm := &connfsm.Machine{
		Registry:       reg,
		UIDs:           uids,
		Log:            log,
		BrokerCID:      cid,
		BrokerUID:      brokerUID,
		Scope:          cfg.Scope,
		E133Version:    1,
		MaxConnections: cfg.MaxConnections,
		MaxControllers: cfg.MaxControllers,
		MaxDevices:     cfg.MaxDevices,
		QueueCap:       cfg.MaxControllerMessages,
	}

	engine := routing.NewEngine(reg, brokerUID, log)

	sockets := transport.NewTCPSocketManager()
	sockets.Log = log

	listeners := &transport.ListenerPool{
		Registry: reg,
		Manager:  sockets,
		QueueCap: cfg.MaxControllerMessages,
		Log:      log,
	}

	b := &Broker{
		Config:    cfg,
		Log:       log,
		CID:       cid,
		BrokerUID: brokerUID,
		Registry:  reg,
		UIDs:      uids,
		FSM:       fsm,
		Routing:   engine,
		Sockets:   sockets,
		Listeners: listeners,
		Events:    make(chan Event, 64),
	}

	listeners.OnAccept = func(rec *registry.Record) {
		fsm.Attach(rec)
	}
	sockets.OnMessageReceived = b.onMessageReceived
	sockets.OnSocketClosed = b.onSocketClosed
	sockets.OnProtocolError = b.onProtocolError

	b.Discovery = discovery.NewCoordinator(discovery.NewStaticPlatform(), discovery.BrokerInfo{
		ServiceInstanceName: cfg.DNS.ServiceInstanceName,
		Scope:               cfg.Scope,
		Port:                cfg.ListenPort,
		ListenAddrs:         cfg.ListenAddrs,
		CID:                 cid,
		Manufacturer:        cfg.DNS.Manufacturer,
		Model:               cfg.DNS.Model,
		TXTItems:            txtMap(cfg.DNS.AdditionalTXTItems),
	})
	b.Discovery.Log = log
	b.Discovery.Callbacks = discovery.Callbacks{
		BrokerRegisterFailed: func(err error) {
			b.status.recordError(err)
			b.postEvent(Event{Kind: EventRegisterFailed, Err: err})
		},
	}
	b.Discovery.OnOpenListeners = func() {
		if err := b.openListeners(); err != nil {
			b.status.recordError(err)
			if b.Log != nil {
				b.Log.WithError(err).Error("failed to open listeners")
			}
		}
	}
	b.Discovery.OnCloseListeners = func() {
		b.Listeners.Close()
	}

	return b, nil
}

// resolveBrokerUID picks the broker's own UID from cfg.UID: a static
// manufacturer/device pair when cfg.UID.Dynamic is false, or a fixed
// device ID of 1 under the configured manufacturer when dynamic assignment
// is requested for clients but the broker itself still needs a stable
// identity to stamp its own RPT-originated traffic with.
func resolveBrokerUID(cfg *brokercfg.Config) (rdmuid.UID, error) {
	if !cfg.UID.Dynamic {
		return rdmuid.UID{Manufacturer: cfg.UID.Manufacturer, Device: cfg.UID.Device}, nil
	}
	if cfg.UID.Manufacturer == 0 {
		return rdmuid.UID{}, fmt.Errorf("broker: uid.manufacturer is required even with uid.dynamic=true")
	}
	return rdmuid.UID{Manufacturer: cfg.UID.Manufacturer, Device: 1}, nil
}

func txtMap(items []brokercfg.TXTItem) map[string]string {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]string, len(items))
	for _, it := range items {
		m[it.Key] = it.Value
	}
	return m
}

func (b *Broker) postEvent(ev Event) {
	select {
	case b.Events <- ev:
	default:
		if b.Log != nil {
			b.Log.Warn("broker event channel full, dropping event")
		}
	}
}

// Run brings the broker up, serves until ctx is canceled, and tears
// everything down before returning, following the teacher's
// identity/cmd main.go lifecycle: the caller does wg.Add(1) and `go
// broker.Run(ctx, wg)`, then cancels ctx on SIGINT/SIGTERM and waits on wg.
func (b *Broker) Run(ctx context.Context, wg *sync.WaitGroup) error {
	defer wg.Done()
	b.status.setPhase("starting")

	if err := b.Sockets.Startup(); err != nil {
		b.status.recordError(err)
		return err
	}

	loop := &scheduler.Loop{
		Registry: b.Registry,
		FSM:      b.FSM,
		Sender:   b.Sockets,
		Log:      b.Log,
		OnReap:   b.onReap,
	}

	var inner sync.WaitGroup
	inner.Add(2)
	go func() {
		defer inner.Done()
		loop.Run(ctx)
	}()
	go func() {
		defer inner.Done()
		if err := b.Discovery.Run(ctx); err != nil {
			b.status.recordError(err)
			if b.Log != nil {
				b.Log.WithError(err).Error("discovery coordinator exited with error")
			}
		}
	}()

	b.status.setPhase("running")
	if b.Log != nil {
		b.Log.WithFields(logrus.Fields{"scope": b.Config.Scope, "broker_uid": b.BrokerUID.String()}).Info("broker running")
	}

	<-ctx.Done()
	b.status.setPhase("stopping")
	b.Listeners.Close()
	b.Sockets.Shutdown()
	inner.Wait()
	b.status.setPhase("stopped")
	return nil
}

// openListeners binds every configured listen address (":<port>" on all
// interfaces when none are given) and starts accepting, invoked once
// discovery registration succeeds (spec.md §4.9: listeners open only after
// a successful, uncontested registration).
func (b *Broker) openListeners() error {
	addrs := b.Config.ListenAddrs
	if len(addrs) == 0 {
		addrs = []string{fmt.Sprintf(":%d", b.Config.ListenPort)}
	}
	for _, a := range addrs {
		if err := b.Listeners.Listen("tcp", a); err != nil {
			return fmt.Errorf("broker: failed to listen on %s: %w", a, err)
		}
	}
	go b.Listeners.Serve(context.Background())
	return nil
}

func (b *Broker) onMessageReceived(handle int, msg wire.Message) {
	rec, ok := b.Registry.ByHandle(handle)
	if !ok {
		return
	}
	b.FSM.OnMessageReceived(rec)

	switch m := msg.(type) {
	case wire.ClientConnect:
		refused := b.FSM.HandleClientConnect(rec, m)
		if !refused {
			b.postEvent(Event{Kind: EventClientAdded, Handle: rec.Handle, CID: m.Entry.CID})
			b.broadcastClientList(wire.ClientListAdd, rec)
		}

	case wire.Disconnect:
		b.FSM.HandleDisconnect(rec, m)

	case wire.FetchClientList:
		b.sendClientList(rec)

	case wire.RPTRequest:
		b.route(rec, m)
	case wire.RPTNotification:
		b.route(rec, m)
	case wire.RPTStatus:
		b.route(rec, m)

	default:
		if b.Log != nil {
			b.Log.WithField("handle", handle).Debug("ignoring unhandled message type")
		}
	}
}

func (b *Broker) route(rec *registry.Record, msg wire.Message) {
	pack := func(m wire.Message) ([]byte, error) {
		return wire.Pack(wire.WithSender(m, b.CID))
	}
	if err := b.Routing.Route(rec, msg, pack); err != nil {
		b.status.recordError(err)
		if b.Log != nil {
			b.Log.WithError(err).WithField("handle", rec.Handle).Warn("routing error")
		}
	}
}

func (b *Broker) onSocketClosed(handle int, graceful bool) {
	reason := "peer closed connection"
	if !graceful {
		reason = "socket error"
	}
	b.Registry.MarkForDestruction(handle, reason)
}

func (b *Broker) onProtocolError(handle int) {
	rec, ok := b.Registry.ByHandle(handle)
	if !ok {
		return
	}
	rec.Mu.Lock()
	escalate := rec.NoteProtocolError(time.Now())
	rec.Mu.Unlock()
	if escalate {
		b.Registry.MarkForDestruction(handle, "protocol error rate exceeded")
	}
}

// onReap is the scheduler's OnReap hook: it releases rec's dynamic/static
// UID reservation to "disconnected but sticky" (not forgotten -- spec.md §3
// UID reservations persist past client disconnection), closes its socket,
// emits a ClientRemoved event, and tells any connected controllers.
func (b *Broker) onReap(rec *registry.Record) {
	b.Sockets.RemoveSocket(rec.Handle)
	if (rec.UID != rdmuid.UID{}) {
		b.UIDs.Disconnect(rec.UID)
	}
	if rec.ClientType == wire.RPTClientTypeController {
		b.discardControllerPartitions(rec.Handle)
	}
	b.postEvent(Event{Kind: EventClientRemoved, Handle: rec.Handle, CID: rec.CID, UID: rec.UID})
	b.broadcastClientList(wire.ClientListRemove, rec)
}

// discardControllerPartitions drops the reaped controller's stale partition
// from every connected Device's RPT queue, so its buffered entries don't
// linger forever once nothing will ever send them (internal/queue's
// per-controller partitioning has no other reclamation path).
func (b *Broker) discardControllerPartitions(controllerHandle int) {
	deviceType := wire.RPTClientTypeDevice
	for _, h := range b.Registry.Snapshot(&deviceType, nil) {
		dev, ok := b.Registry.ByHandle(h)
		if !ok {
			continue
		}
		dev.Queue.DiscardPartition(controllerHandle)
	}
}

// broadcastClientList tells every connected controller about a device or
// controller being added/removed, per the Broker.ClientList Add/Remove
// operations of spec.md §3. Controllers are the only audience: a device has
// no use for other devices' identities.
func (b *Broker) broadcastClientList(op wire.ClientListOp, rec *registry.Record) {
	rec.Mu.Lock()
	entry := wire.ClientEntry{CID: rec.CID, Protocol: wire.ClientProtocolRPT, UID: rec.UID, ClientType: rec.ClientType, BindingCID: rec.BindingCID}
	selfHandle := rec.Handle
	rec.Mu.Unlock()

	list := wire.ClientList{Op: op, Entries: []wire.ClientEntry{entry}}
	buf, err := wire.Pack(wire.WithSender(list, b.CID))
	if err != nil {
		if b.Log != nil {
			b.Log.WithError(err).Error("failed to pack client list notification")
		}
		return
	}
	controllerType := wire.RPTClientTypeController
	for _, h := range b.Registry.Snapshot(&controllerType, nil) {
		if h == selfHandle {
			continue
		}
		dest, ok := b.Registry.ByHandle(h)
		if !ok {
			continue
		}
		if err := dest.Queue.PushBroker(buf); err != nil && b.Log != nil {
			b.Log.WithError(err).WithField("handle", h).Warn("dropped client list notification: queue full")
		}
	}
}

// sendClientList replies to rec's Broker.FetchClientList with the full
// connected-client snapshot, per spec.md §3.
func (b *Broker) sendClientList(rec *registry.Record) {
	handles := b.Registry.Snapshot(nil, nil)
	entries := make([]wire.ClientEntry, 0, len(handles))
	for _, h := range handles {
		other, ok := b.Registry.ByHandle(h)
		if !ok {
			continue
		}
		other.Mu.Lock()
		if other.State == registry.Connected {
			entries = append(entries, wire.ClientEntry{CID: other.CID, Protocol: wire.ClientProtocolRPT, UID: other.UID, ClientType: other.ClientType, BindingCID: other.BindingCID})
		}
		other.Mu.Unlock()
	}
	list := wire.ClientList{Op: wire.ClientListConnected, Entries: entries}
	buf, err := wire.Pack(wire.WithSender(list, b.CID))
	if err != nil {
		if b.Log != nil {
			b.Log.WithError(err).Error("failed to pack client list")
		}
		return
	}
	if err := rec.Queue.PushBroker(buf); err != nil {
		if b.Log != nil {
			b.Log.WithError(err).WithField("handle", rec.Handle).Warn("dropped client list reply: queue full")
		}
	}
}

// Disconnect forcibly disconnects handle with the given RDMnet disconnect
// reason code, queuing a Broker.Disconnect before marking the record for
// destruction on the next scheduler pass.
func (b *Broker) Disconnect(handle int, reason uint16) error {
	rec, ok := b.Registry.ByHandle(handle)
	if !ok {
		return brokererrors.ErrNotConnected
	}
	msg := wire.WithSender(wire.Disconnect{Reason: reason}, b.CID)
	buf, err := wire.Pack(msg)
	if err != nil {
		return err
	}
	_ = rec.Queue.PushBroker(buf)
	b.Registry.MarkForDestruction(handle, "disconnected by broker")
	return nil
}
