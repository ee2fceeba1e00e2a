// Package registry implements the Client Registry: the table mapping
// connection handle to client record, with secondary indices by UID and by
// client type, guarded by the lock ordering spec.md §4.4 and §5 require
// (registry-read before record-write; never hold a record lock while
// taking the registry write lock).
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ETCLabs/RDMnet-sub004/internal/handlegen"
	"github.com/ETCLabs/RDMnet-sub004/internal/queue"
	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
	"github.com/ETCLabs/RDMnet-sub004/internal/wire"
)

// State is a client record's position in the connection state machine.
// internal/connfsm owns the transition logic; registry just stores it.
type State int

const (
	TCPConnected State = iota
	AwaitingConnect
	Connected
	MarkedForDestruction
)

// Record is one client's entry in the registry: handle, socket, identity,
// state, and outbound queue. Callers must hold Mu while mutating fields
// shared with the scheduler/routing engine.
type Record struct {
	Mu sync.Mutex

	Handle     int
	Conn       net.Conn
	RemoteAddr string

	CID        uuid.UUID
	Protocol   uint32
	ClientType uint8 // wire.RPTClientType*
	UID        rdmuid.UID
	BindingCID uuid.UUID

	State State
	Queue *queue.Queue

	HeartbeatDeadline time.Time
	SendDeadline      time.Time

	DestructionReason string
	protocolErrors    []time.Time
}

// IsDevice reports whether the record's client type is Device, the only
// type that gets a fairness-partitioned RPT queue.
func (r *Record) IsDevice() bool {
	return r.ClientType == wire.RPTClientTypeDevice
}

// NoteProtocolError records a protocol error timestamp and reports whether
// the escalation threshold (>=3 within 1s, per spec.md §7) has been hit.
func (r *Record) NoteProtocolError(now time.Time) bool {
	cutoff := now.Add(-1 * time.Second)
	kept := r.protocolErrors[:0]
	for _, ts := range r.protocolErrors {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	r.protocolErrors = kept
	return len(r.protocolErrors) >= 3
}

// Registry is the live table of client records, indexed by handle and by
// the secondary indices spec.md §4.4 names.
type Registry struct {
	mu sync.RWMutex

	byHandle map[int]*Record
	byUID    map[rdmuid.UID]int
	byType   map[uint8]map[int]struct{}

	gen *handlegen.Generator
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byHandle: make(map[int]*Record),
		byUID:    make(map[rdmuid.UID]int),
		byType:   make(map[uint8]map[int]struct{}),
		gen:      handlegen.New(),
	}
}

// Accept allocates a handle and creates a new record in state TCPConnected
// for a freshly accepted socket. The record is not yet in any secondary
// index (I4); it only gains one on a successful handshake via Promote.
func (reg *Registry) Accept(conn net.Conn, remoteAddr string, queueCap int) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	handle := reg.gen.Next(func(h int) bool {
		_, inUse := reg.byHandle[h]
		return inUse
	})
	rec := &Record{
		Handle:            handle,
		Conn:              conn,
		RemoteAddr:        remoteAddr,
		State:             TCPConnected,
		Queue:             queue.New(queueCap, false),
		HeartbeatDeadline: time.Now().Add(15 * time.Second),
		SendDeadline:      time.Now().Add(7500 * time.Millisecond),
	}
	reg.byHandle[handle] = rec
	return rec
}

// ByHandle returns the record for handle, if any.
func (reg *Registry) ByHandle(handle int) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.byHandle[handle]
	return rec, ok
}

// ByUID returns the record currently holding uid, if any (I3: at most one).
func (reg *Registry) ByUID(uid rdmuid.UID) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	handle, ok := reg.byUID[uid]
	if !ok {
		return nil, false
	}
	rec, ok := reg.byHandle[handle]
	return rec, ok
}

// Promote moves a record from AwaitingConnect into Connected, installing it
// into the UID and client-type indices and swapping in a queue with the
// fairness partitioning appropriate to its (now known) client type. Callers
// must hold rec.Mu for the duration of the call; rec.Mu is never held
// across any other call into the registry.
func (reg *Registry) Promote(rec *Record, uid rdmuid.UID, clientType uint8, queueCap int) {
	rec.UID = uid
	rec.ClientType = clientType
	rec.State = Connected
	rec.Queue = queue.New(queueCap, clientType == wire.RPTClientTypeDevice)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byUID[uid] = rec.Handle
	if reg.byType[clientType] == nil {
		reg.byType[clientType] = make(map[int]struct{})
	}
	reg.byType[clientType][rec.Handle] = struct{}{}
}

// Snapshot copies out the handles of every record in typeFilter's client-type
// index (records enter it on Promote and leave it on Reap), or of every
// record in any state if typeFilter is nil, keeping only those whose UID
// manufacturer matches when manuFilter != nil. It does not filter on State. The copy is taken entirely under the
// registry read lock so callers can push to each handle afterward without
// holding any registry lock (the broadcast snapshot-then-push pattern).
func (reg *Registry) Snapshot(typeFilter *uint8, manuFilter *uint16) []int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var handles []int
	if typeFilter != nil {
		for h := range reg.byType[*typeFilter] {
			handles = append(handles, h)
		}
	} else {
		for h := range reg.byHandle {
			handles = append(handles, h)
		}
	}
	if manuFilter == nil {
		return handles
	}
	filtered := handles[:0]
	for _, h := range handles {
		rec := reg.byHandle[h]
		if rec != nil && rec.UID.Manufacturer == *manuFilter {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// MarkForDestruction transitions a record to MarkedForDestruction so the
// next scheduler pass reaps it. It does not remove the record from any
// index immediately (I2: a handle stays reserved while still referenced).
func (reg *Registry) MarkForDestruction(handle int, reason string) {
	reg.mu.RLock()
	rec, ok := reg.byHandle[handle]
	reg.mu.RUnlock()
	if !ok {
		return
	}
	rec.Mu.Lock()
	rec.State = MarkedForDestruction
	rec.DestructionReason = reason
	rec.Mu.Unlock()
}

// Reap removes every MarkedForDestruction record from all indices and
// returns the removed records so the caller (scheduler) can emit
// ClientRemove notifications and close sockets.
func (reg *Registry) Reap() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var removed []*Record
	for h, rec := range reg.byHandle {
		rec.Mu.Lock()
		dead := rec.State == MarkedForDestruction
		rec.Mu.Unlock()
		if !dead {
			continue
		}
		delete(reg.byHandle, h)
		if reg.byUID[rec.UID] == h {
			delete(reg.byUID, rec.UID)
		}
		if set, ok := reg.byType[rec.ClientType]; ok {
			delete(set, h)
		}
		removed = append(removed, rec)
	}
	return removed
}

// Len reports the number of live records, regardless of state.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byHandle)
}

// CountByType reports the number of Connected records of the given type.
func (reg *Registry) CountByType(clientType uint8) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byType[clientType])
}
